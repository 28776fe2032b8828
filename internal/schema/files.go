package schema

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// ReadRestaurantsFile reads restaurants from a JSON array or JSONL file.
// Records are validated.
func ReadRestaurantsFile(path string) ([]Restaurant, error) {
	restaurants, err := readRecords[Restaurant](path)
	if err != nil {
		return nil, err
	}
	for i := range restaurants {
		if err := restaurants[i].Validate(); err != nil {
			return nil, fmt.Errorf("invalid restaurant #%d in %s: %w", i+1, path, err)
		}
	}
	return restaurants, nil
}

// ReadReviewsFile reads reviews from a JSON array or JSONL file.
func ReadReviewsFile(path string) ([]Review, error) {
	reviews, err := readRecords[Review](path)
	if err != nil {
		return nil, err
	}
	for i := range reviews {
		if err := reviews[i].Validate(); err != nil {
			return nil, fmt.Errorf("invalid review #%d in %s: %w", i+1, path, err)
		}
	}
	return reviews, nil
}

func readRecords[T any](path string) ([]T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	records, err := DecodeRecords[T](bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return records, nil
}

// DecodeRecords decodes either a JSON array or one JSON object per line.
func DecodeRecords[T any](r io.Reader) ([]T, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if first == '[' {
		var records []T
		if err := json.NewDecoder(br).Decode(&records); err != nil {
			return nil, err
		}
		return records, nil
	}

	var records []T
	scanner := bufio.NewScanner(br)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var rec T
		if err := json.Unmarshal(text, &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}
