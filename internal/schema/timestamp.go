package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Timestamp is a point in time encoded as Unix milliseconds. It also
// accepts RFC 3339 strings when decoding, since the reviews API returns
// both forms.
type Timestamp struct {
	time.Time
}

// Now returns the current time truncated to milliseconds.
func Now() Timestamp {
	return Timestamp{time.Now().Truncate(time.Millisecond)}
}

// MarshalJSON encodes the timestamp as milliseconds, or null when zero.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(t.UnixMilli(), 10)), nil
}

// UnmarshalJSON accepts milliseconds, numeric strings and RFC 3339 strings.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*t = Timestamp{}
		return nil
	}

	var ms int64
	if err := json.Unmarshal(data, &ms); err == nil {
		t.Time = time.UnixMilli(ms)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp must be a number or string: %w", err)
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		t.Time = time.UnixMilli(n)
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	t.Time = parsed
	return nil
}

// Flag is a boolean that also decodes from "true"/"false" strings.
type Flag bool

// UnmarshalJSON accepts JSON booleans and their string forms.
func (f *Flag) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = Flag(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("flag must be a boolean: %w", err)
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return fmt.Errorf("invalid flag %q: %w", s, err)
	}
	*f = Flag(b)
	return nil
}
