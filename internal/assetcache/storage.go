package assetcache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

// StoredResponse is a cached HTTP response.
type StoredResponse struct {
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"stored_at"`
}

// Response rebuilds an *http.Response answering req.
func (r *StoredResponse) Response(req *http.Request) *http.Response {
	header := r.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Length", strconv.Itoa(len(r.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", r.Status, http.StatusText(r.Status)),
		StatusCode:    r.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}

// RequestKey is the identity a request is cached under: the method and the
// absolute URL including its query.
func RequestKey(req *http.Request) string {
	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""
	// A parsed request line leaves any fragment inside the path or the
	// raw query.
	if i := strings.IndexByte(u.Path, '#'); i >= 0 {
		u.Path = u.Path[:i]
		u.RawPath = ""
		u.RawQuery = ""
	}
	if i := strings.IndexByte(u.RawQuery, '#'); i >= 0 {
		u.RawQuery = u.RawQuery[:i]
	}
	u.ForceQuery = false
	return req.Method + " " + u.String()
}

// Storage holds every cache version in one bbolt file, one bucket per tag.
type Storage struct {
	db *bbolt.DB
}

// OpenStorage opens (creating) the cache file at path.
func OpenStorage(path string) (*Storage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("cache path is required")
	}
	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache storage: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close closes the cache file.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Keys returns the version tags present, sorted.
func (s *Storage) Keys() ([]string, error) {
	var tags []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			tags = append(tags, string(name))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list caches: %w", err)
	}
	return tags, nil
}

// Has reports whether a cache exists for tag.
func (s *Storage) Has(tag string) (bool, error) {
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket([]byte(tag)) != nil
		return nil
	})
	return found, err
}

// Delete drops the cache for tag. It reports whether one existed.
func (s *Storage) Delete(tag string) (bool, error) {
	deleted := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(tag)) == nil {
			return nil
		}
		deleted = true
		return tx.DeleteBucket([]byte(tag))
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete cache %s: %w", tag, err)
	}
	return deleted, nil
}

// Open returns the cache for tag. The bucket is created on first write.
func (s *Storage) Open(tag string) *Cache {
	return &Cache{s: s, tag: tag}
}

// Cache is one version of the asset cache.
type Cache struct {
	s   *Storage
	tag string
}

// Tag returns the version tag.
func (c *Cache) Tag() string {
	return c.tag
}

// PutAll replaces the cache contents with entries in a single write
// transaction, so a cache is either fully populated or absent.
func (c *Cache) PutAll(entries map[string]*StoredResponse) error {
	return c.s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(c.tag)) != nil {
			if err := tx.DeleteBucket([]byte(c.tag)); err != nil {
				return fmt.Errorf("failed to reset cache %s: %w", c.tag, err)
			}
		}
		bucket, err := tx.CreateBucket([]byte(c.tag))
		if err != nil {
			return fmt.Errorf("failed to create cache %s: %w", c.tag, err)
		}
		for key, resp := range entries {
			payload, err := json.Marshal(resp)
			if err != nil {
				return fmt.Errorf("failed to encode %s: %w", key, err)
			}
			if err := bucket.Put([]byte(key), payload); err != nil {
				return fmt.Errorf("failed to store %s: %w", key, err)
			}
		}
		return nil
	})
}

// Match returns the stored response for key, or nil on a miss.
func (c *Cache) Match(key string) (*StoredResponse, error) {
	var resp *StoredResponse
	err := c.s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(c.tag))
		if bucket == nil {
			return nil
		}
		payload := bucket.Get([]byte(key))
		if payload == nil {
			return nil
		}
		resp = &StoredResponse{}
		if err := json.Unmarshal(payload, resp); err != nil {
			return fmt.Errorf("failed to decode %s: %w", key, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Keys returns the request keys stored in the cache.
func (c *Cache) Keys() ([]string, error) {
	var keys []string
	err := c.s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(c.tag))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", c.tag, err)
	}
	return keys, nil
}
