package assetcache

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInstalled is returned by Activate before a successful Install.
	ErrNotInstalled = errors.New("cache is not installed")

	// ErrRedundant is returned once a failed install has retired the worker.
	ErrRedundant = errors.New("worker is redundant")

	// ErrInvalidTag is returned for an empty cache version tag.
	ErrInvalidTag = errors.New("cache version tag is required")
)

// InstallError reports the manifest entry that failed to populate the cache.
type InstallError struct {
	Tag        string
	URL        string
	StatusCode int
	Err        error
}

func (e *InstallError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("install %s: fetch %s: status %d", e.Tag, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("install %s: fetch %s: %v", e.Tag, e.URL, e.Err)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}
