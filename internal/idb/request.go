package idb

import (
	"encoding/json"
	"fmt"

	"github.com/steveyegge/restaurant-reviews/internal/idb/engine"
)

// wrap turns one engine request into a future. convert maps the raw result
// to T and runs on the engine loop.
func wrap[T any](op string, r *engine.Request, convert func(any) (T, error)) *Future[T] {
	f := newFuture[T]()
	r.OnSuccess(func() {
		v, err := convert(r.Result())
		if err != nil {
			err = &RequestError{Op: op, Err: err}
		}
		f.settle(v, err)
	})
	r.OnError(func() {
		var zero T
		f.settle(zero, &RequestError{Op: op, Err: r.Err()})
	})
	return f
}

func asKey(v any) (engine.Key, error) {
	return v, nil
}

func asNothing(any) (struct{}, error) {
	return struct{}{}, nil
}

func asValue(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	raw, ok := v.(json.RawMessage)
	if !ok {
		return nil, fmt.Errorf("unexpected result type %T", v)
	}
	return raw, nil
}

func asValues(v any) ([]json.RawMessage, error) {
	raws, ok := v.([]json.RawMessage)
	if !ok {
		return nil, fmt.Errorf("unexpected result type %T", v)
	}
	return raws, nil
}

func asKeys(v any) ([]engine.Key, error) {
	keys, ok := v.([]engine.Key)
	if !ok {
		return nil, fmt.Errorf("unexpected result type %T", v)
	}
	return keys, nil
}

func asCount(v any) (int64, error) {
	n, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected result type %T", v)
	}
	return n, nil
}

// encode accepts raw JSON as-is and marshals anything else.
func encode(value any) ([]byte, error) {
	switch v := value.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	return b, nil
}
