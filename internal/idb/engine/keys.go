package engine

import (
	"math"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Key is a record or index key: an int64, a float64 or a string.
// Numbers sort before strings.
type Key = any

// Direction controls cursor iteration order.
type Direction string

const (
	Next       Direction = "next"
	NextUnique Direction = "nextunique"
	Prev       Direction = "prev"
	PrevUnique Direction = "prevunique"
)

func (d Direction) valid() bool {
	switch d {
	case Next, NextUnique, Prev, PrevUnique:
		return true
	}
	return false
}

func (d Direction) backwards() bool {
	return d == Prev || d == PrevUnique
}

func (d Direction) unique() bool {
	return d == NextUnique || d == PrevUnique
}

// KeyRange restricts a query to keys between Lower and Upper. A nil bound
// is unbounded on that side.
type KeyRange struct {
	Lower     Key
	Upper     Key
	LowerOpen bool
	UpperOpen bool
}

// Only returns a range matching exactly key.
func Only(key Key) *KeyRange {
	return &KeyRange{Lower: key, Upper: key}
}

// Bound returns a range between lower and upper.
func Bound(lower, upper Key, lowerOpen, upperOpen bool) *KeyRange {
	return &KeyRange{Lower: lower, Upper: upper, LowerOpen: lowerOpen, UpperOpen: upperOpen}
}

// LowerBound returns a range of keys above lower.
func LowerBound(lower Key, open bool) *KeyRange {
	return &KeyRange{Lower: lower, LowerOpen: open}
}

// UpperBound returns a range of keys below upper.
func UpperBound(upper Key, open bool) *KeyRange {
	return &KeyRange{Upper: upper, UpperOpen: open}
}

// NormalizeKey converts supported Go values to the canonical key types.
func NormalizeKey(k any) (Key, error) {
	switch v := k.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint32:
		return int64(v), nil
	case float32:
		return normalizeFloat(float64(v))
	case float64:
		return normalizeFloat(v)
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	}
	return nil, newError(ErrData, "unsupported key type %T", k)
}

func normalizeFloat(f float64) (Key, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, newError(ErrData, "key %v is not a valid number", f)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f), nil
	}
	return f, nil
}

// normalizeQuery turns a query argument (nil, a key or a *KeyRange) into a
// range. A nil result matches everything.
func normalizeQuery(query any) (*KeyRange, error) {
	switch q := query.(type) {
	case nil:
		return nil, nil
	case *KeyRange:
		r := &KeyRange{LowerOpen: q.LowerOpen, UpperOpen: q.UpperOpen}
		var err error
		if q.Lower != nil {
			if r.Lower, err = NormalizeKey(q.Lower); err != nil {
				return nil, err
			}
		}
		if q.Upper != nil {
			if r.Upper, err = NormalizeKey(q.Upper); err != nil {
				return nil, err
			}
		}
		return r, nil
	default:
		k, err := NormalizeKey(q)
		if err != nil {
			return nil, err
		}
		return Only(k), nil
	}
}

// clause renders the range as SQL conditions on column.
func (r *KeyRange) clause(column string) (string, []any) {
	if r == nil {
		return "", nil
	}
	var conds []string
	var args []any
	if r.Lower != nil {
		op := ">="
		if r.LowerOpen {
			op = ">"
		}
		conds = append(conds, column+" "+op+" ?")
		args = append(args, r.Lower)
	}
	if r.Upper != nil {
		op := "<="
		if r.UpperOpen {
			op = "<"
		}
		conds = append(conds, column+" "+op+" ?")
		args = append(args, r.Upper)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " AND " + strings.Join(conds, " AND "), args
}

// keyFromJSON converts a gjson result into a key. Missing, null and
// non-scalar values report ok=false.
func keyFromJSON(res gjson.Result) (Key, bool) {
	switch res.Type {
	case gjson.Number:
		k, err := normalizeFloat(res.Num)
		return k, err == nil
	case gjson.String:
		return res.Str, true
	}
	return nil, false
}

// extractKey reads the in-line key at keyPath.
func extractKey(value []byte, keyPath string) (Key, bool) {
	return keyFromJSON(gjson.GetBytes(value, keyPath))
}

// extractIndexKeys returns every index key a value contributes. Values
// lacking the key path are not indexed; arrays are expanded only for
// multi-entry indexes.
func extractIndexKeys(value []byte, keyPath string, multiEntry bool) []Key {
	res := gjson.GetBytes(value, keyPath)
	if !res.Exists() {
		return nil
	}
	if res.IsArray() {
		if !multiEntry {
			return nil
		}
		var keys []Key
		seen := make(map[Key]bool)
		for _, item := range res.Array() {
			if k, ok := keyFromJSON(item); ok && !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
		return keys
	}
	if k, ok := keyFromJSON(res); ok {
		return []Key{k}
	}
	return nil
}

// injectKey writes a generated key into value at keyPath.
func injectKey(value []byte, keyPath string, key int64) ([]byte, error) {
	out, err := sjson.SetBytes(value, keyPath, key)
	if err != nil {
		return nil, wrapError(ErrData, err, "cannot set key path %q", keyPath)
	}
	return out, nil
}

// scanKey normalizes a key read back from SQLite.
func scanKey(v any) Key {
	switch k := v.(type) {
	case []byte:
		return string(k)
	case int:
		return int64(k)
	}
	return v
}

// CompareKeys orders two normalized keys: numbers first, then strings.
func CompareKeys(a, b Key) int {
	as, aStr := a.(string)
	bs, bStr := b.(string)
	switch {
	case aStr && bStr:
		return strings.Compare(as, bs)
	case aStr:
		return 1
	case bStr:
		return -1
	}

	ai, aInt := a.(int64)
	bi, bInt := b.(int64)
	if aInt && bInt {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	}

	af, bf := toFloat(a), toFloat(b)
	switch {
	case af < bf:
		return -1
	case af > bf:
		return 1
	}
	return 0
}

func toFloat(k Key) float64 {
	switch v := k.(type) {
	case int64:
		return float64(v)
	case float64:
		return v
	}
	return math.NaN()
}
