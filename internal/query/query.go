// Package query composes the query sent with list requests from three layers:
// pagination defaults, persistent caller filters and one-shot overrides.
package query

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
)

// Wire names of the pagination parameters sent on server-paginated requests.
const (
	LimitKey = "limit"
	PageKey  = "p"
)

// Query maps parameter names to primitive values (string, integer, float,
// bool, fmt.Stringer). A nil value means the key is absent from the wire form.
type Query map[string]any

// Base returns the pagination layer. With server paging disabled the layer is
// empty and the whole result set is expected from one call.
func Base(current, pageSize int, serverPaging bool) Query {
	if !serverPaging {
		return Query{}
	}
	return Query{
		LimitKey: pageSize,
		PageKey:  current,
	}
}

// Compose merges base, persistent and override into a new Query. On key
// collision override wins over persistent, which wins over base. A nil value
// in a later layer still wins and removes the key from the wire form.
// Inputs are never modified.
func Compose(base, persistent, override Query) Query {
	out := make(Query, len(base)+len(persistent)+len(override))
	for _, layer := range []Query{base, persistent, override} {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

// Clone returns a shallow copy of q. Cloning nil yields nil.
func (q Query) Clone() Query {
	if q == nil {
		return nil
	}
	out := make(Query, len(q))
	for k, v := range q {
		out[k] = v
	}
	return out
}

// Int returns the integer value stored at key.
func (q Query) Int(key string) (int, bool) {
	switch v := q[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case int32:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	}
	return 0, false
}

// Values encodes q into url.Values, omitting nil-valued keys.
func (q Query) Values() url.Values {
	vals := url.Values{}
	for k, v := range q {
		s, ok := format(v)
		if !ok {
			continue
		}
		vals.Set(k, s)
	}
	return vals
}

// Encode returns the wire form of q with keys in sorted order.
func (q Query) Encode() string {
	return q.Values().Encode()
}

// Equal reports whether a and b produce the same wire form. A nil value and
// an absent key are therefore equal.
func Equal(a, b Query) bool {
	return a.Encode() == b.Encode()
}

// Keys returns the keys that are present on the wire, sorted.
func (q Query) Keys() []string {
	keys := make([]string, 0, len(q))
	for k, v := range q {
		if _, ok := format(v); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func format(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case int:
		return strconv.Itoa(x), true
	case int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", x), true
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(x), true
	case *string:
		if x == nil {
			return "", false
		}
		return *x, true
	case *int:
		if x == nil {
			return "", false
		}
		return strconv.Itoa(*x), true
	case fmt.Stringer:
		return x.String(), true
	default:
		return fmt.Sprintf("%v", x), true
	}
}
