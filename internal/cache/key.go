package cache

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Params is the parameter set of a logical operation.
type Params map[string]any

// Key builds a deterministic key from prefix and normalized params.
// Parameter names are lower-cased and sorted, strings are trimmed and
// lower-cased, numbers are rendered in their shortest form, slices are sorted
// and empty values are dropped, so equivalent requests always share a key.
func Key(operation string, params Params) string {
	names := make([]string, 0, len(params))
	values := make(map[string]string, len(params))
	for name, raw := range params {
		value, ok := normalize(raw)
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if _, dup := values[name]; !dup {
			names = append(names, name)
		}
		values[name] = value
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(strings.ToLower(strings.TrimSpace(operation)))
	for _, name := range names {
		b.WriteByte(':')
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(values[name])
	}
	return b.String()
}

func normalize(raw any) (string, bool) {
	switch v := raw.(type) {
	case nil:
		return "", false
	case string:
		s := strings.ToLower(strings.TrimSpace(v))
		return s, s != ""
	case bool:
		return strconv.FormatBool(v), true
	case int:
		return strconv.FormatInt(int64(v), 10), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case int32:
		return strconv.FormatInt(int64(v), 10), true
	case uint:
		return strconv.FormatUint(uint64(v), 10), true
	case uint64:
		return strconv.FormatUint(v, 10), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), true
	case decimal.Decimal:
		return v.String(), true
	case time.Duration:
		return v.String(), true
	case time.Time:
		if v.IsZero() {
			return "", false
		}
		return v.UTC().Format(time.RFC3339), true
	case fmt.Stringer:
		return normalize(v.String())
	}

	rv := reflect.ValueOf(raw)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		parts := make([]string, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			if part, ok := normalize(rv.Index(i).Interface()); ok {
				parts = append(parts, part)
			}
		}
		if len(parts) == 0 {
			return "", false
		}
		sort.Strings(parts)
		return strings.Join(parts, ","), true
	}

	return normalize(fmt.Sprint(raw))
}
