package dbi

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// DumpRecursive returns a compact representation of v for SQL tracing
func DumpRecursive(v interface{}, indent string) string {
	val := reflect.ValueOf(v)

	if !val.IsValid() {
		return "NULL"
	}
	if !val.CanInterface() {
		return "?"
	}

	switch x := v.(type) {
	case []byte:
		if printable(x) {
			return "'" + string(x) + "'"
		}
		return fmt.Sprintf("<%d bytes>", len(x))
	case time.Time:
		return "'" + x.Format("2006-01-02 15:04:05") + "'"
	}

	switch val.Kind() {
	case reflect.String:
		return strconv.Quote(val.String())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(val.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(val.Uint(), 10)
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(val.Float(), 'g', -1, 64)
	case reflect.Bool:
		return strconv.FormatBool(val.Bool())
	case reflect.Ptr, reflect.Interface:
		if val.IsNil() {
			return "NULL"
		}
		return DumpRecursive(val.Elem().Interface(), indent)
	case reflect.Slice, reflect.Array:
		var parts = make([]string, val.Len())
		for i := 0; i < val.Len(); i++ {
			parts[i] = DumpRecursive(val.Index(i).Interface(), indent)
		}
		return "[" + strings.Join(parts, ","+indent) + "]"
	default:
		return fmt.Sprintf("%v", v)
	}
}

func printable(b []byte) bool {
	for _, c := range b {
		if c < 32 || c > 126 {
			return false
		}
	}
	return true
}

// FormatTimespec renders t in the layout named by a printf-style timespec format
func FormatTimespec(format string, t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf(format, t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second())
}
