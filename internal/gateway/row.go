package gateway

import "time"

// Row accessors tolerant of driver-specific value types (int32/int64 from
// pgx, float64 from JSON decoding, and so on).

func Str(row Row, key string) string {
	switch v := row[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func Int(row Row, key string) int {
	switch v := row[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func Time(row Row, key string) time.Time {
	switch v := row[key].(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

func Bool(row Row, key string) bool {
	v, _ := row[key].(bool)
	return v
}
