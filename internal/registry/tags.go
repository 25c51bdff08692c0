package registry

import (
	"fmt"
	"math"
	"strconv"
)

// NormalizeTags coerces arbitrary tag values into the string form stored on
// records. Numbers keep their shortest representation, so a JSON 3 becomes
// "3" and 0.25 becomes "0.25". A nil map normalizes to an empty one.
func NormalizeTags(values map[string]any) map[string]string {
	tags := make(map[string]string, len(values))
	for key, value := range values {
		tags[key] = normalizeTagValue(value)
	}
	return tags
}

func normalizeTagValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return formatTagNumber(v)
	case float32:
		return formatTagNumber(float64(v))
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func formatTagNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
