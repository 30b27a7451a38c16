// internal/rules/coercion.go
package rules

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cadenza-automation/cadenza/internal/types"
)

/*
 * Operand coercion for condition comparisons.
 *
 * Two views of every operand exist:
 *   - numeric: float64 when the operand is a number, or a string that parses
 *     as one after trimming whitespace. Booleans, timestamps, NaN and the
 *     infinities are never numeric.
 *   - text: the canonical string form (numbers without trailing zeros,
 *     booleans as true/false, timestamps as RFC3339Nano, lists and objects as
 *     compact JSON).
 *
 * Operators compare numerically only when both sides have a numeric view,
 * otherwise they compare text. The rule is symmetric and deterministic.
 */

// toNumber returns the numeric view of v.
func toNumber(v any) (float64, bool) {
	f, ok := parseNumber(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func parseNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	case types.Value:
		switch n.Kind {
		case types.KindNumber:
			return n.Num, true
		case types.KindString:
			return parseNumber(n.Str)
		}
		return 0, false
	default:
		return 0, false
	}
}

// toText returns the canonical string view of v.
func toText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case json.Number:
		return t.String()
	case types.Value:
		return t.Text()
	case nil:
		return ""
	case map[string]any, []any:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", t)
	}
}
