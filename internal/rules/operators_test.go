package rules

import (
	"math"
	"testing"
	"time"

	"github.com/cadenza-automation/cadenza/internal/types"
)

func TestCompare(t *testing.T) {
	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		op     types.Operator
		field  any
		target types.Value
		want   bool
	}{
		// equals: numeric when both parse, text otherwise
		{"equals string", types.OpEquals, "negative", types.String("negative"), true},
		{"equals string mismatch", types.OpEquals, "positive", types.String("negative"), false},
		{"equals number", types.OpEquals, float64(3), types.Number(3), true},
		{"equals numeric string vs number", types.OpEquals, "3.0", types.Number(3), true},
		{"equals number vs numeric string", types.OpEquals, float64(42), types.String(" 42 "), true},
		{"equals bool vs string", types.OpEquals, true, types.String("true"), true},
		{"equals bool vs bool", types.OpEquals, false, types.Bool(false), true},
		{"equals timestamp text", types.OpEquals, "2026-03-01T09:00:00Z", types.Timestamp(ts), true},
		{"equals is case sensitive", types.OpEquals, "Negative", types.String("negative"), false},

		{"not_equals negates", types.OpNotEquals, "positive", types.String("negative"), true},
		{"not_equals numeric", types.OpNotEquals, "10", types.Number(10), false},
		{"equals NaN as text", types.OpEquals, "NaN", types.String("NaN"), true},
		{"not_equals NaN as text", types.OpNotEquals, "NaN", types.String("NaN"), false},
		{"infinities spelled differently", types.OpEquals, "inf", types.String("Infinity"), false},

		// ordering: numeric when both parse, lexicographic otherwise
		{"greater_than numeric", types.OpGreaterThan, float64(150), types.Number(100), true},
		{"greater_than numeric string", types.OpGreaterThan, "9", types.String("10"), false},
		{"greater_than lexicographic", types.OpGreaterThan, "b", types.String("a"), true},
		{"greater_than mixed falls back to text", types.OpGreaterThan, "abc", types.Number(5), true},
		{"greater_than equal values", types.OpGreaterThan, float64(5), types.Number(5), false},
		{"less_than numeric", types.OpLessThan, float64(0.5), types.Number(1), true},
		{"less_than text", types.OpLessThan, "apple", types.String("banana"), true},
		{"less_than bool never numeric", types.OpLessThan, true, types.Number(2), false},

		// contains: substring on text view, element-wise on lists
		{"contains substring", types.OpContains, "urgent: server down", types.String("server"), true},
		{"contains missing substring", types.OpContains, "all good", types.String("down"), false},
		{"contains number text", types.OpContains, float64(12345), types.Number(234), true},
		{"contains list element", types.OpContains, []any{"alpha", "beta"}, types.String("bet"), true},
		{"contains list miss", types.OpContains, []any{"alpha", float64(7)}, types.String("gamma"), false},

		{"unknown operator", types.Operator("matches"), "x", types.String("x"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Compare(tt.op, tt.field, tt.target); got != tt.want {
				t.Errorf("Compare(%s, %v, %v) = %v, want %v", tt.op, tt.field, tt.target.Text(), got, tt.want)
			}
		})
	}
}

func TestToText(t *testing.T) {
	tests := []struct {
		input any
		want  string
	}{
		{"x", "x"},
		{float64(1.5), "1.5"},
		{float64(100), "100"},
		{int64(7), "7"},
		{true, "true"},
		{nil, ""},
		{[]any{"a", float64(1)}, `["a",1]`},
		{map[string]any{"k": "v"}, `{"k":"v"}`},
	}

	for _, tt := range tests {
		if got := toText(tt.input); got != tt.want {
			t.Errorf("toText(%v) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestToNumber(t *testing.T) {
	tests := []struct {
		input  any
		want   float64
		wantOK bool
	}{
		{float64(2), 2, true},
		{"  3.25 ", 3.25, true},
		{"", 0, false},
		{"   ", 0, false},
		{"12abc", 0, false},
		{true, 0, false},
		{types.Number(4), 4, true},
		{types.String("5"), 5, true},
		{types.Bool(true), 0, false},
		{"NaN", 0, false},
		{"inf", 0, false},
		{"-Infinity", 0, false},
		{math.Inf(1), 0, false},
		{types.String("NaN"), 0, false},
	}

	for _, tt := range tests {
		got, ok := toNumber(tt.input)
		if ok != tt.wantOK || (ok && got != tt.want) {
			t.Errorf("toNumber(%v) = (%v, %v), want (%v, %v)", tt.input, got, ok, tt.want, tt.wantOK)
		}
	}
}
