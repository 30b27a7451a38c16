package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestValue_JSONDecode(t *testing.T) {
	var params Params
	err := json.Unmarshal([]byte(`{"s":"hi","n":2.5,"b":true,"t":{"timestamp":"2026-05-01T10:00:00Z"}}`), &params)
	require.NoError(t, err)

	assert.Equal(t, String("hi"), params["s"])
	assert.Equal(t, Number(2.5), params["n"])
	assert.Equal(t, Bool(true), params["b"])
	assert.Equal(t, KindTimestamp, params["t"].Kind)
	assert.True(t, params["t"].Time.Equal(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)))

	out, err := json.Marshal(params["t"])
	require.NoError(t, err)
	assert.JSONEq(t, `{"timestamp":"2026-05-01T10:00:00Z"}`, string(out))
}

func TestValue_JSONRejectsNested(t *testing.T) {
	var v Value
	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &v))
	assert.Error(t, json.Unmarshal([]byte(`{"other":"x"}`), &v))
	assert.Error(t, json.Unmarshal([]byte(`null`), &v))
}

func TestValue_YAMLDecode(t *testing.T) {
	var params Params
	doc := `
s: hello
q: "42"
n: 42
f: 0.5
b: false
t: {timestamp: "2026-05-01T10:00:00Z"}
`
	require.NoError(t, yaml.Unmarshal([]byte(doc), &params))
	assert.Equal(t, String("hello"), params["s"])
	assert.Equal(t, String("42"), params["q"])
	assert.Equal(t, Number(42), params["n"])
	assert.Equal(t, Number(0.5), params["f"])
	assert.Equal(t, Bool(false), params["b"])
	assert.Equal(t, KindTimestamp, params["t"].Kind)
}

func TestEvent_Identity(t *testing.T) {
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	a := Event{TriggerKind: TriggerWebhook, Platform: "github", Name: "push", Fields: map[string]any{"x": 1.0, "y": "z"}, OccurredAt: at}
	b := Event{TriggerKind: TriggerWebhook, Platform: "github", Name: "push", Fields: map[string]any{"y": "z", "x": 1.0}, OccurredAt: at}

	assert.Equal(t, a.Identity(), b.Identity(), "field order must not change identity")

	b.Fields["x"] = 2.0
	assert.NotEqual(t, a.Identity(), b.Identity())

	a.ID = "delivery-1"
	assert.Equal(t, EventID("delivery-1"), a.Identity())
}

func TestRule_CloneIsDeep(t *testing.T) {
	r := &Rule{
		Name:       "r",
		Trigger:    Trigger{Parameters: Params{"interval": String("1m")}},
		Conditions: []Condition{{Field: "a", Operator: OpEquals, Value: Number(1)}},
		Actions:    []Action{{Type: ActionSendEmail, Parameters: Params{"to": String("a@b")}}},
	}
	c := r.Clone()
	c.Trigger.Parameters["interval"] = String("5m")
	c.Conditions[0].Field = "b"
	c.Actions[0].Parameters["to"] = String("c@d")

	assert.Equal(t, "1m", r.Trigger.Parameters.Get("interval"))
	assert.Equal(t, "a", r.Conditions[0].Field)
	assert.Equal(t, "a@b", r.Actions[0].Parameters.Get("to"))
}

func TestValidationError_Is(t *testing.T) {
	verr := &ValidationError{}
	assert.NoError(t, verr.OrNil())
	verr.Add("name", "is required")
	err := verr.OrNil()
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "name: is required")
}
