package alerts

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heartbeat/internal/models"
)

func native(a float64, sym string, b float64) bool {
	switch sym {
	case ">":
		return a > b
	case "<":
		return a < b
	case "==":
		return a == b
	case "!=":
		return a != b
	case ">=":
		return a >= b
	case "<=":
		return a <= b
	}
	panic("unknown symbol " + sym)
}

// Property: Evaluate(a, op, b) matches the language's own float comparison.
func TestEvaluateMatchesNativeComparison(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	symbols := []string{">", "<", "==", "!=", ">=", "<="}

	properties.Property("evaluate agrees with native comparison", prop.ForAll(
		func(a, b float64, idx int) bool {
			sym := symbols[idx]
			op, err := ParseOperator(sym)
			if err != nil {
				return false
			}
			return Evaluate(a, op, b) == native(a, sym, b)
		},
		gen.Float64(),
		gen.Float64(),
		gen.IntRange(0, len(symbols)-1),
	))

	properties.Property("equal operands", prop.ForAll(
		func(a float64, idx int) bool {
			sym := symbols[idx]
			op, _ := ParseOperator(sym)
			return Evaluate(a, op, a) == native(a, sym, a)
		},
		gen.Float64Range(-1e6, 1e6),
		gen.IntRange(0, len(symbols)-1),
	))

	properties.TestingRun(t)
}

func TestEvaluate_ExactFloatSemantics(t *testing.T) {
	a, b := 0.1, 0.2
	assert.False(t, Evaluate(a+b, EQ, 0.3), "no epsilon tolerance")
	assert.True(t, Evaluate(a+b, NE, 0.3))
	assert.True(t, Evaluate(70, GE, 70))
	assert.True(t, Evaluate(70, LE, 70))
	assert.False(t, Evaluate(70, GT, 70))

	nan := math.NaN()
	for _, op := range []Operator{GT, LT, EQ, GE, LE} {
		assert.False(t, Evaluate(nan, op, 1), "NaN %s 1", op)
	}
	assert.True(t, Evaluate(nan, NE, 1))
}

func TestEvaluate_InvalidOperatorPanics(t *testing.T) {
	assert.Panics(t, func() { Evaluate(1, Operator(0), 1) })
	assert.Panics(t, func() { Evaluate(1, Operator(42), 1) })
}

func TestParseOperator(t *testing.T) {
	for sym, want := range map[string]Operator{">": GT, "<": LT, "==": EQ, "!=": NE, ">=": GE, "<=": LE, " > ": GT} {
		got, err := ParseOperator(sym)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	for _, bad := range []string{"", "=", "=>", "<>", "; os.exit()", "gt"} {
		_, err := ParseOperator(bad)
		assert.True(t, errors.Is(err, ErrInvalidOperator), "operator %q", bad)
	}
}

func TestOperatorJSON(t *testing.T) {
	data, err := json.Marshal(struct {
		Op Operator `json:"op"`
	}{GE})
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":">="}`, string(data))

	var out struct {
		Op Operator `json:"op"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"op":"!="}`), &out))
	assert.Equal(t, NE, out.Op)

	assert.Error(t, json.Unmarshal([]byte(`{"op":"~"}`), &out))
}

func TestNewRule_Validation(t *testing.T) {
	user := uuid.New()

	_, err := NewRule(user, nil, "cpu_usage", ">", 80, "CPU ALTA")
	assert.NoError(t, err)

	_, err = NewRule(user, nil, "cpu_usage", "=~", 80, "CPU ALTA")
	assert.ErrorIs(t, err, ErrInvalidOperator)

	_, err = NewRule(user, nil, "fan_speed", ">", 80, "fan")
	assert.ErrorIs(t, err, ErrUnknownMetric)

	_, err = NewRule(user, nil, "cpu_usage", ">", 80, "  ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = NewRule(uuid.Nil, nil, "cpu_usage", ">", 80, "x")
	assert.ErrorIs(t, err, ErrNilUser)
}

func TestRuleCheck(t *testing.T) {
	user := uuid.New()
	rule, err := NewRule(user, nil, models.MetricCPUUsage, ">", 80, "CPU ALTA")
	require.NoError(t, err)

	var m models.Metrics
	_, fired := rule.Check(m)
	assert.False(t, fired, "absent metric never fires")

	m.Set(models.MetricCPUUsage, 95)
	v, fired := rule.Check(m)
	assert.True(t, fired)
	assert.Equal(t, 95.0, v)

	m.Set(models.MetricCPUUsage, 30)
	_, fired = rule.Check(m)
	assert.False(t, fired)
}

func TestRuleAppliesTo(t *testing.T) {
	d1, d2 := uuid.New(), uuid.New()

	global := NotificationRule{UserID: uuid.New()}
	assert.True(t, global.AppliesTo(d1))
	assert.True(t, global.AppliesTo(d2))

	scoped := NotificationRule{UserID: uuid.New(), DeviceID: &d1}
	assert.True(t, scoped.AppliesTo(d1))
	assert.False(t, scoped.AppliesTo(d2))
}

func TestNewAlertEvent(t *testing.T) {
	user, device := uuid.New(), uuid.New()
	rule := NotificationRule{ID: 7, UserID: user, Metric: "temperature", Operator: GT, Threshold: 50, Message: "Temperatura Geral Alta"}

	ev := NewAlertEvent(rule, device, 55)
	assert.Equal(t, user, ev.UserID)
	assert.Equal(t, device, ev.DeviceID)
	assert.Equal(t, int64(7), ev.RuleID)
	assert.Contains(t, ev.Message, "Temperatura Geral Alta")
	assert.False(t, ev.FiredAt.IsZero())
}
