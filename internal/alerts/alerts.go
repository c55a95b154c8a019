// Package alerts holds notification rules, the operator set they compare with,
// and the alert events produced when a rule fires.
package alerts

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"heartbeat/internal/models"
)

// Operator is one of the six comparison operators a rule may use.
// The zero value is not a valid operator; obtain one from ParseOperator.
type Operator uint8

const (
	opInvalid Operator = iota
	GT
	LT
	EQ
	NE
	GE
	LE
)

var operatorSymbols = map[Operator]string{
	GT: ">",
	LT: "<",
	EQ: "==",
	NE: "!=",
	GE: ">=",
	LE: "<=",
}

// Rule validation errors
var (
	ErrInvalidOperator = errors.New("invalid operator")
	ErrUnknownMetric   = errors.New("unknown metric")
	ErrEmptyMessage    = errors.New("rule message cannot be empty")
	ErrNilUser         = errors.New("rule owner cannot be empty")
)

// ParseOperator maps an operator symbol onto the closed operator set.
func ParseOperator(s string) (Operator, error) {
	s = strings.TrimSpace(s)
	for op, sym := range operatorSymbols {
		if sym == s {
			return op, nil
		}
	}
	return opInvalid, fmt.Errorf("%w: %q", ErrInvalidOperator, s)
}

// Valid reports whether op is one of the six known operators.
func (op Operator) Valid() bool {
	_, ok := operatorSymbols[op]
	return ok
}

func (op Operator) String() string {
	if sym, ok := operatorSymbols[op]; ok {
		return sym
	}
	return fmt.Sprintf("Operator(%d)", uint8(op))
}

// MarshalText implements encoding.TextMarshaler.
func (op Operator) MarshalText() ([]byte, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidOperator, uint8(op))
	}
	return []byte(operatorSymbols[op]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (op *Operator) UnmarshalText(b []byte) error {
	parsed, err := ParseOperator(string(b))
	if err != nil {
		return err
	}
	*op = parsed
	return nil
}

// Evaluate compares observed against threshold with op using plain IEEE-754
// double comparison. EQ and NE carry no epsilon, so 0.1+0.2 == 0.3 is false.
// NaN compares false under every operator except NE.
//
// Passing an operator that did not come from ParseOperator is a programming
// error and panics.
func Evaluate(observed float64, op Operator, threshold float64) bool {
	switch op {
	case GT:
		return observed > threshold
	case LT:
		return observed < threshold
	case EQ:
		return observed == threshold
	case NE:
		return observed != threshold
	case GE:
		return observed >= threshold
	case LE:
		return observed <= threshold
	default:
		panic(fmt.Sprintf("alerts: evaluate with invalid operator %d", uint8(op)))
	}
}

// NotificationRule is a user-owned threshold rule. A nil DeviceID scopes the
// rule to every device the user owns.
type NotificationRule struct {
	ID        int64      `json:"id"`
	UserID    uuid.UUID  `json:"user_id"`
	DeviceID  *uuid.UUID `json:"device_uuid,omitempty"`
	Metric    string     `json:"parameter"`
	Operator  Operator   `json:"operator"`
	Threshold float64    `json:"threshold"`
	Message   string     `json:"message"`
}

// NewRule builds a validated rule. Operator text is checked here so that an
// unknown operator never reaches evaluation.
func NewRule(userID uuid.UUID, deviceID *uuid.UUID, metric, operator string, threshold float64, message string) (NotificationRule, error) {
	op, err := ParseOperator(operator)
	if err != nil {
		return NotificationRule{}, err
	}
	rule := NotificationRule{
		UserID:    userID,
		DeviceID:  deviceID,
		Metric:    strings.TrimSpace(metric),
		Operator:  op,
		Threshold: threshold,
		Message:   strings.TrimSpace(message),
	}
	if err := rule.Validate(); err != nil {
		return NotificationRule{}, err
	}
	return rule, nil
}

// Validate checks the rule against the closed operator and metric sets.
func (r NotificationRule) Validate() error {
	if r.UserID == uuid.Nil {
		return ErrNilUser
	}
	if !r.Operator.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidOperator, uint8(r.Operator))
	}
	if !models.IsMetric(r.Metric) {
		return fmt.Errorf("%w: %q", ErrUnknownMetric, r.Metric)
	}
	if r.Message == "" {
		return ErrEmptyMessage
	}
	return nil
}

// AppliesTo reports whether the rule covers deviceID.
func (r NotificationRule) AppliesTo(deviceID uuid.UUID) bool {
	return r.DeviceID == nil || *r.DeviceID == deviceID
}

// Check evaluates the rule against a metric set. The second result is false
// when the metric is absent, in which case the rule does not fire.
func (r NotificationRule) Check(m models.Metrics) (value float64, fired bool) {
	v, ok := m.Value(r.Metric)
	if !ok {
		return 0, false
	}
	return v, Evaluate(v, r.Operator, r.Threshold)
}

// AlertEvent is the transient notification delivered to a user's channel.
type AlertEvent struct {
	UserID    uuid.UUID `json:"user_id"`
	DeviceID  uuid.UUID `json:"device_id"`
	RuleID    int64     `json:"rule_id"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Operator  Operator  `json:"operator"`
	Threshold float64   `json:"threshold"`
	Message   string    `json:"message"`
	FiredAt   time.Time `json:"fired_at"`
}

// NewAlertEvent builds the event for rule firing on deviceID with value.
func NewAlertEvent(rule NotificationRule, deviceID uuid.UUID, value float64) AlertEvent {
	return AlertEvent{
		UserID:    rule.UserID,
		DeviceID:  deviceID,
		RuleID:    rule.ID,
		Metric:    rule.Metric,
		Value:     value,
		Operator:  rule.Operator,
		Threshold: rule.Threshold,
		Message:   "ALERT: " + rule.Message,
		FiredAt:   time.Now().UTC(),
	}
}
