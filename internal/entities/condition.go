package entities

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// ConditionType selects which context value a condition inspects and how it
// is compared
type ConditionType string

const (
	ConditionUserAttribute      ConditionType = "userAttribute"
	ConditionResourceAttribute  ConditionType = "resourceAttribute"
	ConditionTimeWindow         ConditionType = "timeWindow"
	ConditionLocation           ConditionType = "location"
	ConditionDataClassification ConditionType = "dataClassification"
)

// ConditionOperator is the comparison applied between the context value and
// the condition's literal
type ConditionOperator string

const (
	OpEquals             ConditionOperator = "equals"
	OpNotEquals          ConditionOperator = "notEquals"
	OpContains           ConditionOperator = "contains"
	OpNotContains        ConditionOperator = "notContains"
	OpGreaterThan        ConditionOperator = "greaterThan"
	OpLessThan           ConditionOperator = "lessThan"
	OpGreaterThanOrEqual ConditionOperator = "greaterThanOrEqual"
	OpLessThanOrEqual    ConditionOperator = "lessThanOrEqual"
	OpInSet              ConditionOperator = "inSet"
	OpNotInSet           ConditionOperator = "notInSet"
)

// Default context keys for condition types that do not name one
const (
	ContextKeyCurrentTime        = "current_time"
	ContextKeyRequestedLocation  = "requested_location"
	ContextKeyDataClassification = "data_classification"
)

var validOperators = map[ConditionOperator]bool{
	OpEquals: true, OpNotEquals: true, OpContains: true, OpNotContains: true,
	OpGreaterThan: true, OpLessThan: true, OpGreaterThanOrEqual: true, OpLessThanOrEqual: true,
	OpInSet: true, OpNotInSet: true,
}

var validConditionTypes = map[ConditionType]bool{
	ConditionUserAttribute: true, ConditionResourceAttribute: true, ConditionTimeWindow: true,
	ConditionLocation: true, ConditionDataClassification: true,
}

// classificationLevels orders data classification labels
var classificationLevels = map[string]int{
	"public":       0,
	"internal":     1,
	"confidential": 2,
	"restricted":   3,
}

// PermissionCondition compares one context value against a literal.
// A condition whose context key is absent is never satisfied.
type PermissionCondition struct {
	Type     ConditionType     `json:"type"`
	Key      string            `json:"key,omitempty"`
	Operator ConditionOperator `json:"operator"`
	Value    interface{}       `json:"value"`
}

// ContextKey returns the context key inspected by the condition
func (c PermissionCondition) ContextKey() string {
	if c.Key != "" {
		return c.Key
	}
	switch c.Type {
	case ConditionTimeWindow:
		return ContextKeyCurrentTime
	case ConditionLocation:
		return ContextKeyRequestedLocation
	case ConditionDataClassification:
		return ContextKeyDataClassification
	}
	return ""
}

// Equal compares two conditions by value
func (c PermissionCondition) Equal(other PermissionCondition) bool {
	return c.Type == other.Type &&
		c.ContextKey() == other.ContextKey() &&
		c.Operator == other.Operator &&
		reflect.DeepEqual(c.Value, other.Value)
}

// Validate checks that the condition is one of the enumerated forms
func (c PermissionCondition) Validate() error {
	if !validConditionTypes[c.Type] {
		return fmt.Errorf("%w: unknown condition type %q", ErrInvalidCondition, c.Type)
	}
	if c.ContextKey() == "" {
		return fmt.Errorf("%w: %s condition requires a key", ErrInvalidCondition, c.Type)
	}
	if c.Type == ConditionTimeWindow && c.Operator == "" {
		if _, _, err := parseWindow(c.Value); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCondition, err)
		}
		return nil
	}
	if !validOperators[c.Operator] {
		return fmt.Errorf("%w: unknown operator %q", ErrInvalidCondition, c.Operator)
	}
	if c.Value == nil {
		return fmt.Errorf("%w: value is required", ErrInvalidCondition)
	}
	return nil
}

// Evaluate checks the condition against a context map
func (c PermissionCondition) Evaluate(ctx map[string]interface{}) bool {
	actual, ok := ctx[c.ContextKey()]
	if !ok || actual == nil {
		return false
	}

	// A bare time window ("09:00-17:00") is an inclusive range check
	if c.Type == ConditionTimeWindow && c.Operator == "" {
		start, end, err := parseWindow(c.Value)
		if err != nil {
			return false
		}
		minute, ok := clockMinutes(actual)
		if !ok {
			return false
		}
		if start <= end {
			return minute >= start && minute <= end
		}
		return minute >= start || minute <= end
	}

	switch c.Operator {
	case OpEquals:
		return valuesEqual(actual, c.Value)
	case OpNotEquals:
		return !valuesEqual(actual, c.Value)
	case OpContains:
		return contains(actual, c.Value)
	case OpNotContains:
		return !contains(actual, c.Value)
	case OpGreaterThan:
		cmp, ok := c.compare(actual)
		return ok && cmp > 0
	case OpLessThan:
		cmp, ok := c.compare(actual)
		return ok && cmp < 0
	case OpGreaterThanOrEqual:
		cmp, ok := c.compare(actual)
		return ok && cmp >= 0
	case OpLessThanOrEqual:
		cmp, ok := c.compare(actual)
		return ok && cmp <= 0
	case OpInSet:
		return inSet(actual, c.Value)
	case OpNotInSet:
		return !inSet(actual, c.Value)
	}
	return false
}

// compare orders actual against the condition literal.
// Returns false when the two values cannot be ordered.
func (c PermissionCondition) compare(actual interface{}) (int, bool) {
	if a, ok := toFloat(actual); ok {
		if b, ok := toFloat(c.Value); ok {
			return compareFloat(a, b), true
		}
	}
	if a, ok := clockMinutes(actual); ok {
		if b, ok := clockMinutes(c.Value); ok {
			return compareFloat(float64(a), float64(b)), true
		}
	}
	if c.Type == ConditionDataClassification {
		a, aok := classificationLevels[strings.ToLower(toString(actual))]
		b, bok := classificationLevels[strings.ToLower(toString(c.Value))]
		if aok && bok {
			return compareFloat(float64(a), float64(b)), true
		}
		return 0, false
	}
	return strings.Compare(toString(actual), toString(c.Value)), true
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func valuesEqual(a, b interface{}) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}
	return toString(a) == toString(b)
}

func contains(actual, needle interface{}) bool {
	if list, ok := toList(actual); ok {
		for _, item := range list {
			if valuesEqual(item, needle) {
				return true
			}
		}
		return false
	}
	return strings.Contains(toString(actual), toString(needle))
}

func inSet(actual, set interface{}) bool {
	list, ok := toList(set)
	if !ok {
		s := toString(set)
		if s == "" {
			return false
		}
		for _, part := range strings.Split(s, ",") {
			list = append(list, strings.TrimSpace(part))
		}
	}
	for _, item := range list {
		if valuesEqual(actual, item) {
			return true
		}
	}
	return false
}

func toList(v interface{}) ([]interface{}, bool) {
	switch t := v.(type) {
	case []interface{}:
		return t, true
	case []string:
		out := make([]interface{}, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case string:
		// Clock values ("09:00") and labels are not numbers
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}

// clockMinutes extracts minutes since midnight from "HH:MM", "HH:MM:SS",
// RFC3339 strings and time.Time values
func clockMinutes(v interface{}) (int, bool) {
	switch t := v.(type) {
	case time.Time:
		return t.Hour()*60 + t.Minute(), true
	case string:
		for _, layout := range []string{"15:04", "15:04:05", time.RFC3339, time.RFC3339Nano} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed.Hour()*60 + parsed.Minute(), true
			}
		}
	}
	return 0, false
}

func parseWindow(v interface{}) (int, int, error) {
	s, ok := v.(string)
	if !ok {
		return 0, 0, fmt.Errorf("time window must be a string \"HH:MM-HH:MM\"")
	}
	parts := strings.Split(s, "-")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time window %q", s)
	}
	start, ok := clockMinutes(strings.TrimSpace(parts[0]))
	if !ok {
		return 0, 0, fmt.Errorf("invalid window start %q", parts[0])
	}
	end, ok := clockMinutes(strings.TrimSpace(parts[1]))
	if !ok {
		return 0, 0, fmt.Errorf("invalid window end %q", parts[1])
	}
	return start, end, nil
}

// InferConditionType picks the condition type used for an expression
// comparison on the given context key
func InferConditionType(key string) ConditionType {
	switch {
	case key == ContextKeyCurrentTime || strings.HasSuffix(key, "_time"):
		return ConditionTimeWindow
	case key == ContextKeyRequestedLocation || strings.HasSuffix(key, "location"):
		return ConditionLocation
	case key == ContextKeyDataClassification || strings.HasSuffix(key, "classification"):
		return ConditionDataClassification
	case strings.HasPrefix(key, "resource."):
		return ConditionResourceAttribute
	}
	return ConditionUserAttribute
}

// Expression is a compiled condition expression (see the parser package).
// Expressions contain no negation, so an absent context key can only make
// an expression false.
type Expression interface {
	Evaluate(ctx map[string]interface{}) bool
	String() string
}

// ConditionExpr is a single comparison
type ConditionExpr struct {
	Condition PermissionCondition
}

// Evaluate implements Expression
func (e *ConditionExpr) Evaluate(ctx map[string]interface{}) bool {
	return e.Condition.Evaluate(ctx)
}

func (e *ConditionExpr) String() string {
	return fmt.Sprintf("%s %s %v", e.Condition.ContextKey(), e.Condition.Operator, e.Condition.Value)
}

// AllOf is true when every operand is true
type AllOf struct {
	Operands []Expression
}

// Evaluate implements Expression
func (e *AllOf) Evaluate(ctx map[string]interface{}) bool {
	for _, op := range e.Operands {
		if !op.Evaluate(ctx) {
			return false
		}
	}
	return len(e.Operands) > 0
}

func (e *AllOf) String() string {
	return joinExpressions(e.Operands, " && ")
}

// AnyOf is true when at least one operand is true
type AnyOf struct {
	Operands []Expression
}

// Evaluate implements Expression
func (e *AnyOf) Evaluate(ctx map[string]interface{}) bool {
	for _, op := range e.Operands {
		if op.Evaluate(ctx) {
			return true
		}
	}
	return false
}

func (e *AnyOf) String() string {
	return joinExpressions(e.Operands, " || ")
}

func joinExpressions(ops []Expression, sep string) string {
	parts := make([]string, len(ops))
	for i, op := range ops {
		parts[i] = op.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}

// Always is the expression used for an empty condition string
type Always struct{}

// Evaluate implements Expression
func (Always) Evaluate(map[string]interface{}) bool { return true }

func (Always) String() string { return "true" }
