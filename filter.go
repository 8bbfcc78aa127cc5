package voltstream

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
)

// Target selects which part of an event a condition inspects
type Target string

const (
	TargetType      Target = "type"
	TargetPayload   Target = "payload"
	TargetMetadata  Target = "metadata"
	TargetTimestamp Target = "timestamp"
)

// Operator is the comparison applied by a condition
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpContains    Operator = "contains"
	OpRegex       Operator = "regex"
	OpExists      Operator = "exists"
	OpBetween     Operator = "between"
	// OpExpression evaluates Expression as a boolean expr-lang program over
	// type, stream, payload, metadata, timestamp and priority.
	OpExpression Operator = "expression"
)

// Logic combines the conditions and children of a filter
type Logic string

const (
	LogicAnd Logic = "and"
	LogicOr  Logic = "or"
)

// Condition is one operator applied to one event target. Value is the
// operand of scalar operators, Values the set of in/not_in, From/To the
// half-open range of between.
type Condition struct {
	Target     Target        `yaml:"target"`
	Field      string        `yaml:"field"`
	Op         Operator      `yaml:"op"`
	Value      interface{}   `yaml:"value"`
	Values     []interface{} `yaml:"values"`
	From       time.Time     `yaml:"from"`
	To         time.Time     `yaml:"to"`
	Expression string        `yaml:"expression"`
}

// Filter is a predicate tree. An empty filter matches every event.
type Filter struct {
	Logic      Logic       `yaml:"logic"`
	Conditions []Condition `yaml:"conditions"`
	Filters    []Filter    `yaml:"filters"`
}

// Where returns a filter that requires every condition
func Where(conds ...Condition) *Filter {
	return &Filter{Logic: LogicAnd, Conditions: conds}
}

// AnyOf returns a filter that requires at least one condition
func AnyOf(conds ...Condition) *Filter {
	return &Filter{Logic: LogicOr, Conditions: conds}
}

// PayloadEquals matches a payload field equal to v
func PayloadEquals(field string, v interface{}) Condition {
	return Condition{Target: TargetPayload, Field: field, Op: OpEquals, Value: v}
}

// PayloadIn matches a payload field contained in values
func PayloadIn(field string, values ...interface{}) Condition {
	return Condition{Target: TargetPayload, Field: field, Op: OpIn, Values: values}
}

// TypeIs matches the event type
func TypeIs(eventType string) Condition {
	return Condition{Target: TargetType, Op: OpEquals, Value: eventType}
}

// Between matches events whose timestamp is in [from, to)
func Between(from, to time.Time) Condition {
	return Condition{Target: TargetTimestamp, Op: OpBetween, From: from, To: to}
}

// Expression matches events for which the expr-lang program is true
func Expression(program string) Condition {
	return Condition{Op: OpExpression, Expression: program}
}

type compiledCondition struct {
	Condition
	re      *regexp.Regexp
	program *vm.Program
}

type compiledFilter struct {
	logic      Logic
	conditions []compiledCondition
	children   []*compiledFilter
}

// compileFilter validates f and precompiles regexes and expressions. A nil
// filter compiles to nil, which matches everything.
func compileFilter(f *Filter) (*compiledFilter, error) {
	if f == nil {
		return nil, nil
	}

	cf := &compiledFilter{logic: f.Logic}
	switch f.Logic {
	case "":
		cf.logic = LogicAnd
	case LogicAnd, LogicOr:
	default:
		return nil, fmt.Errorf("%w: unsupported logic %q", ErrInvalidFilter, f.Logic)
	}

	for _, c := range f.Conditions {
		cc, err := compileCondition(c)
		if err != nil {
			return nil, err
		}
		cf.conditions = append(cf.conditions, cc)
	}
	for i := range f.Filters {
		child, err := compileFilter(&f.Filters[i])
		if err != nil {
			return nil, err
		}
		cf.children = append(cf.children, child)
	}
	return cf, nil
}

func compileCondition(c Condition) (compiledCondition, error) {
	cc := compiledCondition{Condition: c}
	if c.Target == "" {
		cc.Target = TargetPayload
	}

	switch cc.Target {
	case TargetType, TargetTimestamp:
	case TargetPayload, TargetMetadata:
		if cc.Field == "" && c.Op != OpExpression {
			return cc, fmt.Errorf("%w: %s condition requires a field", ErrInvalidFilter, cc.Target)
		}
	default:
		return cc, fmt.Errorf("%w: unsupported target %q", ErrInvalidFilter, c.Target)
	}

	switch c.Op {
	case OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpContains, OpExists:
	case OpIn, OpNotIn:
		if len(c.Values) == 0 {
			if vs, ok := c.Value.([]interface{}); ok {
				cc.Values = vs
			}
		}
	case OpRegex:
		pattern, ok := c.Value.(string)
		if !ok {
			return cc, fmt.Errorf("%w: regex operand must be a string", ErrInvalidFilter)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return cc, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
		}
		cc.re = re
	case OpBetween:
		if c.From.IsZero() && c.To.IsZero() {
			return cc, fmt.Errorf("%w: between requires from or to", ErrInvalidFilter)
		}
	case OpExpression:
		program, err := expr.Compile(c.Expression, expr.Env(exprEnv(Event{})), expr.AsBool())
		if err != nil {
			return cc, fmt.Errorf("%w: unable to compile expression %q: %v", ErrInvalidFilter, c.Expression, err)
		}
		cc.program = program
	default:
		return cc, fmt.Errorf("%w: unsupported operator %q", ErrInvalidFilter, c.Op)
	}
	return cc, nil
}

func exprEnv(e Event) map[string]interface{} {
	payload := e.payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	metadata := e.metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	return map[string]interface{}{
		"type":      e.eventType,
		"stream":    e.streamID,
		"payload":   payload,
		"metadata":  metadata,
		"timestamp": e.timestamp,
		"priority":  e.priority.String(),
	}
}

// match evaluates the filter against e
func (f *compiledFilter) match(e Event) (bool, error) {
	if f == nil || (len(f.conditions) == 0 && len(f.children) == 0) {
		return true, nil
	}

	results := make([]bool, 0, len(f.conditions)+len(f.children))
	for i := range f.conditions {
		ok, err := f.conditions[i].match(e)
		if err != nil {
			return false, err
		}
		results = append(results, ok)
	}
	for _, child := range f.children {
		ok, err := child.match(e)
		if err != nil {
			return false, err
		}
		results = append(results, ok)
	}

	if f.logic == LogicOr {
		for _, r := range results {
			if r {
				return true, nil
			}
		}
		return false, nil
	}
	for _, r := range results {
		if !r {
			return false, nil
		}
	}
	return true, nil
}

func (c *compiledCondition) resolve(e Event) (interface{}, bool) {
	switch c.Target {
	case TargetType:
		return e.eventType, true
	case TargetTimestamp:
		return e.timestamp, true
	case TargetMetadata:
		v, ok := e.metadata[c.Field]
		return v, ok
	default:
		v, ok := e.payload[c.Field]
		return v, ok
	}
}

func (c *compiledCondition) match(e Event) (bool, error) {
	if c.Op == OpExpression {
		out, err := expr.Run(c.program, exprEnv(e))
		if err != nil {
			return false, fmt.Errorf("expression %q: %w", c.Expression, err)
		}
		b, _ := out.(bool)
		return b, nil
	}

	value, present := c.resolve(e)
	if c.Op == OpExists {
		return present && value != nil, nil
	}
	if !present {
		return c.Op == OpNotEquals || c.Op == OpNotIn, nil
	}

	switch c.Op {
	case OpEquals:
		return valuesEqual(value, c.Value), nil
	case OpNotEquals:
		return !valuesEqual(value, c.Value), nil
	case OpIn:
		return containsValue(c.Values, value), nil
	case OpNotIn:
		return !containsValue(c.Values, value), nil
	case OpGreaterThan:
		cmp, ok := compareValues(value, c.Value)
		return ok && cmp > 0, nil
	case OpLessThan:
		cmp, ok := compareValues(value, c.Value)
		return ok && cmp < 0, nil
	case OpContains:
		return valueContains(value, c.Value), nil
	case OpRegex:
		s, ok := value.(string)
		return ok && c.re.MatchString(s), nil
	case OpBetween:
		ts, ok := toTime(value)
		if !ok {
			return false, nil
		}
		if !c.From.IsZero() && ts.Before(c.From) {
			return false, nil
		}
		if !c.To.IsZero() && !ts.Before(c.To) {
			return false, nil
		}
		return true, nil
	default:
		return false, fmt.Errorf("%w: unsupported operator %q", ErrInvalidFilter, c.Op)
	}
}

func containsValue(set []interface{}, v interface{}) bool {
	for _, candidate := range set {
		if valuesEqual(v, candidate) {
			return true
		}
	}
	return false
}

func valueContains(haystack, needle interface{}) bool {
	if s, ok := haystack.(string); ok {
		n, ok := needle.(string)
		return ok && strings.Contains(s, n)
	}
	rv := reflect.ValueOf(haystack)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		for i := 0; i < rv.Len(); i++ {
			if valuesEqual(rv.Index(i).Interface(), needle) {
				return true
			}
		}
	}
	if m, ok := haystack.(map[string]interface{}); ok {
		key, ok := needle.(string)
		if ok {
			_, found := m[key]
			return found
		}
	}
	return false
}
