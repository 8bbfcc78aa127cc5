package voltstream

import (
	"fmt"
	"math"
	"reflect"
	"regexp"
	"sort"
	"sync"
)

// FieldType is the declared type of a schema field
type FieldType string

const (
	FieldString    FieldType = "string"
	FieldNumber    FieldType = "number"
	FieldInteger   FieldType = "integer"
	FieldBoolean   FieldType = "boolean"
	FieldObject    FieldType = "object"
	FieldArray     FieldType = "array"
	FieldTimestamp FieldType = "timestamp"
	FieldAny       FieldType = "any"
)

// FieldDef declares one payload field and its validation rules
type FieldDef struct {
	Type      FieldType     `yaml:"type"`
	Required  bool          `yaml:"required"`
	Min       *float64      `yaml:"min,omitempty"`
	Max       *float64      `yaml:"max,omitempty"`
	MinLength *int          `yaml:"minLength,omitempty"`
	MaxLength *int          `yaml:"maxLength,omitempty"`
	Pattern   string        `yaml:"pattern,omitempty"`
	Enum      []interface{} `yaml:"enum,omitempty"`
}

// Schema is a named, versioned set of field definitions. A schema is
// immutable once registered; publish a new version under a new id.
type Schema struct {
	ID      string              `yaml:"id"`
	Name    string              `yaml:"name"`
	Version int                 `yaml:"version"`
	Fields  map[string]FieldDef `yaml:"fields"`
}

type compiledSchema struct {
	schema   Schema
	fields   []string
	patterns map[string]*regexp.Regexp
}

type schemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*compiledSchema
}

func newSchemaRegistry() *schemaRegistry {
	return &schemaRegistry{schemas: make(map[string]*compiledSchema)}
}

func (r *schemaRegistry) register(s Schema) error {
	if s.ID == "" {
		return configErr("schema", s.ID, fmt.Errorf("schema id is required"))
	}

	cs := &compiledSchema{
		schema:   s,
		patterns: make(map[string]*regexp.Regexp),
	}
	if cs.schema.Version == 0 {
		cs.schema.Version = 1
	}
	fields := make(map[string]FieldDef, len(s.Fields))
	for name, def := range s.Fields {
		if def.Type == "" {
			def.Type = FieldAny
		}
		if def.Pattern != "" {
			re, err := regexp.Compile(def.Pattern)
			if err != nil {
				return configErr("schema", s.ID, fmt.Errorf("field %s: invalid pattern: %w", name, err))
			}
			cs.patterns[name] = re
		}
		fields[name] = def
		cs.fields = append(cs.fields, name)
	}
	cs.schema.Fields = fields
	sort.Strings(cs.fields)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.schemas[s.ID]; exists {
		return configErr("schema", s.ID, ErrDuplicateSchema)
	}
	r.schemas[s.ID] = cs
	return nil
}

func (r *schemaRegistry) get(id string) (*compiledSchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cs, ok := r.schemas[id]
	return cs, ok
}

// validate returns every violation of payload against the schema
func (cs *compiledSchema) validate(payload map[string]interface{}) []FieldViolation {
	var violations []FieldViolation
	for _, name := range cs.fields {
		def := cs.schema.Fields[name]
		value, present := payload[name]
		if !present || value == nil {
			if def.Required {
				violations = append(violations, FieldViolation{Field: name, Reason: "required field missing"})
			}
			continue
		}
		if reason := checkType(def.Type, value); reason != "" {
			violations = append(violations, FieldViolation{Field: name, Reason: reason})
			continue
		}
		violations = append(violations, cs.checkRules(name, def, value)...)
	}
	return violations
}

func checkType(t FieldType, value interface{}) string {
	ok := true
	switch t {
	case FieldAny:
	case FieldString:
		_, ok = value.(string)
	case FieldNumber:
		_, ok = toFloat(value)
	case FieldInteger:
		f, isNum := toFloat(value)
		ok = isNum && f == math.Trunc(f)
	case FieldBoolean:
		_, ok = value.(bool)
	case FieldObject:
		_, ok = value.(map[string]interface{})
	case FieldArray:
		k := reflect.TypeOf(value).Kind()
		ok = k == reflect.Slice || k == reflect.Array
	case FieldTimestamp:
		_, ok = toTime(value)
	default:
		return fmt.Sprintf("unsupported field type %q", t)
	}
	if !ok {
		return fmt.Sprintf("expected %s, got %s", t, kindOf(value))
	}
	return ""
}

func (cs *compiledSchema) checkRules(name string, def FieldDef, value interface{}) []FieldViolation {
	var violations []FieldViolation
	add := func(format string, args ...interface{}) {
		violations = append(violations, FieldViolation{Field: name, Reason: fmt.Sprintf(format, args...)})
	}

	if f, ok := toFloat(value); ok {
		if def.Min != nil && f < *def.Min {
			add("value %v below minimum %v", f, *def.Min)
		}
		if def.Max != nil && f > *def.Max {
			add("value %v above maximum %v", f, *def.Max)
		}
	}
	if s, ok := value.(string); ok {
		if def.MinLength != nil && len(s) < *def.MinLength {
			add("length %d below minimum %d", len(s), *def.MinLength)
		}
		if def.MaxLength != nil && len(s) > *def.MaxLength {
			add("length %d above maximum %d", len(s), *def.MaxLength)
		}
		if re := cs.patterns[name]; re != nil && !re.MatchString(s) {
			add("value %q does not match %s", s, def.Pattern)
		}
	}
	if len(def.Enum) > 0 {
		found := false
		for _, allowed := range def.Enum {
			if valuesEqual(value, allowed) {
				found = true
				break
			}
		}
		if !found {
			add("value %v not in %v", value, def.Enum)
		}
	}
	return violations
}
