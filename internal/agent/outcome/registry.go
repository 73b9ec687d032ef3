// Package outcome defines the vocabulary of agent result classifiers and
// validates the structured payloads some of them carry. The registry is
// static; pipelines route agent transitions by these names.
package outcome

import (
	"fmt"
	"sort"
)

// Signal-only outcomes. They carry no payload contract.
const (
	PlanComplete          = "plan_complete"
	PRReady               = "pr_ready"
	Approved              = "approved"
	Failed                = "failed"
	Interrupted           = "interrupted"
	NoChanges             = "no_changes"
	ConflictsDetected     = "conflicts_detected"
	InvestigationComplete = "investigation_complete"
	DesignReady           = "design_ready"
	Reproduced            = "reproduced"
	CannotReproduce       = "cannot_reproduce"
)

// Structured outcomes. Their payloads must satisfy the registered schema.
const (
	NeedsInfo        = "needs_info"
	OptionsProposed  = "options_proposed"
	ChangesRequested = "changes_requested"
)

// Kind distinguishes signal-only outcomes from schema-bearing ones.
type Kind int

const (
	KindUnknown Kind = iota
	KindSignal
	KindStructured
)

// FieldType is the JSON-ish type a schema field requires.
type FieldType string

const (
	TypeString     FieldType = "string"
	TypeStringList FieldType = "string[]"
	TypeList       FieldType = "any[]"
)

// Field is one required field of a structured outcome payload.
type Field struct {
	Name string
	Type FieldType
}

// Schema lists the required fields of a structured outcome. Extra fields
// are always allowed.
type Schema struct {
	Fields []Field
}

// schemas maps every known outcome to its schema; nil means signal-only.
var schemas = map[string]*Schema{
	PlanComplete:          nil,
	PRReady:               nil,
	Approved:              nil,
	Failed:                nil,
	Interrupted:           nil,
	NoChanges:             nil,
	ConflictsDetected:     nil,
	InvestigationComplete: nil,
	DesignReady:           nil,
	Reproduced:            nil,
	CannotReproduce:       nil,
	NeedsInfo: {Fields: []Field{
		{Name: "questions", Type: TypeStringList},
	}},
	OptionsProposed: {Fields: []Field{
		{Name: "summary", Type: TypeString},
		{Name: "options", Type: TypeStringList},
	}},
	ChangesRequested: {Fields: []Field{
		{Name: "summary", Type: TypeString},
		{Name: "comments", Type: TypeList},
	}},
}

// Known reports whether the outcome name is registered.
func Known(name string) bool {
	_, ok := schemas[name]
	return ok
}

// Get returns the schema for an outcome. A nil schema with ok=true means
// the outcome is signal-only.
func Get(name string) (*Schema, bool) {
	s, ok := schemas[name]
	return s, ok
}

// KindOf classifies an outcome name.
func KindOf(name string) Kind {
	s, ok := schemas[name]
	switch {
	case !ok:
		return KindUnknown
	case s == nil:
		return KindSignal
	default:
		return KindStructured
	}
}

// List returns every registered outcome name, sorted.
func List() []string {
	names := make([]string, 0, len(schemas))
	for name := range schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks a payload against the outcome's schema. It is total: any
// (name, payload) pair returns a verdict, never a panic. Signal-only
// outcomes accept anything. For structured outcomes the payload must be an
// object; anything else (nil, arrays, scalars) fails with the first missing
// required field.
func Validate(name string, payload interface{}) error {
	schema, ok := schemas[name]
	if !ok {
		return fmt.Errorf("unknown outcome: %s", name)
	}
	if schema == nil {
		return nil
	}

	fields, _ := payload.(map[string]interface{})
	for _, f := range schema.Fields {
		value, present := fields[f.Name]
		if !present {
			return fmt.Errorf("missing required field: %s", f.Name)
		}
		if err := checkType(f, value); err != nil {
			return err
		}
	}
	return nil
}

func checkType(f Field, value interface{}) error {
	switch f.Type {
	case TypeString:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("field %s must be a string", f.Name)
		}
	case TypeStringList:
		items, ok := asList(value)
		if !ok {
			return fmt.Errorf("field %s must be an array of strings", f.Name)
		}
		for _, item := range items {
			if _, ok := item.(string); !ok {
				return fmt.Errorf("field %s must be an array of strings", f.Name)
			}
		}
	case TypeList:
		if _, ok := asList(value); !ok {
			return fmt.Errorf("field %s must be an array", f.Name)
		}
	default:
		return fmt.Errorf("field %s has unsupported type %s", f.Name, f.Type)
	}
	return nil
}

// asList accepts both decoded JSON arrays and []string built in-process.
func asList(value interface{}) ([]interface{}, bool) {
	switch v := value.(type) {
	case []interface{}:
		return v, true
	case []string:
		items := make([]interface{}, len(v))
		for i, s := range v {
			items[i] = s
		}
		return items, true
	default:
		return nil, false
	}
}
