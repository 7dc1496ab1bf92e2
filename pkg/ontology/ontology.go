// Package ontology manages the project-level custom type system: bounded,
// versioned sets of entity and edge type definitions that classify newly
// resolved nodes and edges. Replacing the ontology never reinterprets
// existing graph data; each record keeps the version that classified it.
package ontology

import (
	"fmt"
	"strings"
	"time"
)

const (
	// MaxTypes caps the number of custom entity or edge types.
	MaxTypes = 10
	// MaxFields caps the number of fields per type.
	MaxFields = 10

	// BuiltinUserType is always available as an edge endpoint type, since
	// conversational graphs anchor facts on the speaking user.
	BuiltinUserType = "User"
)

// reservedFieldNames are attribute names owned by the core record shapes.
// Custom fields may not shadow them.
var reservedFieldNames = map[string]struct{}{
	"uuid":       {},
	"name":       {},
	"graph_id":   {},
	"summary":    {},
	"fact":       {},
	"created_at": {},
	"updated_at": {},
	"valid_at":   {},
	"invalid_at": {},
	"expired_at": {},
	"attributes": {},
	"rating":     {},
	"episodes":   {},
}

// FieldKind is the closed set of scalar kinds a custom field may hold.
type FieldKind string

const (
	FieldText    FieldKind = "text"
	FieldNumber  FieldKind = "number"
	FieldBoolean FieldKind = "boolean"
	FieldDate    FieldKind = "date"
)

func (k FieldKind) valid() bool {
	switch k {
	case FieldText, FieldNumber, FieldBoolean, FieldDate:
		return true
	}
	return false
}

// FieldDef describes one typed field of a custom type.
type FieldDef struct {
	Name        string    `json:"name" yaml:"name"`
	Kind        FieldKind `json:"kind" yaml:"kind"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
}

// EntityTypeSchema defines one custom entity type.
type EntityTypeSchema struct {
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Fields      []FieldDef `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// TypePair restricts an edge type to one source/target entity type pair.
type TypePair struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
}

// EdgeTypeSchema defines one custom edge type. An empty SourceTargets list
// means the edge type is unconstrained.
type EdgeTypeSchema struct {
	Name          string     `json:"name" yaml:"name"`
	Description   string     `json:"description,omitempty" yaml:"description,omitempty"`
	Fields        []FieldDef `json:"fields,omitempty" yaml:"fields,omitempty"`
	SourceTargets []TypePair `json:"source_targets,omitempty" yaml:"source_targets,omitempty"`
}

// Ontology is one immutable, validated version of the custom type system.
type Ontology struct {
	Version     int
	EntityTypes map[string]EntityTypeSchema
	EdgeTypes   map[string]EdgeTypeSchema
	CreatedAt   time.Time
}

// EntityTypeNames returns the entity type names in no particular order.
func (o *Ontology) EntityTypeNames() []string {
	if o == nil {
		return nil
	}
	names := make([]string, 0, len(o.EntityTypes))
	for name := range o.EntityTypes {
		names = append(names, name)
	}
	return names
}

// EdgeTypeNames returns the edge type names in no particular order.
func (o *Ontology) EdgeTypeNames() []string {
	if o == nil {
		return nil
	}
	names := make([]string, 0, len(o.EdgeTypes))
	for name := range o.EdgeTypes {
		names = append(names, name)
	}
	return names
}

// AllowsPair reports whether the named edge type permits an edge from a
// source entity type to a target entity type. Unknown edge types and
// unconstrained types allow everything.
func (o *Ontology) AllowsPair(edgeType, sourceType, targetType string) bool {
	if o == nil || edgeType == "" {
		return true
	}
	schema, ok := o.EdgeTypes[edgeType]
	if !ok || len(schema.SourceTargets) == 0 {
		return true
	}
	for _, pair := range schema.SourceTargets {
		if pair.Source == sourceType && pair.Target == targetType {
			return true
		}
	}
	return false
}

// ValidateEntityAttributes checks an attribute map against the named entity
// type's fields. Unknown fields and kind mismatches are errors; missing
// fields are not, extraction is best-effort.
func (o *Ontology) ValidateEntityAttributes(typeName string, attrs map[string]any) error {
	if o == nil || typeName == "" {
		return nil
	}
	schema, ok := o.EntityTypes[typeName]
	if !ok {
		return nil
	}
	return validateAttributes(typeName, schema.Fields, attrs)
}

// ValidateEdgeAttributes checks an attribute map against the named edge
// type's fields.
func (o *Ontology) ValidateEdgeAttributes(typeName string, attrs map[string]any) error {
	if o == nil || typeName == "" {
		return nil
	}
	schema, ok := o.EdgeTypes[typeName]
	if !ok {
		return nil
	}
	return validateAttributes(typeName, schema.Fields, attrs)
}

func validateAttributes(typeName string, fields []FieldDef, attrs map[string]any) error {
	byName := make(map[string]FieldDef, len(fields))
	for _, f := range fields {
		byName[f.Name] = f
	}
	for name, value := range attrs {
		def, ok := byName[name]
		if !ok {
			return &ValidationError{Field: name, Reason: fmt.Sprintf("type %q has no field %q", typeName, name)}
		}
		if !kindMatches(def.Kind, value) {
			return &ValidationError{Field: name, Reason: fmt.Sprintf("field %q of type %q expects %s", name, typeName, def.Kind)}
		}
	}
	return nil
}

func kindMatches(kind FieldKind, value any) bool {
	if value == nil {
		return true
	}
	switch kind {
	case FieldText:
		_, ok := value.(string)
		return ok
	case FieldNumber:
		switch value.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case FieldBoolean:
		_, ok := value.(bool)
		return ok
	case FieldDate:
		switch v := value.(type) {
		case time.Time:
			return true
		case string:
			_, err := time.Parse(time.RFC3339, v)
			if err != nil {
				_, err = time.Parse("2006-01-02", v)
			}
			return err == nil
		}
		return false
	}
	return false
}

// validate checks the full definition set against the size and naming
// constraints. Called before an ontology version is activated.
func validate(entityTypes []EntityTypeSchema, edgeTypes []EdgeTypeSchema) error {
	if len(entityTypes) > MaxTypes {
		return &ValidationError{Reason: fmt.Sprintf("at most %d custom entity types allowed, got %d", MaxTypes, len(entityTypes))}
	}
	if len(edgeTypes) > MaxTypes {
		return &ValidationError{Reason: fmt.Sprintf("at most %d custom edge types allowed, got %d", MaxTypes, len(edgeTypes))}
	}

	entityNames := make(map[string]struct{}, len(entityTypes))
	for _, et := range entityTypes {
		if err := validateTypeName(et.Name, entityNames); err != nil {
			return err
		}
		entityNames[et.Name] = struct{}{}
		if err := validateFields(et.Name, et.Fields); err != nil {
			return err
		}
	}

	edgeNames := make(map[string]struct{}, len(edgeTypes))
	for _, et := range edgeTypes {
		if err := validateTypeName(et.Name, edgeNames); err != nil {
			return err
		}
		edgeNames[et.Name] = struct{}{}
		if err := validateFields(et.Name, et.Fields); err != nil {
			return err
		}
		for _, pair := range et.SourceTargets {
			if pair.Source == "" || pair.Target == "" {
				return &ValidationError{Type: et.Name, Reason: "source/target pair must name both entity types"}
			}
			if _, ok := entityNames[pair.Source]; !ok && pair.Source != BuiltinUserType {
				return &ValidationError{Type: et.Name, Reason: fmt.Sprintf("source type %q is not defined", pair.Source)}
			}
			if _, ok := entityNames[pair.Target]; !ok && pair.Target != BuiltinUserType {
				return &ValidationError{Type: et.Name, Reason: fmt.Sprintf("target type %q is not defined", pair.Target)}
			}
		}
	}
	return nil
}

func validateTypeName(name string, seen map[string]struct{}) error {
	if strings.TrimSpace(name) == "" {
		return &ValidationError{Reason: "type name must not be empty"}
	}
	if _, ok := seen[name]; ok {
		return &ValidationError{Type: name, Reason: "duplicate type name"}
	}
	return nil
}

func validateFields(typeName string, fields []FieldDef) error {
	if len(fields) > MaxFields {
		return &ValidationError{Type: typeName, Reason: fmt.Sprintf("at most %d fields allowed, got %d", MaxFields, len(fields))}
	}
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		name := strings.TrimSpace(f.Name)
		if name == "" {
			return &ValidationError{Type: typeName, Reason: "field name must not be empty"}
		}
		if _, ok := reservedFieldNames[strings.ToLower(name)]; ok {
			return &ValidationError{Type: typeName, Field: name, Reason: "field name is reserved"}
		}
		if _, ok := seen[name]; ok {
			return &ValidationError{Type: typeName, Field: name, Reason: "duplicate field name"}
		}
		seen[name] = struct{}{}
		if !f.Kind.valid() {
			return &ValidationError{Type: typeName, Field: name, Reason: fmt.Sprintf("unknown field kind %q", f.Kind)}
		}
	}
	return nil
}
