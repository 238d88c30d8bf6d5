package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

type FieldSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// CategorySchema is the extraction contract of one document category.
type CategorySchema struct {
	Category       Category    `json:"category"`
	Instruction    string      `json:"instruction"`
	Fields         []FieldSpec `json:"fields"`
	CriticalFields []string    `json:"critical_fields,omitempty"`
}

func (s CategorySchema) FieldNames() []string {
	out := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		out = append(out, f.Name)
	}
	return out
}

// Rulebook holds the static tables the pipeline is configured with:
// extraction schemas, critical fields and required documents per entity.
type Rulebook struct {
	schemas      map[Category]CategorySchema
	requiredDocs map[string][]Category
}

func NewRulebook(schemas []CategorySchema, requiredDocs map[string][]Category) (*Rulebook, error) {
	rb := &Rulebook{
		schemas:      make(map[Category]CategorySchema, len(schemas)),
		requiredDocs: make(map[string][]Category, len(requiredDocs)),
	}

	var problems []string
	for _, schema := range schemas {
		if _, ok := ParseCategory(string(schema.Category)); !ok {
			problems = append(problems, fmt.Sprintf("unknown category %q", schema.Category))
			continue
		}
		if _, dup := rb.schemas[schema.Category]; dup {
			problems = append(problems, fmt.Sprintf("duplicate schema for %s", schema.Category))
			continue
		}
		if len(schema.Fields) == 0 {
			problems = append(problems, fmt.Sprintf("schema %s has no fields", schema.Category))
		}
		names := make(map[string]struct{}, len(schema.Fields))
		for _, f := range schema.Fields {
			names[f.Name] = struct{}{}
		}
		for _, critical := range schema.CriticalFields {
			if _, ok := names[critical]; !ok {
				problems = append(problems, fmt.Sprintf("critical field %s.%s is not a schema field", schema.Category, critical))
			}
		}
		rb.schemas[schema.Category] = schema
	}

	for _, c := range AllCategories() {
		if _, ok := rb.schemas[c]; !ok {
			problems = append(problems, fmt.Sprintf("missing schema for %s", c))
		}
	}

	for entity, categories := range requiredDocs {
		key := normalizeEntity(entity)
		if key == "" {
			problems = append(problems, "empty entity code")
			continue
		}
		for _, c := range categories {
			if _, ok := ParseCategory(string(c)); !ok {
				problems = append(problems, fmt.Sprintf("entity %s requires unknown category %q", key, c))
			}
		}
		rb.requiredDocs[key] = append([]Category(nil), categories...)
	}

	if len(problems) > 0 {
		return nil, WrapError(ErrInvalidInput, "build rulebook", errors.New(strings.Join(problems, "; ")))
	}
	return rb, nil
}

// Schema returns the schema for c, falling back to the generic "other" schema.
func (r *Rulebook) Schema(c Category) CategorySchema {
	if schema, ok := r.schemas[c]; ok {
		return schema
	}
	return r.schemas[CategoryOther]
}

// RequiredDocuments returns the categories an entity requires, in table order.
// Unknown entities require nothing.
func (r *Rulebook) RequiredDocuments(entity string) []Category {
	return append([]Category(nil), r.requiredDocs[normalizeEntity(entity)]...)
}

func (r *Rulebook) Entities() []string {
	out := make([]string, 0, len(r.requiredDocs))
	for entity := range r.requiredDocs {
		out = append(out, entity)
	}
	sort.Strings(out)
	return out
}

func normalizeEntity(entity string) string {
	return strings.ToUpper(strings.TrimSpace(entity))
}
