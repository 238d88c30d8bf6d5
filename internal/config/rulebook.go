package config

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
)

//go:embed rulebook.yaml
var defaultRulebook []byte

type rulebookFile struct {
	Categories        map[string]categoryEntry `yaml:"categories"`
	RequiredDocuments map[string][]string      `yaml:"required_documents"`
}

type categoryEntry struct {
	Instruction    string    `yaml:"instruction"`
	Fields         fieldList `yaml:"fields"`
	CriticalFields []string  `yaml:"critical_fields"`
}

// fieldList keeps the document order of a YAML mapping of name -> description.
type fieldList []domain.FieldSpec

func (f *fieldList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: fields must be a mapping of name to description", node.Line)
	}
	out := make(fieldList, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		out = append(out, domain.FieldSpec{
			Name:        node.Content[i].Value,
			Description: node.Content[i+1].Value,
		})
	}
	*f = out
	return nil
}

// LoadRulebook reads the rulebook from path, or the embedded default when
// path is empty.
func LoadRulebook(path string) (*domain.Rulebook, error) {
	raw := defaultRulebook
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read rulebook %s: %w", path, err)
		}
		raw = data
	}
	return ParseRulebook(raw)
}

func ParseRulebook(raw []byte) (*domain.Rulebook, error) {
	var file rulebookFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "parse rulebook", err)
	}

	names := make([]string, 0, len(file.Categories))
	for name := range file.Categories {
		names = append(names, name)
	}
	sort.Strings(names)

	schemas := make([]domain.CategorySchema, 0, len(names))
	for _, name := range names {
		entry := file.Categories[name]
		schemas = append(schemas, domain.CategorySchema{
			Category:       domain.Category(name),
			Instruction:    entry.Instruction,
			Fields:         entry.Fields,
			CriticalFields: entry.CriticalFields,
		})
	}

	required := make(map[string][]domain.Category, len(file.RequiredDocuments))
	for entity, categories := range file.RequiredDocuments {
		for _, c := range categories {
			required[entity] = append(required[entity], domain.Category(c))
		}
	}

	return domain.NewRulebook(schemas, required)
}
