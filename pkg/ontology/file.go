package ontology

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Definition is the on-disk shape of a full ontology, as loaded from YAML.
type Definition struct {
	EntityTypes []EntityTypeSchema `yaml:"entity_types" json:"entity_types"`
	EdgeTypes   []EdgeTypeSchema   `yaml:"edge_types" json:"edge_types"`
}

// LoadFile reads and validates an ontology definition from a YAML file.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ontology file: %w", err)
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse ontology file: %w", err)
	}

	if err := validate(def.EntityTypes, def.EdgeTypes); err != nil {
		return nil, err
	}
	return &def, nil
}
