package session

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	v1 "github.com/batondev/baton/pkg/api/v1"
)

//go:embed models.yaml
var modelsYAML []byte

type modelCatalog struct {
	Models []modelEntry `yaml:"models"`
}

type modelEntry struct {
	ID               string   `yaml:"id"`
	DisplayName      string   `yaml:"display_name"`
	Aliases          []string `yaml:"aliases"`
	ContextWindow    int      `yaml:"context_window"`
	DefaultMaxTokens int      `yaml:"default_max_tokens"`
}

// loadModelCatalog parses the embedded model list. The catalog is static;
// callers receive fresh slices so they cannot mutate the shared copy.
func loadModelCatalog() ([]v1.ModelInfo, error) {
	var catalog modelCatalog
	if err := yaml.Unmarshal(modelsYAML, &catalog); err != nil {
		return nil, fmt.Errorf("parse model catalog: %w", err)
	}
	if len(catalog.Models) == 0 {
		return nil, fmt.Errorf("model catalog is empty")
	}

	out := make([]v1.ModelInfo, 0, len(catalog.Models))
	for _, m := range catalog.Models {
		out = append(out, v1.ModelInfo{
			ID:               m.ID,
			DisplayName:      m.DisplayName,
			Aliases:          append([]string(nil), m.Aliases...),
			ContextWindow:    m.ContextWindow,
			DefaultMaxTokens: m.DefaultMaxTokens,
		})
	}
	return out, nil
}
