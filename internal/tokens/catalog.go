package tokens

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed models.yaml
var catalogData []byte

// ModelPricing holds the per-million-token prices for one model.
type ModelPricing struct {
	ID               string  `yaml:"id"`
	Name             string  `yaml:"name"`
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// Catalog is the embedded model price table.
type Catalog struct {
	DefaultModel string         `yaml:"default_model"`
	Models       []ModelPricing `yaml:"models"`
}

// LoadCatalog parses the embedded price catalog.
func LoadCatalog() (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(catalogData, &c); err != nil {
		return nil, fmt.Errorf("failed to parse model catalog: %w", err)
	}
	if c.DefaultModel == "" || len(c.Models) == 0 {
		return nil, fmt.Errorf("model catalog is incomplete")
	}
	return &c, nil
}

// Pricing returns the price entry for modelID, falling back to the default
// model's entry for unknown ids so cost accounting never silently zeroes.
func (c *Catalog) Pricing(modelID string) ModelPricing {
	var fallback ModelPricing
	for _, m := range c.Models {
		if m.ID == modelID {
			return m
		}
		if m.ID == c.DefaultModel {
			fallback = m
		}
	}
	return fallback
}
