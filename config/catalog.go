package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"car-sales-pipeline/models"
)

// LoadCatalog reads a YAML catalog file. Unknown keys are rejected so a
// misspelt field fails loudly instead of silently taking its default.
func LoadCatalog(path string) (*models.Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes a YAML catalog document.
func ParseCatalog(data []byte) (*models.Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var c models.Catalog
	if err := dec.Decode(&c); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("config: catalog is empty")
		}
		return nil, fmt.Errorf("config: parse catalog: %w", err)
	}
	return &c, nil
}

// MarshalCatalog renders a catalog as YAML in the format LoadCatalog reads.
func MarshalCatalog(c models.Catalog) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("config: encode catalog: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("config: encode catalog: %w", err)
	}
	return buf.Bytes(), nil
}
