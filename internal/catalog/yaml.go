package catalog

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// File is the YAML layout accepted by `pkgsearch catalog import`.
type File struct {
	Packages []Package `yaml:"packages"`
}

// LoadFile reads and validates a catalog YAML file.
func LoadFile(path string) ([]Package, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog file: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode parses catalog YAML. Every package needs an id and a positive,
// unique key.
func Decode(r io.Reader) ([]Package, error) {
	var file File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse catalog file: %w", err)
	}

	seen := make(map[int]string, len(file.Packages))
	for i, p := range file.Packages {
		if strings.TrimSpace(p.ID) == "" {
			return nil, fmt.Errorf("package #%d: id is required", i+1)
		}
		if p.Key <= 0 {
			return nil, fmt.Errorf("package %s: key must be positive", p.ID)
		}
		if other, dup := seen[p.Key]; dup {
			return nil, fmt.Errorf("package %s: key %d already used by %s", p.ID, p.Key, other)
		}
		seen[p.Key] = p.ID
		if !p.Published.IsZero() {
			file.Packages[i].Published = p.Published.UTC()
		}
	}

	return file.Packages, nil
}
