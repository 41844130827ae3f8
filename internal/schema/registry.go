package schema

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// schemaFile is the YAML layout of a schema document. Namespaces are listed
// rather than keyed; LoadFile indexes them by name and rejects duplicates.
type schemaFile struct {
	Sharding   Sharding     `yaml:"sharding"`
	Namespaces []*Namespace `yaml:"namespaces"`
}

// LoadFile reads and validates a schema from a YAML file.
func LoadFile(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading schema file %s: %w", path, err)
	}
	var sf schemaFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parsing schema file %s: %w", path, err)
	}
	s := &Schema{
		Namespaces: make(map[string]*Namespace, len(sf.Namespaces)),
		Sharding:   sf.Sharding,
	}
	for _, ns := range sf.Namespaces {
		if _, dup := s.Namespaces[ns.Name]; dup {
			return nil, fmt.Errorf("schema file %s: duplicate namespace %q", path, ns.Name)
		}
		s.Namespaces[ns.Name] = ns
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("validating schema from %s: %w", path, err)
	}
	slog.Default().With("component", "schema-registry").Info("schema loaded",
		"path", path,
		"namespaces", len(s.Namespaces),
		"shards", s.Sharding.NumShards,
		"micro_shards", s.Sharding.NumMicroShards,
	)
	return s, nil
}
