package schema

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// CatalogStore loads the namespace schema from the PostgreSQL catalog the
// ingestion control plane maintains. The tables mirror the YAML layout:
// namespaces(name, primary_key), fields(namespace, name, type, doc_values,
// stored, vector_dim, position), foreign_keys(namespace, name, container,
// children, required, position).
type CatalogStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewCatalogStore wraps an open database handle.
func NewCatalogStore(db *sql.DB) *CatalogStore {
	return &CatalogStore{
		db:     db,
		logger: slog.Default().With("component", "schema-catalog"),
	}
}

// Load reads the full schema for the given sharding configuration and
// validates it.
func (c *CatalogStore) Load(ctx context.Context, sharding Sharding) (*Schema, error) {
	s := &Schema{
		Namespaces: make(map[string]*Namespace),
		Sharding:   sharding,
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT name, primary_key FROM namespaces ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying namespaces: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		ns := &Namespace{}
		if err := rows.Scan(&ns.Name, &ns.PrimaryKey); err != nil {
			return nil, fmt.Errorf("scanning namespace row: %w", err)
		}
		s.Namespaces[ns.Name] = ns
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating namespaces: %w", err)
	}

	if err := c.loadFields(ctx, s); err != nil {
		return nil, err
	}
	if err := c.loadForeignKeys(ctx, s); err != nil {
		return nil, err
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("validating catalog schema: %w", err)
	}
	c.logger.Info("schema loaded from catalog", "namespaces", len(s.Namespaces))
	return s, nil
}

func (c *CatalogStore) loadFields(ctx context.Context, s *Schema) error {
	rows, err := c.db.QueryContext(ctx,
		`SELECT namespace, name, type, doc_values, stored, COALESCE(vector_dim, 0)
		 FROM fields ORDER BY namespace, position`)
	if err != nil {
		return fmt.Errorf("querying fields: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var nsName string
		var f Field
		var typ string
		if err := rows.Scan(&nsName, &f.Name, &typ, &f.DocValues, &f.Stored, &f.VectorDim); err != nil {
			return fmt.Errorf("scanning field row: %w", err)
		}
		f.Type = FieldType(typ)
		ns, ok := s.Namespaces[nsName]
		if !ok {
			return fmt.Errorf("field %s.%s references unknown namespace", nsName, f.Name)
		}
		ns.Fields = append(ns.Fields, f)
	}
	return rows.Err()
}

func (c *CatalogStore) loadForeignKeys(ctx context.Context, s *Schema) error {
	rows, err := c.db.QueryContext(ctx,
		`SELECT namespace, name, container, children, required
		 FROM foreign_keys ORDER BY namespace, position`)
	if err != nil {
		return fmt.Errorf("querying foreign keys: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var nsName, container string
		var fk ForeignKey
		var children []byte
		if err := rows.Scan(&nsName, &fk.Name, &container, &children, &fk.Required); err != nil {
			return fmt.Errorf("scanning foreign key row: %w", err)
		}
		fk.Container = Container(container)
		fk.Children = splitChildren(string(children))
		ns, ok := s.Namespaces[nsName]
		if !ok {
			return fmt.Errorf("foreign key %s.%s references unknown namespace", nsName, fk.Name)
		}
		ns.ForeignKeys = append(ns.ForeignKeys, fk)
	}
	return rows.Err()
}

// splitChildren parses the comma-separated children column.
func splitChildren(raw string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			if i > start {
				out = append(out, raw[start:i])
			}
			start = i + 1
		}
	}
	return out
}
