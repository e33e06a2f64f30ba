package store

import (
	"fmt"
	"strings"
)

// NewBackend builds a backend from a configured kind and target. Kind
// selects the implementation; target is a file path for file/sqlite and a
// DSN for postgres. An empty kind with an empty target yields no backend
// (memory-only operation).
func NewBackend(kind, target string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "file":
		if strings.TrimSpace(target) == "" {
			return nil, nil
		}
		return NewJSONFileBackend(target), nil
	case "sqlite":
		return NewSQLiteBackend(target)
	case "postgres":
		return NewPostgresBackend(target)
	default:
		return nil, fmt.Errorf("unknown state backend %q", kind)
	}
}
