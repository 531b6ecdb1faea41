package durable

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildBackendFromDSN resolves a backend from a DSN such as
// "file:///var/lib/engagesync/accounts.json", "memory://",
// "postgres://user@host/db" or "sqlite:///tmp/engagesync.db".
// A bare path is treated as a JSON file.
func BuildBackendFromDSN(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	factory, ok := lookupBackendFactory(scheme)
	if !ok {
		return nil, fmt.Errorf("unsupported backend scheme: %s", scheme)
	}
	return factory(dsn)
}

func init() {
	fileFactory := pathFactory(func(path string) (Backend, error) {
		return NewJSONFileBackend(path), nil
	})
	sqliteFactory := pathFactory(func(path string) (Backend, error) {
		return sqlBackendOrNil(NewSQLiteBackend(path))
	})
	postgresFactory := func(dsn string) (Backend, error) {
		return sqlBackendOrNil(NewPostgresBackend(dsn))
	}
	memoryFactory := func(string) (Backend, error) {
		return NewInMemoryBackend(), nil
	}
	unavailable := func(dsn string) (Backend, error) {
		scheme, _, _ := strings.Cut(dsn, ":")
		return nil, fmt.Errorf("%w: backend %s", ErrNotImplemented, normalizeBackendScheme(scheme))
	}

	for scheme, factory := range map[string]BackendFactory{
		"":           fileFactory,
		"file":       fileFactory,
		"memory":     memoryFactory,
		"mem":        memoryFactory,
		"inmem":      memoryFactory,
		"postgres":   postgresFactory,
		"postgresql": postgresFactory,
		"sqlite":     sqliteFactory,
		"sqlite3":    sqliteFactory,
		"mysql":      unavailable,
		"redis":      unavailable,
		"rediss":     unavailable,
	} {
		RegisterBackendFactory(scheme, factory)
	}
}

func sqlBackendOrNil(backend *SQLBackend, err error) (Backend, error) {
	if err != nil {
		return nil, err
	}
	return backend, nil
}

// pathFactory adapts a constructor taking a filesystem path to a DSN factory.
func pathFactory(open func(path string) (Backend, error)) BackendFactory {
	return func(dsn string) (Backend, error) {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return nil, err
		}
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return open(path)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if host := strings.TrimSpace(parsed.Host); host != "" {
		// "file://relative/dir/x.json" parses the first segment as a host.
		path = host + path
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
