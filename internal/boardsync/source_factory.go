package boardsync

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildSourceFromDSN picks a Source by DSN scheme: file paths or file://,
// memory://, and postgres://.
func BuildSourceFromDSN(dsn string) (Source, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty source dsn", ErrInvalidInput)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeSourceScheme(parsed.Scheme)
	if factory, ok := lookupSourceFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileSource(path), nil
	case "memory", "mem", "inmem":
		return NewMemorySource(), nil
	case "postgres", "postgresql":
		src, err := NewPostgresSource(dsn)
		if err != nil {
			return nil, err
		}
		return src, nil
	case "jira", "https", "http":
		return nil, fmt.Errorf("%w: source %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported source scheme: %s", scheme)
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
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
