package secrets

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const latestVersion = "latest"

var errEmptyReference = errors.New("secrets: empty reference")

// Reference is a parsed secret://name?version=N&project=P value.
type Reference struct {
	Name    string
	Version string
	Project string
}

// Canonical drops the query so pins and fallback entries match regardless of version.
func (r Reference) Canonical() string {
	return "secret://" + r.Name
}

func (r Reference) cacheKey(version string) string {
	return r.Canonical() + "#" + version
}

// ParseReference accepts secret:// and the sm:// shorthand.
func ParseReference(raw string) (Reference, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Reference{}, errEmptyReference
	}
	if rest, ok := strings.CutPrefix(raw, "sm://"); ok {
		raw = "secret://" + rest
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Reference{}, fmt.Errorf("secrets: invalid reference %q: %w", raw, err)
	}
	if u.Scheme != "secret" {
		return Reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return Reference{}, fmt.Errorf("secrets: missing secret name in %q", raw)
	}
	query := u.Query()
	return Reference{
		Name:    name,
		Version: strings.TrimSpace(query.Get("version")),
		Project: strings.TrimSpace(query.Get("project")),
	}, nil
}
