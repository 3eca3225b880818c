package secrets

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

// fallbackFile holds developer secrets read from a local file, one "secret://name[?version=N]=value"
// entry per line. A missing file is treated as empty.
type fallbackFile struct {
	values map[string]string
}

func loadFallbackFile(path string) (fallbackFile, error) {
	out := fallbackFile{values: map[string]string{}}
	path = strings.TrimSpace(path)
	if path == "" {
		return out, nil
	}
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("secrets: open fallback file %s: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value := splitFallbackLine(line)
		if key == "" {
			continue
		}
		ref, err := ParseReference(key)
		if err != nil {
			out.values[key] = value
			continue
		}
		version := ref.Version
		if version == "" {
			version = latestVersion
		}
		out.values[ref.Canonical()] = value
		out.values[ref.cacheKey(version)] = value
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("secrets: read fallback file %s: %w", path, err)
	}
	return out, nil
}

// splitFallbackLine splits on the first "=" after the query string, so version=N stays in the key.
func splitFallbackLine(line string) (string, string) {
	search := line
	offset := 0
	if idx := strings.Index(line, "?"); idx >= 0 {
		if eq := strings.Index(line[idx:], "="); eq >= 0 {
			offset = idx + eq + 1
			search = line[offset:]
		}
	}
	eq := strings.Index(search, "=")
	if eq < 0 {
		return "", ""
	}
	return strings.TrimSpace(line[:offset+eq]), strings.TrimSpace(search[eq+1:])
}

func (f fallbackFile) lookup(ref Reference, version string) (string, bool) {
	if value, ok := f.values[ref.cacheKey(version)]; ok {
		return value, true
	}
	value, ok := f.values[ref.Canonical()]
	return value, ok
}
