package config

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// source layers explicit overrides over the process environment over a dotenv file.
// Malformed numbers and durations fall back to the default.
type source struct {
	overrides map[string]string
	systemEnv bool
	dotenv    map[string]string
}

func newSource(o loaderOptions) (*source, error) {
	dotenv, err := readDotEnv(o.envFile)
	if err != nil {
		return nil, err
	}
	return &source{overrides: o.overrides, systemEnv: o.systemEnv, dotenv: dotenv}, nil
}

// readDotEnv parses path without touching the process environment.
func readDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	values, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return values, nil
}

func (s *source) lookup(key string) (string, bool) {
	if v, ok := s.overrides[key]; ok {
		return v, true
	}
	if s.systemEnv {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
	}
	v, ok := s.dotenv[key]
	return v, ok
}

func (s *source) flatten() map[string]string {
	out := maps.Clone(s.dotenv)
	if out == nil {
		out = make(map[string]string)
	}
	if s.systemEnv {
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
				out[k] = v
			}
		}
	}
	maps.Copy(out, s.overrides)
	return out
}

// raw returns the trimmed value, or "" when unset or blank.
func (s *source) raw(key string) string {
	v, _ := s.lookup(key)
	return strings.TrimSpace(v)
}

func (s *source) str(key, def string) string {
	if v := s.raw(key); v != "" {
		return v
	}
	return def
}

func (s *source) dur(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(s.raw(key)); err == nil {
		return d
	}
	return def
}

func (s *source) num(key string, def int) int {
	if n, err := strconv.Atoi(s.raw(key)); err == nil {
		return n
	}
	return def
}

func (s *source) flag(key string, def bool) bool {
	switch strings.ToLower(s.raw(key)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return def
}

// list splits a comma separated value, dropping blanks. Unset yields an empty slice.
func (s *source) list(key string) []string {
	out := []string{}
	for _, part := range strings.Split(s.raw(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// pairs parses "name=value,name=value" with lower-cased names.
func (s *source) pairs(key string) map[string]string {
	out := make(map[string]string)
	for _, entry := range s.list(key) {
		name, value, ok := strings.Cut(entry, "=")
		name, value = strings.ToLower(strings.TrimSpace(name)), strings.TrimSpace(value)
		if ok && name != "" && value != "" {
			out[name] = value
		}
	}
	return out
}
