package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// source is the merged environment. Typed getters fall back to their default for
// unset or blank keys and record keys whose values do not parse.
type source struct {
	values    map[string]string
	malformed []string
}

func newSource(o loaderOptions) (*source, error) {
	values, err := readDotEnv(o.envFile)
	if err != nil {
		return nil, err
	}
	if o.useSystemEnv {
		for _, entry := range os.Environ() {
			if key, value, ok := strings.Cut(entry, "="); ok && strings.TrimSpace(key) != "" {
				values[key] = value
			}
		}
	}
	maps.Copy(values, o.envMap)
	return &source{values: values}, nil
}

func readDotEnv(path string) (map[string]string, error) {
	values := make(map[string]string)
	if path == "" {
		return values, nil
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	parsed, err := godotenv.Read(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return values, nil
	case err != nil:
		return nil, fmt.Errorf("config: unable to read %s: %w", path, err)
	}
	maps.Copy(values, parsed)
	return values, nil
}

func (s *source) snapshot() map[string]string {
	return maps.Clone(s.values)
}

func (s *source) raw(key string) (string, bool) {
	value := strings.TrimSpace(s.values[key])
	return value, value != ""
}

func (s *source) str(key, fallback string) string {
	if value, ok := s.raw(key); ok {
		return value
	}
	return fallback
}

func (s *source) duration(key string, fallback time.Duration) time.Duration {
	value, ok := s.raw(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		s.malformed = append(s.malformed, key)
		return fallback
	}
	return d
}

func (s *source) integer(key string, fallback int) int {
	value, ok := s.raw(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		s.malformed = append(s.malformed, key)
		return fallback
	}
	return n
}

func (s *source) boolean(key string, fallback bool) bool {
	value, ok := s.raw(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(value) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	s.malformed = append(s.malformed, key)
	return fallback
}
