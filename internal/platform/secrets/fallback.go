package secrets

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// fallbackFile is the developer secrets file: reference=value lines, # comments.
// Values are split at the first "=", so references carry no query and one line answers
// every version of that secret.
type fallbackFile struct {
	path string

	once   sync.Once
	values map[string]string
	err    error
}

func (f *fallbackFile) lookup(ref reference) (string, bool, error) {
	f.once.Do(f.load)
	if f.err != nil {
		return "", false, f.err
	}
	v, ok := f.values[ref.canonical]
	return v, ok, nil
}

func (f *fallbackFile) load() {
	f.values = make(map[string]string)

	file, err := os.Open(f.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return
	case err != nil:
		f.err = fmt.Errorf("secrets: open fallback file %s: %w", f.path, err)
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		name, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		ref, err := parseReference(name)
		if err != nil {
			continue
		}
		f.values[ref.canonical] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		f.err = fmt.Errorf("secrets: read %s: %w", f.path, err)
	}
}
