package rules

import (
	"bytes"
	"errors"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/boddenberg/fundflow-forensics/internal/domain"
)

// Parse decodes a YAML rule file over the built-in defaults and compiles it.
// Keys absent from the document keep their default; an explicit empty list
// replaces the default and disables the rule.
func Parse(data []byte) (*Tables, error) {
	f := DefaultFile()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
	}
	return Compile(f)
}

// Load reads and parses the rule file at path. An empty path yields the
// defaults.
func Load(path string) (*Tables, error) {
	if path == "" {
		return Defaults(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &domain.ErrRuleFile{Path: path, Err: err}
	}
	t, err := Parse(data)
	if err != nil {
		return nil, &domain.ErrRuleFile{Path: path, Err: err}
	}
	return t, nil
}

// Marshal renders the tables' source file as YAML.
func Marshal(t *Tables) ([]byte, error) {
	return yaml.Marshal(t.Source())
}
