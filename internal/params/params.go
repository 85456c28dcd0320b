// Package params reads and writes the pipeline's JSON parameter document.
//
// The document is opaque apart from its top-level shape: it must be a JSON
// object carrying the configured required keys. Values are never validated.
// Writes go through a temp file and rename so the pipeline never reads a
// half-written document.
package params

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"conewatch/internal/config"
	"conewatch/internal/fileutil"
)

//go:embed default_params.json
var defaultDocument []byte

var (
	// ErrNotFound reports that the parameter document does not exist.
	ErrNotFound = errors.New("configuration file not found")
	// ErrInvalidDocument reports a body that is not a JSON object.
	ErrInvalidDocument = errors.New("parameter document must be a JSON object")
	// ErrMissingKey reports an absent required top-level key.
	ErrMissingKey = errors.New("missing required key")
)

// Document is a decoded parameter document. Numbers are kept as json.Number
// so round trips preserve their textual form.
type Document map[string]any

// Store manages the parameter document on disk.
type Store struct {
	path         string
	requiredKeys []string
}

// NewStore returns a Store for the configured params file.
func NewStore(cfg *config.Config) *Store {
	return &Store{
		path:         cfg.Paths.ParamsFile,
		requiredKeys: append([]string(nil), cfg.Params.RequiredKeys...),
	}
}

// Path returns the document location.
func (s *Store) Path() string { return s.path }

// Load reads and decodes the document.
func (s *Store) Load() (Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, s.path)
		}
		return nil, fmt.Errorf("read params: %w", err)
	}
	return Decode(data)
}

// Save validates doc's required keys and writes it with two-space indents.
func (s *Store) Save(doc Document) error {
	if doc == nil {
		return ErrInvalidDocument
	}
	for _, key := range s.requiredKeys {
		if _, ok := doc[key]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingKey, key)
		}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	data = append(data, '\n')
	if err := fileutil.WriteFileAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write params: %w", err)
	}
	return nil
}

// RestoreDefaults overwrites the document with the built-in defaults and
// returns them.
func (s *Store) RestoreDefaults() (Document, error) {
	doc, err := Defaults()
	if err != nil {
		return nil, err
	}
	if err := s.Save(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Defaults returns a fresh copy of the built-in default document.
func Defaults() (Document, error) {
	return Decode(defaultDocument)
}

// Decode parses data as a parameter document.
func Decode(data []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, ErrInvalidDocument
	}
	return Document(obj), nil
}
