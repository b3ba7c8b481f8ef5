package catalog

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StaticSource serves a fixed entry list.
type StaticSource []Entry

func (s StaticSource) Load(context.Context) ([]Entry, error) {
	return append([]Entry(nil), s...), nil
}

// FileSource reads entries from a YAML file. JSON is a subset of YAML, so a
// JSON array of {name, reason} objects works too.
//
// Either a bare list or a document with a top-level "drugs" key is accepted.
type FileSource struct {
	Path string
}

type fileDocument struct {
	Drugs []Entry `yaml:"drugs"`
}

func (s FileSource) Load(context.Context) ([]Entry, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	return ParseEntries(data)
}

// ParseEntries decodes a catalog document.
func ParseEntries(data []byte) ([]Entry, error) {
	var list []Entry
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return doc.Drugs, nil
}
