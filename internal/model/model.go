// Package model defines the persisted project state and the template source
// descriptors shared by the resolver, renderer, store and engine.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"strings"
)

// ProjectMetadata describes the project a set of rendered files belongs to
type ProjectMetadata struct {
	Name        string  `json:"name"`
	Description *string `json:"description"`
	Repository  *string `json:"repository"`
}

// Project is the in-memory view of a project for one command invocation.
// Keys of Rendered are slash separated paths relative to RootPath.
type Project struct {
	Metadata ProjectMetadata
	RootPath string
	Rendered map[string]RenderedEntry
}

// NewProject returns a project with an empty rendered map
func NewProject(root string, metadata ProjectMetadata) *Project {
	return &Project{
		Metadata: metadata,
		RootPath: root,
		Rendered: make(map[string]RenderedEntry),
	}
}

// RenderedFile records the outcome of the last successful render of a file
type RenderedFile struct {
	Checksum string `json:"checksum"`
	Vars     any    `json:"vars"`
}

// RenderedEntry ties a rendered file to the template source it came from
type RenderedEntry struct {
	File   RenderedFile
	Source Source
}

type renderedEntryJSON struct {
	File     RenderedFile    `json:"file"`
	Template json.RawMessage `json:"template"`
}

// MarshalJSON encodes the entry with its source under the "template" key
func (e RenderedEntry) MarshalJSON() ([]byte, error) {
	src, err := MarshalSource(e.Source)
	if err != nil {
		return nil, err
	}
	return json.Marshal(renderedEntryJSON{File: e.File, Template: src})
}

// UnmarshalJSON decodes an entry, preserving numbers in vars exactly
func (e *RenderedEntry) UnmarshalJSON(data []byte) error {
	var raw struct {
		File struct {
			Checksum string          `json:"checksum"`
			Vars     json.RawMessage `json:"vars"`
		} `json:"file"`
		Template json.RawMessage `json:"template"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	vars, err := DecodeVars(raw.File.Vars)
	if err != nil {
		return fmt.Errorf("invalid vars: %w", err)
	}
	src, err := UnmarshalSource(raw.Template)
	if err != nil {
		return err
	}

	e.File = RenderedFile{Checksum: raw.File.Checksum, Vars: vars}
	e.Source = src
	return nil
}

// DecodeVars decodes a JSON document keeping numbers as json.Number so that
// persisted variables round-trip byte for byte. Empty input decodes to nil.
func DecodeVars(data []byte) (any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("unexpected data after JSON value")
	}
	return v, nil
}

// CleanRelPath normalises a project relative path to its slash separated
// form. It reports false when the path is absolute or escapes its root.
func CleanRelPath(p string) (string, bool) {
	p = strings.ReplaceAll(p, "\\", "/")
	if p == "" || strings.HasPrefix(p, "/") {
		return "", false
	}
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}
	return cleaned, true
}
