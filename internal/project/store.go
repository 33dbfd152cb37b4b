// Package project loads and saves the record of files rendered into a
// project directory.
package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/schaermu/projectctl/internal/fsutil"
	"github.com/schaermu/projectctl/internal/model"
)

const (
	// StateDirName is the hidden directory holding projectctl state
	StateDirName = ".projectctl"
	// StateFileName is the state file inside StateDirName
	StateFileName = "project.json"
)

// OriginResolver looks up the origin remote of a repository
type OriginResolver interface {
	OriginURL(ctx context.Context, dir string) (string, error)
}

// Store reads and writes <root>/.projectctl/project.json
type Store struct {
	root   string
	origin OriginResolver
	logger *slog.Logger
}

// state is the persisted form of a model.Project
type state struct {
	Metadata model.ProjectMetadata          `json:"metadata"`
	Rendered map[string]model.RenderedEntry `json:"rendered"`
}

// NewStore creates a store for the project rooted at root
func NewStore(root string, origin OriginResolver, logger *slog.Logger) *Store {
	return &Store{
		root:   root,
		origin: origin,
		logger: logger,
	}
}

// StatePath returns the path of the state file for a project root
func StatePath(root string) string {
	return filepath.Join(root, StateDirName, StateFileName)
}

// Load reads the project state. Without a state file a new project is
// synthesized from the directory name and its origin remote.
func (s *Store) Load(ctx context.Context) (*model.Project, error) {
	root, err := fsutil.Canonicalize(s.root)
	if err != nil {
		return nil, err
	}

	path := StatePath(root)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Debug("no project state found, creating new project", "root", root)
			return s.synthesize(ctx, root)
		}
		return nil, model.IOError("read", path, err)
	}

	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", model.ErrJSON, path, err)
	}

	p := model.NewProject(root, st.Metadata)
	for key, entry := range st.Rendered {
		p.Rendered[key] = entry
	}
	s.logger.Debug("loaded project state", "path", path, "rendered", len(p.Rendered))
	return p, nil
}

func (s *Store) synthesize(ctx context.Context, root string) (*model.Project, error) {
	name := filepath.Base(root)
	if !utf8.ValidString(name) {
		return nil, fmt.Errorf("%w: %q", model.ErrInvalidUTF8, name)
	}
	if name == "" || name == "." || name == string(filepath.Separator) {
		return nil, fmt.Errorf("%w: %s", model.ErrInvalidProjectName, root)
	}

	metadata := model.ProjectMetadata{Name: name}
	if s.origin != nil {
		if url, err := s.origin.OriginURL(ctx, root); err == nil && url != "" {
			metadata.Repository = &url
		} else if err != nil {
			s.logger.Debug("no repository url for project", "root", root, "error", err)
		}
	}
	return model.NewProject(root, metadata), nil
}

// Save writes the complete project state, replacing the previous file
func (s *Store) Save(p *model.Project) error {
	dir := filepath.Join(p.RootPath, StateDirName)
	if err := fsutil.EnsureDir(dir); err != nil {
		return err
	}

	rendered := p.Rendered
	if rendered == nil {
		rendered = map[string]model.RenderedEntry{}
	}
	data, err := json.MarshalIndent(state{Metadata: p.Metadata, Rendered: rendered}, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode project state: %w", model.ErrJSON, err)
	}

	path := StatePath(p.RootPath)
	if err := fsutil.WriteFileAtomic(path, append(data, '\n'), 0644); err != nil {
		return err
	}
	s.logger.Debug("saved project state", "path", path, "rendered", len(rendered))
	return nil
}
