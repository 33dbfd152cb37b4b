// Package engine implements the render, update and scaffold commands on top
// of the source resolver, the renderer and the project store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/schaermu/projectctl/internal/digest"
	"github.com/schaermu/projectctl/internal/fsutil"
	"github.com/schaermu/projectctl/internal/model"
	"github.com/schaermu/projectctl/internal/render"
)

// Resolver turns a template source into a local path
type Resolver interface {
	Resolve(ctx context.Context, src model.Source) (string, error)
}

// Renderer renders template files and directories
type Renderer interface {
	Render(tplPath, destPath string, vars any, rctx render.Context) (model.RenderedFile, error)
	RenderDir(tplDir, destDir string, vars any, rctx render.Context) ([]string, error)
}

// Store loads and saves project state
type Store interface {
	Load(ctx context.Context) (*model.Project, error)
	Save(p *model.Project) error
}

// GitConfig reads the git configuration applying to a directory
type GitConfig interface {
	Config(ctx context.Context, dir string) (map[string]string, error)
}

// Env provides a snapshot of environment variables
type Env interface {
	All() map[string]string
}

// OSEnv reads the process environment
type OSEnv struct{}

// All returns the process environment as a map
func (OSEnv) All() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			env[k] = v
		}
	}
	return env
}

// Deps are the collaborators of an Engine
type Deps struct {
	Resolver  Resolver
	Renderer  Renderer
	Store     Store
	GitConfig GitConfig
	Env       Env
}

// Engine runs commands against one project directory
type Engine struct {
	projectDir string
	resolver   Resolver
	renderer   Renderer
	store      Store
	gitConfig  GitConfig
	env        Env
	logger     *slog.Logger
}

// New creates an engine for the project at projectDir
func New(projectDir string, deps Deps, logger *slog.Logger) *Engine {
	env := deps.Env
	if env == nil {
		env = OSEnv{}
	}
	return &Engine{
		projectDir: projectDir,
		resolver:   deps.Resolver,
		renderer:   deps.Renderer,
		store:      deps.Store,
		gitConfig:  deps.GitConfig,
		env:        env,
		logger:     logger,
	}
}

// Run dispatches cmd
func (e *Engine) Run(ctx context.Context, cmd Command) error {
	switch c := cmd.(type) {
	case RenderCommand:
		return e.Render(ctx, c)
	case UpdateCommand:
		return e.Update(ctx, c)
	case ScaffoldCommand:
		return e.Scaffold(ctx, c)
	default:
		return fmt.Errorf("unsupported command %T", cmd)
	}
}

// Render renders a template into cmd.Dest and records the result in the
// project state. A placeholder file is created at Dest before the template
// is resolved and removed again if rendering fails.
func (e *Engine) Render(ctx context.Context, cmd RenderCommand) (err error) {
	dest := e.absPath(cmd.Dest)
	if err := e.checkLexicallyContained(dest); err != nil {
		return err
	}
	if fsutil.Exists(dest) && !cmd.Force {
		return fmt.Errorf("%w: %s", model.ErrDestExists, dest)
	}

	src, err := cmd.Source()
	if err != nil {
		return err
	}

	project, err := e.store.Load(ctx)
	if err != nil {
		return err
	}

	if err := fsutil.EnsureDir(filepath.Dir(dest)); err != nil {
		return err
	}
	created, err := createPlaceholder(dest)
	if created {
		defer func() {
			if err != nil {
				if rmErr := os.Remove(dest); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
					e.logger.Warn("failed to remove placeholder", "path", dest, "error", rmErr)
				}
			}
		}()
	}
	if err != nil {
		return err
	}

	canonicalDest, rel, err := fsutil.ContainedPath(project.RootPath, dest)
	if err != nil {
		return err
	}

	if local, ok := src.(model.LocalSource); ok {
		src, err = e.relativeLocalSource(project.RootPath, local)
		if err != nil {
			return err
		}
	}

	tplPath, err := e.resolver.Resolve(ctx, src)
	if err != nil {
		return err
	}

	rctx, err := e.renderContext(ctx, project.RootPath, project.Metadata)
	if err != nil {
		return err
	}

	rendered, err := e.renderer.Render(tplPath, canonicalDest, cmd.Vars, rctx)
	if err != nil {
		return err
	}

	project.Rendered[rel] = model.RenderedEntry{File: rendered, Source: src}
	if err := e.store.Save(project); err != nil {
		return err
	}

	e.logger.Info("rendered file",
		"dest", rel,
		"source", src.String(),
		"checksum", rendered.Checksum)
	return nil
}

// Update re-renders every tracked file from its recorded source and
// variables. Files edited since their last render are skipped unless
// cmd.Force is set. The project is saved once after all entries succeed.
func (e *Engine) Update(ctx context.Context, cmd UpdateCommand) error {
	project, err := e.store.Load(ctx)
	if err != nil {
		return err
	}

	rctx, err := e.renderContext(ctx, project.RootPath, project.Metadata)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(project.Rendered))
	for key := range project.Rendered {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var updated, skipped int
	for _, key := range keys {
		entry := project.Rendered[key]

		dest, err := e.trackedPath(project.RootPath, key)
		if err != nil {
			return err
		}

		if fsutil.Exists(dest) && !cmd.Force {
			sum, err := digest.HashFile(dest)
			if err != nil {
				return model.IOError("hash", dest, err)
			}
			if sum != entry.File.Checksum {
				e.logger.Warn("file was modified since last render, skipping (use --force to overwrite)",
					"file", key)
				skipped++
				continue
			}
		}

		tplPath, err := e.resolver.Resolve(ctx, entry.Source)
		if err != nil {
			return fmt.Errorf("failed to update %s: %w", key, err)
		}

		rendered, err := e.renderer.Render(tplPath, dest, entry.File.Vars, rctx)
		if err != nil {
			return fmt.Errorf("failed to update %s: %w", key, err)
		}

		project.Rendered[key] = model.RenderedEntry{File: rendered, Source: entry.Source}
		updated++
		e.logger.Info("updated file", "file", key, "checksum", rendered.Checksum)
	}

	if err := e.store.Save(project); err != nil {
		return err
	}

	e.logger.Info("update completed", "updated", updated, "skipped", skipped)
	return nil
}

// Scaffold renders a template directory into cmd.Dest. Local template
// directories may live anywhere and the written files are not tracked.
func (e *Engine) Scaffold(ctx context.Context, cmd ScaffoldCommand) error {
	dest := e.absPath(cmd.Dest)
	if fsutil.Exists(dest) && !cmd.Force {
		return fmt.Errorf("%w: %s", model.ErrDestExists, dest)
	}

	src, err := cmd.Source()
	if err != nil {
		return err
	}

	var tplDir string
	if local, ok := src.(model.LocalSource); ok {
		tplDir, err = fsutil.Canonicalize(e.absPath(local.Path))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%w: %s", model.ErrTemplateNotFound, local.Path)
			}
			return err
		}
	} else {
		tplDir, err = e.resolver.Resolve(ctx, src)
		if err != nil {
			return err
		}
	}

	if err := fsutil.EnsureDir(dest); err != nil {
		return err
	}
	canonicalDest, err := fsutil.Canonicalize(dest)
	if err != nil {
		return err
	}

	rctx, err := e.renderContext(ctx, canonicalDest, model.ProjectMetadata{Name: filepath.Base(canonicalDest)})
	if err != nil {
		return err
	}

	written, err := e.renderer.RenderDir(tplDir, canonicalDest, cmd.Vars, rctx)
	if err != nil {
		return err
	}

	e.logger.Info("scaffolded project",
		"dest", canonicalDest,
		"source", src.String(),
		"files", len(written))
	return nil
}

func (e *Engine) renderContext(ctx context.Context, dir string, metadata model.ProjectMetadata) (render.Context, error) {
	var gitConfig map[string]string
	if e.gitConfig != nil {
		cfg, err := e.gitConfig.Config(ctx, dir)
		if err != nil {
			return render.Context{}, err
		}
		gitConfig = cfg
	}
	return render.Context{
		Env:     e.env.All(),
		Git:     gitConfig,
		Project: metadata,
	}, nil
}

// absPath resolves p against the project directory
func (e *Engine) absPath(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(e.projectDir, p)
}

// checkLexicallyContained rejects destinations that leave the project
// before anything is created on disk. Symlink escapes are caught after the
// placeholder exists.
func (e *Engine) checkLexicallyContained(dest string) error {
	root, err := filepath.Abs(e.projectDir)
	if err != nil {
		return model.IOError("resolve", e.projectDir, err)
	}
	abs, err := filepath.Abs(dest)
	if err != nil {
		return model.IOError("resolve", dest, err)
	}
	if _, err := fsutil.RelativeTo(root, abs); err != nil {
		return err
	}
	return nil
}

// relativeLocalSource stores local template paths relative to the project
// root so the project can be moved.
func (e *Engine) relativeLocalSource(root string, src model.LocalSource) (model.Source, error) {
	tplPath := e.absPath(src.Path)
	if !fsutil.Exists(tplPath) {
		// The resolver reports the missing template.
		return src, nil
	}
	_, rel, err := fsutil.ContainedPath(root, tplPath)
	if err != nil {
		return nil, err
	}
	return model.LocalSource{Path: rel}, nil
}

// trackedPath maps a state key to its destination and checks it stays in
// the project, following symlinks in the existing part of the path.
func (e *Engine) trackedPath(root, key string) (string, error) {
	rel, ok := model.CleanRelPath(key)
	if !ok {
		return "", &model.OutsideProjectError{Path: key}
	}
	dest := filepath.Join(root, filepath.FromSlash(rel))

	// Walk up to the deepest existing ancestor and check its canonical form.
	existing := dest
	for !fsutil.Exists(existing) {
		existing = filepath.Dir(existing)
	}
	if existing == root {
		return dest, nil
	}
	canonical, err := fsutil.Canonicalize(existing)
	if err != nil {
		return "", err
	}
	if _, err := fsutil.RelativeTo(root, canonical); err != nil {
		return "", &model.OutsideProjectError{Path: dest}
	}
	return dest, nil
}

func createPlaceholder(path string) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, model.IOError("create", path, err)
	}
	if err := f.Close(); err != nil {
		return true, model.IOError("close", path, err)
	}
	return true, nil
}
