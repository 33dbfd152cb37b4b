// Package source resolves template source descriptors to local paths.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/schaermu/projectctl/internal/digest"
	"github.com/schaermu/projectctl/internal/fsutil"
	"github.com/schaermu/projectctl/internal/git"
	"github.com/schaermu/projectctl/internal/model"
)

const tmpDirPattern = "projectctl-*"

// Options configures a Resolver
type Options struct {
	// ReposDir holds one clone per template repository, named by the hash of its URL
	ReposDir string
	// ProjectDir is the root that local templates must live in
	ProjectDir string
	// UserAgent is sent with URL downloads
	UserAgent string
	// HTTPClient defaults to http.DefaultClient
	HTTPClient *http.Client
}

// Resolver turns a model.Source into a path on the local filesystem
type Resolver struct {
	git        git.Client
	httpClient *http.Client
	reposDir   string
	projectDir string
	userAgent  string
	logger     *slog.Logger

	tmpDir string
}

// NewResolver creates a resolver. Call Close to remove downloaded templates.
func NewResolver(gitClient git.Client, opts Options, logger *slog.Logger) *Resolver {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Resolver{
		git:        gitClient,
		httpClient: httpClient,
		reposDir:   opts.ReposDir,
		projectDir: opts.ProjectDir,
		userAgent:  opts.UserAgent,
		logger:     logger,
	}
}

// Resolve returns the local path of the template described by src
func (r *Resolver) Resolve(ctx context.Context, src model.Source) (string, error) {
	switch s := src.(type) {
	case model.GitSource:
		return r.ResolveGit(ctx, s)
	case model.URLSource:
		return r.Download(ctx, s.URL)
	case model.LocalSource:
		if s.Path == "" {
			return "", model.ErrMissingTemplate
		}
		return r.ResolveLocal(s.Path)
	case nil:
		return "", fmt.Errorf("no template source given")
	default:
		return "", fmt.Errorf("unsupported template source %T", src)
	}
}

// RepoDir returns the cache directory of the repository at url
func (r *Resolver) RepoDir(url string) string {
	return filepath.Join(r.reposDir, digest.HashString(url))
}

// ResolveGit checks out src.Revision into the repository cache and returns
// the path of src.TemplatePath inside the checkout. The path may name a file
// or a directory.
func (r *Resolver) ResolveGit(ctx context.Context, src model.GitSource) (string, error) {
	if src.TemplatePath == "" {
		return "", model.ErrMissingTemplate
	}
	rel, ok := model.CleanRelPath(src.TemplatePath)
	if !ok {
		return "", fmt.Errorf("%w: %s escapes the repository", model.ErrTemplateNotFound, src.TemplatePath)
	}

	if err := fsutil.EnsureDir(r.reposDir); err != nil {
		return "", err
	}

	repoDir := r.RepoDir(src.URL)
	r.logger.Debug("checking out template repository",
		"url", src.URL,
		"revision", src.Revision.String(),
		"dir", repoDir)

	commit, err := r.git.EnsureCheckout(ctx, src.URL, src.Revision, repoDir)
	if err != nil {
		return "", err
	}
	r.logger.Info("template repository checked out", "url", src.URL, "commit", commit)

	tplPath := filepath.Join(repoDir, filepath.FromSlash(rel))
	if _, err := os.Stat(tplPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s in %s", model.ErrTemplateNotFound, rel, src.URL)
		}
		return "", model.IOError("stat", tplPath, err)
	}
	return tplPath, nil
}

// Download fetches url into the resolver's temporary directory and returns
// the file path. Every call downloads again.
func (r *Resolver) Download(ctx context.Context, url string) (string, error) {
	dir, err := r.ensureTmpDir()
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: build request for %s: %w", model.ErrHTTP, url, err)
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}

	r.logger.Debug("downloading template", "url", url)
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: get %s: %w", model.ErrHTTP, url, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("%w: %s", model.ErrTemplateNotFound, url)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", fmt.Errorf("%w: get %s: unexpected status %s", model.ErrHTTP, url, resp.Status)
	}

	dest := filepath.Join(dir, digest.HashString(url))
	f, err := os.Create(dest)
	if err != nil {
		return "", model.IOError("create", dest, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("%w: read body of %s: %w", model.ErrHTTP, url, err)
	}
	if err := f.Close(); err != nil {
		return "", model.IOError("close", dest, err)
	}
	return dest, nil
}

// ResolveLocal returns the canonical path of a template stored in the
// project. Relative paths are taken from the project directory. Paths that
// leave the project, lexically or through a symlink, fail with
// *model.OutsideProjectError.
func (r *Resolver) ResolveLocal(path string) (string, error) {
	root, err := filepath.Abs(r.projectDir)
	if err != nil {
		return "", model.IOError("resolve", r.projectDir, err)
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	path = filepath.Clean(path)

	if rel, err := filepath.Rel(root, path); err != nil {
		return "", &model.OutsideProjectError{Path: path}
	} else if _, ok := model.CleanRelPath(filepath.ToSlash(rel)); !ok {
		return "", &model.OutsideProjectError{Path: path}
	}

	if _, err := os.Lstat(path); errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", model.ErrTemplateNotFound, path)
	}

	canonical, _, err := fsutil.ContainedPath(root, path)
	if err != nil {
		var outside *model.OutsideProjectError
		if !errors.As(err, &outside) && errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", model.ErrTemplateNotFound, path)
		}
		return "", err
	}
	return canonical, nil
}

// Close removes downloaded templates
func (r *Resolver) Close() error {
	if r.tmpDir == "" {
		return nil
	}
	dir := r.tmpDir
	r.tmpDir = ""
	if err := os.RemoveAll(dir); err != nil {
		return model.IOError("remove", dir, err)
	}
	return nil
}

func (r *Resolver) ensureTmpDir() (string, error) {
	if r.tmpDir != "" {
		return r.tmpDir, nil
	}
	dir, err := os.MkdirTemp("", tmpDirPattern)
	if err != nil {
		return "", model.IOError("create temp directory", os.TempDir(), err)
	}
	r.tmpDir = dir
	return dir, nil
}
