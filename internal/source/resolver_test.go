package source

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/projectctl/internal/digest"
	"github.com/schaermu/projectctl/internal/git"
	"github.com/schaermu/projectctl/internal/model"
	"github.com/schaermu/projectctl/internal/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// mockGitClient implements git.Client for testing.
type mockGitClient struct {
	commit    string
	err       error
	gotURL    string
	gotRev    model.Revision
	gotDir    string
	repoSetup func(destDir string)
}

func (m *mockGitClient) EnsureCheckout(_ context.Context, url string, rev model.Revision, destDir string) (string, error) {
	m.gotURL, m.gotRev, m.gotDir = url, rev, destDir
	if m.repoSetup != nil {
		m.repoSetup(destDir)
	}
	return m.commit, m.err
}

func (m *mockGitClient) OriginURL(context.Context, string) (string, error) {
	return "", errors.New("not implemented")
}

func (m *mockGitClient) Config(context.Context, string) (map[string]string, error) {
	return map[string]string{}, nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestResolveGit_UsesHashedCacheDir(t *testing.T) {
	reposDir := filepath.Join(t.TempDir(), "repositories")
	mock := &mockGitClient{
		commit: "abc123",
		repoSetup: func(destDir string) {
			writeFile(t, filepath.Join(destDir, "tpl", "a.txt"), "hello")
		},
	}
	r := NewResolver(mock, Options{ReposDir: reposDir}, testLogger())

	src := model.GitSource{URL: "https://example.com/t.git", TemplatePath: "tpl/a.txt", Revision: model.Tag("v1")}
	got, err := r.Resolve(context.Background(), src)
	require.NoError(t, err)

	wantDir := filepath.Join(reposDir, digest.HashString(src.URL))
	assert.Equal(t, wantDir, mock.gotDir)
	assert.Equal(t, src.URL, mock.gotURL)
	assert.Equal(t, model.Tag("v1"), mock.gotRev)
	assert.Equal(t, filepath.Join(wantDir, "tpl", "a.txt"), got)
}

func TestResolveGit_Errors(t *testing.T) {
	tests := []struct {
		name    string
		src     model.GitSource
		mock    *mockGitClient
		wantErr error
	}{
		{
			name:    "missing template path",
			src:     model.GitSource{URL: "https://example.com/t.git"},
			mock:    &mockGitClient{},
			wantErr: model.ErrMissingTemplate,
		},
		{
			name:    "template path escapes repository",
			src:     model.GitSource{URL: "https://example.com/t.git", TemplatePath: "../x"},
			mock:    &mockGitClient{},
			wantErr: model.ErrTemplateNotFound,
		},
		{
			name: "template missing from checkout",
			src:  model.GitSource{URL: "https://example.com/t.git", TemplatePath: "nope.txt"},
			mock: &mockGitClient{repoSetup: func(destDir string) {
				require.NoError(t, os.MkdirAll(destDir, 0755))
			}},
			wantErr: model.ErrTemplateNotFound,
		},
		{
			name:    "checkout fails",
			src:     model.GitSource{URL: "https://example.com/t.git", TemplatePath: "a.txt"},
			mock:    &mockGitClient{err: model.ErrGit},
			wantErr: model.ErrGit,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(tt.mock, Options{ReposDir: t.TempDir()}, testLogger())
			_, err := r.Resolve(context.Background(), tt.src)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestResolveGit_TagWithRealRepository(t *testing.T) {
	remote := t.TempDir()
	testutil.InitRepo(t, remote, "main")
	testutil.CommitFile(t, remote, "tpl.txt", "v1 {{ var.name }}\n", "v1")
	testutil.Git(t, remote, "tag", "v1")
	testutil.CommitFile(t, remote, "tpl.txt", "main {{ var.name }}\n", "main")

	r := NewResolver(git.NewShellClient("", ""), Options{ReposDir: t.TempDir()}, testLogger())
	path, err := r.ResolveGit(context.Background(), model.GitSource{URL: remote, TemplatePath: "tpl.txt", Revision: model.Tag("v1")})
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "v1 {{ var.name }}\n", string(content))
}

func TestDownload(t *testing.T) {
	var gotAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotAgent = req.UserAgent()
		switch req.URL.Path {
		case "/tpl":
			_, _ = io.WriteString(w, "hello {{ var.name }}")
		case "/boom":
			http.Error(w, "boom", http.StatusInternalServerError)
		default:
			http.NotFound(w, req)
		}
	}))
	defer srv.Close()

	r := NewResolver(&mockGitClient{}, Options{UserAgent: "projectctl-test", HTTPClient: srv.Client()}, testLogger())
	defer func() {
		_ = r.Close()
	}()

	ctx := context.Background()
	path, err := r.Resolve(ctx, model.URLSource{URL: srv.URL + "/tpl"})
	require.NoError(t, err)
	assert.Equal(t, digest.HashString(srv.URL+"/tpl"), filepath.Base(path))
	assert.Equal(t, "projectctl-test", gotAgent)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello {{ var.name }}", string(content))

	_, err = r.Download(ctx, srv.URL+"/missing")
	assert.ErrorIs(t, err, model.ErrTemplateNotFound)

	_, err = r.Download(ctx, srv.URL+"/boom")
	assert.ErrorIs(t, err, model.ErrHTTP)

	_, err = r.Download(ctx, "http://127.0.0.1:0/unreachable")
	assert.ErrorIs(t, err, model.ErrHTTP)
}

func TestDownload_CloseRemovesTempDir(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "x")
	}))
	defer srv.Close()

	r := NewResolver(&mockGitClient{}, Options{HTTPClient: srv.Client()}, testLogger())
	path, err := r.Download(context.Background(), srv.URL)
	require.NoError(t, err)
	require.FileExists(t, path)

	require.NoError(t, r.Close())
	assert.NoDirExists(t, filepath.Dir(path))
	assert.NoError(t, r.Close())
}

func TestResolveLocal(t *testing.T) {
	project := t.TempDir()
	outside := t.TempDir()
	writeFile(t, filepath.Join(project, "templates", "a.tpl"), "a")
	writeFile(t, filepath.Join(outside, "secret.tpl"), "secret")
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret.tpl"), filepath.Join(project, "link.tpl")))
	require.NoError(t, os.Symlink(outside, filepath.Join(project, "linkdir")))

	canonicalProject, err := filepath.EvalSymlinks(project)
	require.NoError(t, err)

	r := NewResolver(&mockGitClient{}, Options{ProjectDir: project}, testLogger())

	got, err := r.Resolve(context.Background(), model.LocalSource{Path: "templates/a.tpl"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(canonicalProject, "templates", "a.tpl"), got)

	got, err = r.ResolveLocal(filepath.Join(project, "templates", "a.tpl"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(canonicalProject, "templates", "a.tpl"), got)

	outsidePaths := []string{
		"../" + filepath.Base(outside) + "/secret.tpl",
		"templates/../../x.tpl",
		"link.tpl",
		"linkdir/secret.tpl",
		filepath.Join(outside, "secret.tpl"),
		".",
	}
	for _, p := range outsidePaths {
		t.Run(p, func(t *testing.T) {
			_, err := r.ResolveLocal(p)
			var outsideErr *model.OutsideProjectError
			assert.ErrorAs(t, err, &outsideErr)
		})
	}

	_, err = r.ResolveLocal("templates/missing.tpl")
	assert.ErrorIs(t, err, model.ErrTemplateNotFound)

	_, err = r.Resolve(context.Background(), model.LocalSource{})
	assert.ErrorIs(t, err, model.ErrMissingTemplate)
}

func TestResolve_NilSource(t *testing.T) {
	r := NewResolver(&mockGitClient{}, Options{}, testLogger())
	_, err := r.Resolve(context.Background(), nil)
	assert.Error(t, err)
}
