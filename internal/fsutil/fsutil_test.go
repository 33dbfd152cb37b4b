package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/schaermu/projectctl/internal/model"
)

func TestContainedPath(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "project")
	outside := filepath.Join(base, "outside")
	for _, dir := range []string{filepath.Join(root, "a"), outside} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
	}
	for _, f := range []string{filepath.Join(root, "a", "b.txt"), filepath.Join(outside, "secret.txt")} {
		if err := os.WriteFile(f, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Symlink(outside, filepath.Join(root, "escape")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(root, "a"), filepath.Join(root, "inner")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name        string
		path        string
		wantRel     string
		wantOutside bool
	}{
		{name: "inside", path: filepath.Join(root, "a", "b.txt"), wantRel: "a/b.txt"},
		{name: "inside via symlink", path: filepath.Join(root, "inner", "b.txt"), wantRel: "a/b.txt"},
		{name: "dot dot traversal", path: filepath.Join(root, "a", "..", "..", "outside", "secret.txt"), wantOutside: true},
		{name: "symlink escape", path: filepath.Join(root, "escape", "secret.txt"), wantOutside: true},
		{name: "root itself", path: root, wantOutside: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, rel, err := ContainedPath(root, tt.path)
			if tt.wantOutside {
				var outsideErr *model.OutsideProjectError
				if !errors.As(err, &outsideErr) {
					t.Fatalf("expected OutsideProjectError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rel != tt.wantRel {
				t.Errorf("rel = %q, want %q", rel, tt.wantRel)
			}
		})
	}
}

func TestContainedPath_Missing(t *testing.T) {
	root := t.TempDir()
	_, _, err := ContainedPath(root, filepath.Join(root, "missing"))
	if !errors.Is(err, model.ErrIO) || !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected i/o not-exist error, got %v", err)
	}
}

func TestRelativeToProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)
	root := filepath.FromSlash("/project/root")

	properties.Property("relative results never escape the root", prop.ForAll(
		func(parts []string) bool {
			p := filepath.Join(append([]string{root}, parts...)...)
			rel, err := RelativeTo(root, p)
			if err != nil {
				return true
			}
			return !strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel) &&
				filepath.Join(root, filepath.FromSlash(rel)) == p
		},
		gen.SliceOf(gen.OneConstOf("a", "b", "..", ".", "c.txt")),
	))

	properties.TestingRun(t)
}

func TestWriteFileAtomic(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "out.txt")

	if err := WriteFileAtomic(dst, []byte("one"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(dst, 0640); err != nil {
		t.Fatal(err)
	}
	if err := WriteFileAtomic(dst, []byte("two"), 0600); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "two" {
		t.Errorf("content = %q, want two", got)
	}
	info, err := os.Stat(dst)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0640 {
		t.Errorf("mode = %v, want existing 0640 kept", info.Mode().Perm())
	}

	entries, err := os.ReadDir(filepath.Dir(dst))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected temp files to be cleaned up, found %d entries", len(entries))
	}
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.sh")
	if err := os.WriteFile(src, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}

	dst := filepath.Join(dir, "nested", "dst.sh")
	if err := CopyFile(src, dst); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "#!/bin/sh\n" {
		t.Errorf("content = %q", got)
	}
	info, err := os.Stat(dst)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0755 {
		t.Errorf("mode = %v, want 0755", info.Mode().Perm())
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	got, err := ExpandHome("~/.projectctl")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(home, ".projectctl"); got != want {
		t.Errorf("ExpandHome = %q, want %q", got, want)
	}

	if got, _ := ExpandHome("/abs/path"); got != "/abs/path" {
		t.Errorf("absolute path changed: %q", got)
	}
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	if !Exists(dir) {
		t.Error("temp dir should exist")
	}
	if Exists(filepath.Join(dir, "nope")) {
		t.Error("missing file should not exist")
	}
}
