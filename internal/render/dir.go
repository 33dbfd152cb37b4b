package render

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/schaermu/projectctl/internal/fsutil"
	"github.com/schaermu/projectctl/internal/model"
)

// TemplateSuffix marks files that RenderDir renders instead of copying
const TemplateSuffix = ".tpl"

// RenderDir renders the directory tree at tplDir into destDir depth first.
// Every entry name is rendered as a template first. Files ending in
// TemplateSuffix are rendered and written without the suffix, other files
// are copied unchanged. .git directories are skipped. It returns the
// written files relative to destDir.
func (r *Renderer) RenderDir(tplDir, destDir string, vars any, rctx Context) ([]string, error) {
	info, err := os.Stat(tplDir)
	if err != nil {
		return nil, model.IOError("stat", tplDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", model.ErrTemplateNotFound, tplDir)
	}

	var written []string
	if err := r.renderDir(tplDir, destDir, "", vars, rctx, &written); err != nil {
		return nil, err
	}
	return written, nil
}

func (r *Renderer) renderDir(srcDir, destDir, rel string, vars any, rctx Context, written *[]string) error {
	if err := fsutil.EnsureDir(destDir); err != nil {
		return err
	}

	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return model.IOError("read directory", srcDir, err)
	}

	for _, entry := range entries {
		if entry.Name() == ".git" {
			continue
		}

		name, err := r.RenderString(entry.Name(), vars, rctx)
		if err != nil {
			return err
		}
		if err := validateName(name); err != nil {
			return fmt.Errorf("%w: %s renders to %q: %w", model.ErrTemplateRender, filepath.Join(srcDir, entry.Name()), name, err)
		}

		srcPath := filepath.Join(srcDir, entry.Name())
		info, err := os.Stat(srcPath)
		if err != nil {
			return model.IOError("stat", srcPath, err)
		}

		if info.IsDir() {
			if err := r.renderDir(srcPath, filepath.Join(destDir, name), joinRel(rel, name), vars, rctx, written); err != nil {
				return err
			}
			continue
		}

		if strings.HasSuffix(name, TemplateSuffix) && name != TemplateSuffix {
			name = strings.TrimSuffix(name, TemplateSuffix)
			if _, err := r.Render(srcPath, filepath.Join(destDir, name), vars, rctx); err != nil {
				return err
			}
		} else {
			r.logger.Debug("copying file", "src", srcPath, "dest", filepath.Join(destDir, name))
			if err := fsutil.CopyFile(srcPath, filepath.Join(destDir, name)); err != nil {
				return err
			}
		}
		*written = append(*written, joinRel(rel, name))
	}

	return nil
}

// validateName rejects rendered names that would leave their directory
func validateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("empty name")
	case name == "." || name == "..":
		return fmt.Errorf("reserved name")
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("name contains a path separator")
	}
	return nil
}

func joinRel(rel, name string) string {
	if rel == "" {
		return name
	}
	return rel + "/" + name
}
