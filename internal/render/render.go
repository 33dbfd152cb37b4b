// Package render renders pongo2 templates into project files.
//
// Templates see four top-level values: env (process environment), git (git
// configuration with dots in keys replaced by underscores), project (the
// project metadata) and var (the caller supplied JSON value).
package render

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/flosch/pongo2/v6"

	"github.com/schaermu/projectctl/internal/digest"
	"github.com/schaermu/projectctl/internal/fsutil"
	"github.com/schaermu/projectctl/internal/model"
)

// Context is the environment a template is rendered in
type Context struct {
	Env     map[string]string
	Git     map[string]string
	Project model.ProjectMetadata
}

// Renderer renders template files with pongo2
type Renderer struct {
	logger *slog.Logger
}

// New creates a renderer and registers the json_encode filters
func New(logger *slog.Logger) *Renderer {
	registerFilters()
	return &Renderer{logger: logger}
}

// Render renders the template at tplPath into destPath, replacing any
// existing content. It returns the checksum of the written file together
// with vars.
func (r *Renderer) Render(tplPath, destPath string, vars any, rctx Context) (model.RenderedFile, error) {
	tpl, err := r.parseFile(tplPath)
	if err != nil {
		return model.RenderedFile{}, err
	}

	data, err := r.context(vars, rctx)
	if err != nil {
		return model.RenderedFile{}, err
	}

	r.logger.Debug("rendering template", "template", tplPath, "dest", destPath)
	out, err := tpl.ExecuteBytes(data)
	if err != nil {
		return model.RenderedFile{}, fmt.Errorf("%w: render %s: %w", model.ErrTemplateRender, tplPath, err)
	}

	if err := fsutil.EnsureDir(filepath.Dir(destPath)); err != nil {
		return model.RenderedFile{}, err
	}
	if err := fsutil.WriteFileAtomic(destPath, out, 0644); err != nil {
		return model.RenderedFile{}, err
	}

	checksum, err := digest.HashFile(destPath)
	if err != nil {
		return model.RenderedFile{}, model.IOError("hash", destPath, err)
	}
	return model.RenderedFile{Checksum: checksum, Vars: vars}, nil
}

// RenderString renders a template given as a string, used for file names
func (r *Renderer) RenderString(src string, vars any, rctx Context) (string, error) {
	tpl, err := pongo2.FromString(src)
	if err != nil {
		return "", fmt.Errorf("%w: parse %q: %w", model.ErrTemplateRender, src, err)
	}
	data, err := r.context(vars, rctx)
	if err != nil {
		return "", err
	}
	out, err := tpl.Execute(data)
	if err != nil {
		return "", fmt.Errorf("%w: render %q: %w", model.ErrTemplateRender, src, err)
	}
	return out, nil
}

// parseFile loads tplPath through a template set rooted at its directory so
// include and extends tags resolve next to the template.
func (r *Renderer) parseFile(tplPath string) (*pongo2.Template, error) {
	if _, err := os.Stat(tplPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", model.ErrTemplateNotFound, tplPath)
		}
		return nil, model.IOError("stat", tplPath, err)
	}

	loader, err := pongo2.NewLocalFileSystemLoader(filepath.Dir(tplPath))
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %w", model.ErrTemplateRender, tplPath, err)
	}
	set := pongo2.NewSet("projectctl", loader)

	tpl, err := set.FromFile(filepath.Base(tplPath))
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", model.ErrTemplateRender, tplPath, err)
	}
	return tpl, nil
}

func (r *Renderer) context(vars any, rctx Context) (pongo2.Context, error) {
	v, err := normalize(vars)
	if err != nil {
		return nil, fmt.Errorf("%w: variables: %w", model.ErrJSON, err)
	}
	project, err := normalize(rctx.Project)
	if err != nil {
		return nil, fmt.Errorf("%w: project metadata: %w", model.ErrJSON, err)
	}

	return pongo2.Context{
		"env":     stringMap(rctx.Env),
		"git":     stringMap(rctx.Git),
		"project": project,
		"var":     v,
	}, nil
}

func stringMap(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Float is a non-integral variable value. pongo2 prints plain floats with six
// decimals; Float prints the shortest decimal that round-trips instead.
type Float float64

func (f Float) String() string {
	return strconv.FormatFloat(float64(f), 'f', -1, 64)
}

// normalize turns v into plain maps, slices and scalars by a JSON round trip.
// Integral numbers become int64 and other numbers Float, so both print the
// way they were written.
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	decoded, err := model.DecodeVars(b)
	if err != nil {
		return nil, err
	}
	return normalizeNumbers(decoded), nil
}

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeNumbers(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = normalizeNumbers(val)
		}
		return t
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		if f == math.Trunc(f) && math.Abs(f) < math.MaxInt64 {
			return int64(f)
		}
		return Float(f)
	default:
		return v
	}
}
