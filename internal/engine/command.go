package engine

import (
	"fmt"

	"github.com/schaermu/projectctl/internal/model"
)

// Command is a unit of work for Engine.Run. It is implemented by
// RenderCommand, UpdateCommand and ScaffoldCommand.
type Command interface {
	isCommand()
}

// RenderCommand renders a single template into Dest and tracks it
type RenderCommand struct {
	// Dest is the destination file, relative to the project directory unless absolute
	Dest string
	// Force overwrites an existing Dest
	Force bool
	Kind  model.SourceKind
	// URL of the git repository or the template download
	URL      string
	Revision model.Revision
	// TemplatePath is the template inside the git repository, or the local
	// template path
	TemplatePath string
	Vars         any
}

// UpdateCommand re-renders every tracked file from its recorded source
type UpdateCommand struct {
	// Force re-renders files that were edited since they were last rendered
	Force bool
}

// ScaffoldCommand renders a template directory into Dest without tracking
// the written files
type ScaffoldCommand struct {
	Dest         string
	Force        bool
	Kind         model.SourceKind
	URL          string
	Revision     model.Revision
	TemplatePath string
	Vars         any
}

func (RenderCommand) isCommand()   {}
func (UpdateCommand) isCommand()   {}
func (ScaffoldCommand) isCommand() {}

// Source builds the template source described by the command
func (c RenderCommand) Source() (model.Source, error) {
	return buildSource(c.Kind, c.URL, c.Revision, c.TemplatePath)
}

// Source builds the template source described by the command
func (c ScaffoldCommand) Source() (model.Source, error) {
	if c.Kind == model.SourceURL {
		return nil, fmt.Errorf("url sources cannot be scaffolded, use a git or local template directory")
	}
	return buildSource(c.Kind, c.URL, c.Revision, c.TemplatePath)
}

func buildSource(kind model.SourceKind, url string, rev model.Revision, templatePath string) (model.Source, error) {
	switch kind {
	case model.SourceGit:
		if url == "" {
			return nil, fmt.Errorf("git source requires a repository url")
		}
		if templatePath == "" {
			return nil, model.ErrMissingTemplate
		}
		rev = rev.Normalize()
		if err := rev.Validate(); err != nil {
			return nil, err
		}
		return model.GitSource{URL: url, TemplatePath: templatePath, Revision: rev}, nil
	case model.SourceURL:
		if url == "" {
			return nil, fmt.Errorf("url source requires a url")
		}
		return model.URLSource{URL: url}, nil
	case model.SourceLocal:
		if templatePath == "" {
			return nil, model.ErrMissingTemplate
		}
		return model.LocalSource{Path: templatePath}, nil
	default:
		return nil, fmt.Errorf("unknown template source kind %q", kind)
	}
}
