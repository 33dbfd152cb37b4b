package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RevisionKind selects how a git revision is resolved
type RevisionKind string

const (
	RevisionDefaultBranch RevisionKind = "default-branch"
	RevisionBranch        RevisionKind = "branch"
	RevisionTag           RevisionKind = "tag"
)

// Revision identifies the git ref a template is taken from.
// The zero value is the default branch.
type Revision struct {
	Kind RevisionKind `json:"kind"`
	Name string       `json:"name,omitempty"`
}

// DefaultBranch returns the revision of the first local branch of a clone
func DefaultBranch() Revision {
	return Revision{Kind: RevisionDefaultBranch}
}

// Branch returns the revision of the named remote branch
func Branch(name string) Revision {
	return Revision{Kind: RevisionBranch, Name: name}
}

// Tag returns the revision of the named tag
func Tag(name string) Revision {
	return Revision{Kind: RevisionTag, Name: name}
}

// Normalize maps the zero value to the default branch
func (r Revision) Normalize() Revision {
	if r.Kind == "" {
		return DefaultBranch()
	}
	return r
}

// Validate checks that the revision kind is known and carries a name when needed
func (r Revision) Validate() error {
	switch r.Normalize().Kind {
	case RevisionDefaultBranch:
		return nil
	case RevisionBranch, RevisionTag:
		if r.Name == "" {
			return fmt.Errorf("revision %s requires a name", r.Kind)
		}
		if strings.HasPrefix(r.Name, "-") {
			return fmt.Errorf("invalid %s name %q", r.Kind, r.Name)
		}
		return nil
	default:
		return fmt.Errorf("unknown revision kind %q", r.Kind)
	}
}

func (r Revision) String() string {
	r = r.Normalize()
	if r.Kind == RevisionDefaultBranch {
		return string(r.Kind)
	}
	return string(r.Kind) + ":" + r.Name
}

// SourceKind names a template source variant
type SourceKind string

const (
	SourceGit   SourceKind = "git"
	SourceURL   SourceKind = "url"
	SourceLocal SourceKind = "local"
)

// Source is a template source descriptor. It is implemented only by
// GitSource, URLSource and LocalSource.
type Source interface {
	Kind() SourceKind
	String() string
	isSource()
}

// GitSource is a template file inside a git repository
type GitSource struct {
	URL          string
	TemplatePath string
	Revision     Revision
}

// URLSource is a template downloaded over HTTP(S)
type URLSource struct {
	URL string
}

// LocalSource is a template file stored inside the project. Path is
// relative to the project root.
type LocalSource struct {
	Path string
}

func (GitSource) Kind() SourceKind   { return SourceGit }
func (URLSource) Kind() SourceKind   { return SourceURL }
func (LocalSource) Kind() SourceKind { return SourceLocal }

func (s GitSource) String() string {
	return fmt.Sprintf("git %s (%s) %s", s.URL, s.Revision, s.TemplatePath)
}

func (s URLSource) String() string   { return "url " + s.URL }
func (s LocalSource) String() string { return "local " + s.Path }

func (GitSource) isSource()   {}
func (URLSource) isSource()   {}
func (LocalSource) isSource() {}

type sourceJSON struct {
	Kind     SourceKind `json:"kind"`
	URL      string     `json:"url,omitempty"`
	Template string     `json:"template,omitempty"`
	Revision *Revision  `json:"revision,omitempty"`
	Path     string     `json:"path,omitempty"`
}

// MarshalSource encodes a source as a JSON object tagged by "kind"
func MarshalSource(s Source) ([]byte, error) {
	var v sourceJSON
	switch src := s.(type) {
	case GitSource:
		rev := src.Revision.Normalize()
		v = sourceJSON{Kind: SourceGit, URL: src.URL, Template: src.TemplatePath, Revision: &rev}
	case URLSource:
		v = sourceJSON{Kind: SourceURL, URL: src.URL}
	case LocalSource:
		v = sourceJSON{Kind: SourceLocal, Path: src.Path}
	case nil:
		return nil, fmt.Errorf("missing template source")
	default:
		return nil, fmt.Errorf("unsupported template source %T", s)
	}
	return json.Marshal(v)
}

// UnmarshalSource decodes a JSON object produced by MarshalSource
func UnmarshalSource(data []byte) (Source, error) {
	var v sourceJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("invalid template source: %w", err)
	}

	switch v.Kind {
	case SourceGit:
		if v.URL == "" || v.Template == "" {
			return nil, fmt.Errorf("git template source requires url and template")
		}
		if strings.HasPrefix(v.URL, "-") {
			return nil, fmt.Errorf("invalid git url %q", v.URL)
		}
		rev := DefaultBranch()
		if v.Revision != nil {
			rev = v.Revision.Normalize()
		}
		if err := rev.Validate(); err != nil {
			return nil, err
		}
		return GitSource{URL: v.URL, TemplatePath: v.Template, Revision: rev}, nil
	case SourceURL:
		if v.URL == "" {
			return nil, fmt.Errorf("url template source requires url")
		}
		return URLSource{URL: v.URL}, nil
	case SourceLocal:
		if v.Path == "" {
			return nil, fmt.Errorf("local template source requires path")
		}
		return LocalSource{Path: v.Path}, nil
	default:
		return nil, fmt.Errorf("unknown template source kind %q", v.Kind)
	}
}
