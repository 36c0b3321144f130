// Package loader finds runbook files by reference and loads them through the
// parser. References resolve in order: explicit path, project runbooks
// directory, user runbooks directory, runbooks embedded in the binary.
package loader

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/meow-stack/rundown/internal/config"
	"github.com/meow-stack/rundown/internal/parser"
	"github.com/meow-stack/rundown/internal/runbook"
)

// Extension is the suffix of runbook files.
const Extension = ".runbook.md"

// Source names where a runbook was found.
const (
	SourcePath     = "path"
	SourceProject  = "project"
	SourceUser     = "user"
	SourceEmbedded = "embedded"
)

// Loader loads runbooks from multiple sources with precedence.
type Loader struct {
	// ProjectDir is the project runbooks directory (.rundown/runbooks).
	ProjectDir string

	// UserDir is the user runbooks directory (~/.rundown/runbooks).
	UserDir string

	// Embedded holds runbooks compiled into the binary, rooted at the
	// directory containing the *.runbook.md files. May be nil.
	Embedded fs.FS

	// Scope restricts resolution to a specific search hierarchy.
	Scope Scope
}

// Location describes where a runbook reference resolved.
type Location struct {
	Path   string
	Source string
	Name   string
}

// Loaded is a parsed runbook and where it came from.
type Loaded struct {
	Runbook *runbook.Runbook
	Location
}

// New creates a loader for a project using the configured directories.
func New(cfg *config.Config, projectDir string) *Loader {
	return &Loader{
		ProjectDir: cfg.RunbooksDir(projectDir),
		UserDir:    config.UserRunbooksDir(),
	}
}

// WithScope returns a copy of the loader restricted to scope.
func (l *Loader) WithScope(scope Scope) *Loader {
	cp := *l
	cp.Scope = scope
	return &cp
}

// Load resolves ref and parses the runbook it names.
func (l *Loader) Load(ref string, opts parser.Options) (*Loaded, error) {
	loc, err := l.Resolve(ref)
	if err != nil {
		return nil, err
	}
	rb, err := l.parse(loc, opts)
	if err != nil {
		return nil, err
	}
	return &Loaded{Runbook: rb, Location: *loc}, nil
}

func (l *Loader) parse(loc *Location, opts parser.Options) (*runbook.Runbook, error) {
	if loc.Source == SourceEmbedded {
		data, err := fs.ReadFile(l.Embedded, loc.Path)
		if err != nil {
			return nil, fmt.Errorf("reading embedded runbook %s: %w", loc.Path, err)
		}
		if opts.Filename == "" {
			opts.Filename = "<embedded>/" + loc.Path
		}
		return parser.Parse(string(data), opts)
	}
	return parser.ParseFile(loc.Path, opts)
}

// Resolve returns where a reference points. A reference is a file path
// (anything that exists on disk, or contains a path separator and ends in
// .md) or a runbook name such as "deploy" or "ops/deploy.runbook.md".
func (l *Loader) Resolve(ref string) (*Location, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("runbook reference is empty")
	}

	if looksLikePath(ref) {
		if fileExists(ref) {
			abs, err := filepath.Abs(ref)
			if err != nil {
				abs = ref
			}
			return &Location{Path: abs, Source: SourcePath, Name: parser.Name(ref)}, nil
		}
		if filepath.IsAbs(ref) || strings.HasPrefix(ref, ".") {
			return nil, &NotFoundError{Ref: ref, Searched: []string{ref}, Scope: l.Scope}
		}
	}

	filename := normalizeRef(ref) + Extension
	name := parser.Name(filename)

	if l.Scope.SearchesProject() && l.ProjectDir != "" {
		p := filepath.Join(l.ProjectDir, filepath.FromSlash(filename))
		if fileExists(p) {
			return &Location{Path: p, Source: SourceProject, Name: name}, nil
		}
	}

	if l.Scope.SearchesUser() && l.UserDir != "" {
		p := filepath.Join(l.UserDir, filepath.FromSlash(filename))
		if fileExists(p) {
			return &Location{Path: p, Source: SourceUser, Name: name}, nil
		}
	}

	if l.Scope.SearchesEmbedded() && l.Embedded != nil {
		if _, err := fs.Stat(l.Embedded, filename); err == nil {
			return &Location{Path: filename, Source: SourceEmbedded, Name: name}, nil
		}
	}

	return nil, &NotFoundError{Ref: ref, Searched: l.searchPaths(filename), Scope: l.Scope}
}

// ResolveNested resolves a nested runbook reference made from the runbook
// at parent. Paths relative to the parent's directory win over named lookup.
func (l *Loader) ResolveNested(parent *Location, ref string) (*Location, error) {
	if parent != nil && !filepath.IsAbs(ref) {
		if parent.Source == SourceEmbedded && l.Embedded != nil {
			p := path.Join(path.Dir(parent.Path), filepath.ToSlash(ref))
			if _, err := fs.Stat(l.Embedded, p); err == nil {
				return &Location{Path: p, Source: SourceEmbedded, Name: parser.Name(p)}, nil
			}
		} else if parent.Source != SourceEmbedded {
			p := filepath.Join(filepath.Dir(parent.Path), ref)
			if fileExists(p) {
				return &Location{Path: p, Source: parent.Source, Name: parser.Name(p)}, nil
			}
		}
	}

	scoped := l
	if parent != nil && parent.Source != SourcePath {
		scoped = l.WithScope(Scope(parent.Source))
	}
	return scoped.Resolve(strings.TrimSuffix(ref, Extension))
}

func looksLikePath(ref string) bool {
	return strings.ContainsRune(ref, os.PathSeparator) || strings.HasSuffix(ref, ".md")
}

func normalizeRef(ref string) string {
	ref = strings.TrimSuffix(ref, Extension)
	ref = filepath.ToSlash(filepath.Clean(ref))
	return strings.TrimPrefix(ref, "./")
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func (l *Loader) searchPaths(filename string) []string {
	var paths []string

	if l.Scope.SearchesProject() && l.ProjectDir != "" {
		paths = append(paths, filepath.Join(l.ProjectDir, filepath.FromSlash(filename)))
	}
	if l.Scope.SearchesUser() && l.UserDir != "" {
		paths = append(paths, filepath.Join(l.UserDir, filepath.FromSlash(filename)))
	}
	if l.Scope.SearchesEmbedded() && l.Embedded != nil {
		paths = append(paths, "<embedded>/"+filename)
	}

	return paths
}

// NotFoundError is returned when a runbook cannot be found.
type NotFoundError struct {
	Ref      string
	Searched []string
	Scope    Scope // Scope restriction that was applied (empty if none)
}

func (e *NotFoundError) Error() string {
	msg := fmt.Sprintf("runbook %q not found in: %v", e.Ref, e.Searched)
	if e.Scope != "" {
		msg += fmt.Sprintf(" (scope: %s)", e.Scope)
	}
	return msg
}

// Available describes a runbook that can be run.
type Available struct {
	Name        string // File name without .runbook.md
	Title       string
	Description string
	Source      string
	Path        string
	Steps       int
}

// ListAvailable returns all runbooks from all sources, grouped by source.
// Files that fail to parse are skipped.
func (l *Loader) ListAvailable() map[string][]Available {
	result := make(map[string][]Available)

	if l.ProjectDir != "" {
		if list := listDir(os.DirFS(l.ProjectDir), SourceProject, l.ProjectDir); len(list) > 0 {
			result[SourceProject] = list
		}
	}
	if l.UserDir != "" {
		if list := listDir(os.DirFS(l.UserDir), SourceUser, l.UserDir); len(list) > 0 {
			result[SourceUser] = list
		}
	}
	if l.Embedded != nil {
		if list := listDir(l.Embedded, SourceEmbedded, ""); len(list) > 0 {
			result[SourceEmbedded] = list
		}
	}

	return result
}

// listDir walks fsys for runbook files. root is joined onto each path for
// display; it is empty for embedded runbooks.
func listDir(fsys fs.FS, source, root string) []Available {
	var out []Available
	_ = fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(p, Extension) {
			return nil
		}
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return nil
		}
		rb, err := parser.Parse(string(data), parser.Options{Filename: p, SkipValidation: true})
		if err != nil {
			return nil
		}

		full := p
		if root != "" {
			full = filepath.Join(root, filepath.FromSlash(p))
		}
		out = append(out, Available{
			Name:        strings.TrimSuffix(p, Extension),
			Title:       rb.Title,
			Description: rb.Description,
			Source:      source,
			Path:        full,
			Steps:       len(rb.Steps),
		})
		return nil
	})

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
