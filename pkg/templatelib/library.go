package templatelib

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/scanorc/pkg/orcerrors"
	"github.com/cuemby/scanorc/pkg/types"
)

// DefaultLibraryRoot is the default location of the template tree.
const DefaultLibraryRoot = "/var/lib/scanorc/templates"

var refinementSuffix = regexp.MustCompile(`^(.+)\.r(\d+)$`)

// Library owns the on-disk template tree and the in-memory index rebuilt
// from it at startup.
type Library struct {
	root string

	mu    sync.RWMutex
	index map[string]*types.Template
}

// NewLibrary walks root and builds the template index from what's on
// disk. root is created if it doesn't exist.
func NewLibrary(root string) (*Library, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("templatelib: create root: %w", err)
	}

	l := &Library{root: root, index: make(map[string]*types.Template)}
	if err := l.rebuild(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Library) rebuild() error {
	return filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".yaml" {
			return nil
		}

		relPath, err := filepath.Rel(l.root, path)
		if err != nil {
			return err
		}
		body, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("templatelib: read %s: %w", relPath, err)
		}

		t := templateFromPath(relPath, body)
		l.index[t.TemplateID] = t
		return nil
	})
}

// templateFromPath infers a Template's identity and provenance purely
// from its path under the library root: ai/{cve_id}.yaml and
// ai/{cve_id}.r{n}.yaml are AI-synthesized; everything else is curated.
func templateFromPath(relPath string, body []byte) *types.Template {
	stem := strings.TrimSuffix(relPath, filepath.Ext(relPath))
	dir, base := filepath.Split(stem)

	t := &types.Template{
		TemplateID:      stem,
		Filename:        filepath.Base(relPath),
		Path:            relPath,
		Body:            body,
		Origin:          types.TemplateOriginCurated,
		ValidationState: types.TemplateValid,
	}

	declaredID, declaredSeverity := parseDeclaredFields(body)
	t.DeclaredID = declaredID
	t.DeclaredSeverity = declaredSeverity

	if filepath.Clean(dir) != "ai" {
		return t
	}

	cveID, attempt := base, 0
	if m := refinementSuffix.FindStringSubmatch(base); m != nil {
		cveID = m[1]
		attempt, _ = strconv.Atoi(m[2])
	}

	t.CVEID = cveID
	t.GenerationAttempt = attempt
	t.ValidationState = types.TemplateUnvalidated
	if attempt > 0 {
		t.Origin = types.TemplateOriginAIRefined
	} else {
		t.Origin = types.TemplateOriginAIGenerated
	}
	return t
}

// declaredFieldsDoc mirrors just enough of a nuclei template's shape to
// recover its declared id/severity when rebuilding the index from disk,
// where no caller-supplied types.Template is available to read them from.
type declaredFieldsDoc struct {
	ID   string `yaml:"id"`
	Info struct {
		Severity string `yaml:"severity"`
	} `yaml:"info"`
}

// parseDeclaredFields best-effort parses body's id/info.severity. A
// malformed or non-nuclei body (curated templates vary widely) yields
// zero values rather than an error; templateFromPath must never fail.
func parseDeclaredFields(body []byte) (id string, severity types.Severity) {
	var doc declaredFieldsDoc
	if err := yaml.Unmarshal(body, &doc); err != nil {
		return "", ""
	}
	sev, unknown := types.NormalizeSeverity(strings.ToLower(doc.Info.Severity))
	if unknown {
		return doc.ID, ""
	}
	return doc.ID, sev
}

// aiPath returns the canonical path for an AI-synthesized template.
func aiPath(cveID string, attempt int) string {
	if attempt <= 0 {
		return filepath.Join("ai", cveID+".yaml")
	}
	return filepath.Join("ai", fmt.Sprintf("%s.r%d.yaml", cveID, attempt))
}

// Put writes t to the template tree, write-temp-then-rename, and
// refreshes the index. If t.Path is empty, the path is derived from
// t.CVEID/t.GenerationAttempt under ai/.
func (l *Library) Put(t *types.Template) error {
	relPath := t.Path
	if relPath == "" {
		if t.CVEID == "" {
			return fmt.Errorf("%w: templatelib: Put requires Path or CVEID", orcerrors.ErrInvalidInput)
		}
		relPath = aiPath(t.CVEID, t.GenerationAttempt)
	}

	absPath := filepath.Join(l.root, relPath)
	dir := filepath.Dir(absPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("templatelib: create dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*.yaml")
	if err != nil {
		return fmt.Errorf("templatelib: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(t.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("templatelib: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("templatelib: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("templatelib: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, absPath); err != nil {
		return fmt.Errorf("templatelib: rename into place: %w", err)
	}

	stored := templateFromPath(relPath, t.Body)
	stored.GenerationAttempt = t.GenerationAttempt
	if t.DeclaredSeverity != "" {
		stored.DeclaredSeverity = t.DeclaredSeverity
	}
	if t.DeclaredID != "" {
		stored.DeclaredID = t.DeclaredID
	}
	if t.ValidationState != "" {
		stored.ValidationState = t.ValidationState
	}
	if t.Origin != "" {
		stored.Origin = t.Origin
	}

	l.mu.Lock()
	l.index[stored.TemplateID] = stored
	l.mu.Unlock()

	*t = *stored
	return nil
}

// Get returns the indexed Template, or ErrNotFound if no such id exists.
func (l *Library) Get(templateID string) (*types.Template, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	t, ok := l.index[templateID]
	if !ok {
		return nil, fmt.Errorf("%w: template %q", orcerrors.ErrNotFound, templateID)
	}
	clone := *t
	return &clone, nil
}

// SetValidationState updates a template's validation state in the
// in-memory index. The change does not alter the stored YAML; it is
// rebuilt to a conservative default on the next process restart.
func (l *Library) SetValidationState(templateID string, state types.TemplateValidationState) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.index[templateID]
	if !ok {
		return fmt.Errorf("%w: template %q", orcerrors.ErrNotFound, templateID)
	}
	t.ValidationState = state
	return nil
}

// List returns every indexed Template.
func (l *Library) List() []*types.Template {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*types.Template, 0, len(l.index))
	for _, t := range l.index {
		clone := *t
		out = append(out, &clone)
	}
	return out
}

// Root returns the library's base directory.
func (l *Library) Root() string { return l.root }
