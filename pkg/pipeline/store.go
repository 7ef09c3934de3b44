package pipeline

import (
	"fmt"

	"github.com/cuemby/scanorc/pkg/registry"
	"github.com/cuemby/scanorc/pkg/templatelib"
	"github.com/cuemby/scanorc/pkg/types"
)

// TemplateStore persists a generated Template to the on-disk library
// (the filesystem-backed source of truth) and mirrors its metadata into
// the registry's Template KV for fast listing without re-walking disk.
type TemplateStore struct {
	lib      *templatelib.Library
	registry registry.Store
}

// NewTemplateStore returns a TemplateStore writing through lib and store.
func NewTemplateStore(lib *templatelib.Library, store registry.Store) *TemplateStore {
	return &TemplateStore{lib: lib, registry: store}
}

// Store writes t's body to the template tree (write-temp-then-rename)
// and mirrors the resulting metadata into the registry.
func (s *TemplateStore) Store(t *types.Template) error {
	if err := s.lib.Put(t); err != nil {
		return fmt.Errorf("pipeline: write template to library: %w", err)
	}
	if err := s.registry.PutTemplate(t); err != nil {
		return fmt.Errorf("pipeline: mirror template metadata: %w", err)
	}
	return nil
}

// MarkValidationState updates a stored template's validation state in
// both the library index and the registry mirror.
func (s *TemplateStore) MarkValidationState(t *types.Template, state types.TemplateValidationState) error {
	if err := s.lib.SetValidationState(t.TemplateID, state); err != nil {
		return err
	}
	t.ValidationState = state
	return s.registry.PutTemplate(t)
}
