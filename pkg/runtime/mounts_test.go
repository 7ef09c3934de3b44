package runtime

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/scanorc/pkg/types"
)

func TestMountPreparer_All(t *testing.T) {
	m := NewMountPreparer(t.TempDir())

	p, err := m.Prepare("job-1", types.TemplateSelector{Kind: types.TemplateSelectorAll})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.mounts) != 0 {
		t.Fatalf("expected no mounts for TemplateSelectorAll, got %d", len(p.mounts))
	}
}

func TestMountPreparer_Dirs(t *testing.T) {
	m := NewMountPreparer(t.TempDir())

	p, err := m.Prepare("job-2", types.TemplateSelector{
		Kind: types.TemplateSelectorDirs,
		Dirs: []string{"/templates/cves", "/templates/custom"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.mounts) != 2 {
		t.Fatalf("expected 2 mounts, got %d", len(p.mounts))
	}
	for _, mnt := range p.mounts {
		if mnt.Options[0] != "ro" {
			t.Fatalf("expected read-only mount, got options %v", mnt.Options)
		}
	}
}

func TestMountPreparer_File(t *testing.T) {
	root := t.TempDir()
	m := NewMountPreparer(root)

	body := []byte("id: test-template\ninfo:\n  name: test\n  severity: low\n")
	p, err := m.Prepare("job-3", types.TemplateSelector{
		Kind:     types.TemplateSelectorFile,
		FileName: "custom.yaml",
		FileBody: body,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.mounts) != 1 {
		t.Fatalf("expected 1 mount, got %d", len(p.mounts))
	}

	hostPath := p.mounts[0].Source
	got, err := os.ReadFile(hostPath)
	if err != nil {
		t.Fatalf("expected staged file to exist: %v", err)
	}
	if string(got) != string(body) {
		t.Fatalf("staged file contents mismatch")
	}
	if filepath.Dir(hostPath) != p.jobDir {
		t.Fatalf("expected staged file under job dir %q, got %q", p.jobDir, hostPath)
	}

	m.Cleanup(p)
	if _, err := os.Stat(p.jobDir); !os.IsNotExist(err) {
		t.Fatalf("expected job dir to be removed after Cleanup")
	}
}

func TestMountPreparer_UnknownKind(t *testing.T) {
	m := NewMountPreparer(t.TempDir())

	_, err := m.Prepare("job-4", types.TemplateSelector{Kind: "bogus"})
	if err == nil {
		t.Fatalf("expected error for unknown selector kind")
	}
}
