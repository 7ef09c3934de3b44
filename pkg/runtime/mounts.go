package runtime

import (
	"fmt"
	"os"
	"path/filepath"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/scanorc/pkg/types"
)

// DefaultMountRoot is the host-side staging directory for per-job template
// bind mounts.
const DefaultMountRoot = "/var/lib/scanorc/mounts"

// preparedMounts is the host-side state backing a container's bind mounts,
// kept so Cleanup can remove exactly what Prepare created.
type preparedMounts struct {
	jobDir string
	mounts []specs.Mount
}

// MountPreparer stages template directories or a single uploaded template
// file as bind mounts for a scanner container. Adapted from a local
// volume driver: instead of long-lived named volumes, it manages one
// throwaway staging directory per job.
type MountPreparer struct {
	root string
}

// NewMountPreparer returns a preparer rooted at root (DefaultMountRoot if
// empty).
func NewMountPreparer(root string) *MountPreparer {
	if root == "" {
		root = DefaultMountRoot
	}
	return &MountPreparer{root: root}
}

// Prepare stages the selector's templates and returns the bind mounts to
// apply to the container spec. TemplateSelectorAll needs no mount — the
// image's baked-in curated set is used as-is.
func (m *MountPreparer) Prepare(jobID string, sel types.TemplateSelector) (*preparedMounts, error) {
	switch sel.Kind {
	case types.TemplateSelectorAll:
		return &preparedMounts{}, nil

	case types.TemplateSelectorDirs:
		var mounts []specs.Mount
		for i, dir := range sel.Dirs {
			mounts = append(mounts, specs.Mount{
				Source:      dir,
				Destination: fmt.Sprintf("/templates/%d", i),
				Type:        "bind",
				Options:     []string{"ro", "bind"},
			})
		}
		return &preparedMounts{mounts: mounts}, nil

	case types.TemplateSelectorFile:
		jobDir := filepath.Join(m.root, jobID)
		if err := os.MkdirAll(jobDir, 0o755); err != nil {
			return nil, fmt.Errorf("create staging dir: %w", err)
		}

		name := sel.FileName
		if name == "" {
			name = "template.yaml"
		}
		hostPath := filepath.Join(jobDir, name)
		if err := os.WriteFile(hostPath, sel.FileBody, 0o644); err != nil {
			_ = os.RemoveAll(jobDir)
			return nil, fmt.Errorf("stage template file: %w", err)
		}

		return &preparedMounts{
			jobDir: jobDir,
			mounts: []specs.Mount{{
				Source:      hostPath,
				Destination: "/templates/" + name,
				Type:        "bind",
				Options:     []string{"ro", "bind"},
			}},
		}, nil

	default:
		return nil, fmt.Errorf("unknown template selector kind %q", sel.Kind)
	}
}

// Cleanup removes any staging directory Prepare created. Safe to call with
// a nil jobDir (the TemplateSelectorAll/Dirs cases stage nothing).
func (m *MountPreparer) Cleanup(p *preparedMounts) {
	if p == nil || p.jobDir == "" {
		return
	}
	_ = os.RemoveAll(p.jobDir)
}
