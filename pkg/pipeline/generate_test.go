package pipeline

import (
	"errors"
	"testing"

	"github.com/cuemby/scanorc/pkg/orcerrors"
	"github.com/cuemby/scanorc/pkg/types"
)

func TestExtractAndValidateYAML_Valid(t *testing.T) {
	text := "Here is the template:\n```yaml\nid: cve-2024-0001\ninfo:\n  name: test\n  severity: high\nhttp:\n  - method: GET\n```\n"
	gen, err := extractAndValidateYAML(text, "CVE-2024-0001")
	if err != nil {
		t.Fatalf("extractAndValidateYAML: %v", err)
	}
	if len(gen.Body) == 0 {
		t.Fatalf("expected non-empty body")
	}
	if gen.DeclaredID != "cve-2024-0001" {
		t.Fatalf("unexpected declared id %q", gen.DeclaredID)
	}
	if gen.DeclaredSeverity != types.SeverityHigh {
		t.Fatalf("unexpected declared severity %q", gen.DeclaredSeverity)
	}
}

func TestExtractAndValidateYAML_NoFencedBlock(t *testing.T) {
	_, err := extractAndValidateYAML("no yaml here", "CVE-2024-0001")
	if !errors.Is(err, orcerrors.ErrInvalidOutput) {
		t.Fatalf("expected ErrInvalidOutput, got %v", err)
	}
}

func TestExtractAndValidateYAML_MissingRequiredFields(t *testing.T) {
	text := "```yaml\nid: cve-2024-0001\n```"
	_, err := extractAndValidateYAML(text, "CVE-2024-0001")
	if !errors.Is(err, orcerrors.ErrInvalidOutput) {
		t.Fatalf("expected ErrInvalidOutput for missing info block, got %v", err)
	}
}

func TestExtractAndValidateYAML_MissingRequestBlock(t *testing.T) {
	text := "```yaml\nid: cve-2024-0001\ninfo:\n  name: test\n  severity: high\n```"
	_, err := extractAndValidateYAML(text, "CVE-2024-0001")
	if !errors.Is(err, orcerrors.ErrInvalidOutput) {
		t.Fatalf("expected ErrInvalidOutput for missing request block, got %v", err)
	}
}

func TestExtractAndValidateYAML_IDMismatch(t *testing.T) {
	text := "```yaml\nid: cve-2024-9999\ninfo:\n  name: test\n  severity: high\nhttp:\n  - method: GET\n```"
	_, err := extractAndValidateYAML(text, "CVE-2024-0001")
	if !errors.Is(err, orcerrors.ErrInvalidOutput) {
		t.Fatalf("expected ErrInvalidOutput for mismatched id, got %v", err)
	}
}

func TestExtractAndValidateYAML_UnknownSeverity(t *testing.T) {
	text := "```yaml\nid: cve-2024-0001\ninfo:\n  name: test\n  severity: catastrophic\nhttp:\n  - method: GET\n```"
	_, err := extractAndValidateYAML(text, "CVE-2024-0001")
	if !errors.Is(err, orcerrors.ErrInvalidOutput) {
		t.Fatalf("expected ErrInvalidOutput for unrecognized severity, got %v", err)
	}
}

func TestDeterministicFingerprint_StableForSameInputs(t *testing.T) {
	a := deterministicFingerprint("run-1", "CVE-2024-0001", 0)
	b := deterministicFingerprint("run-1", "CVE-2024-0001", 0)
	if a != b {
		t.Fatalf("expected fingerprint to be stable across calls")
	}
	c := deterministicFingerprint("run-1", "CVE-2024-0001", 1)
	if a == c {
		t.Fatalf("expected fingerprint to vary with attempt")
	}
}
