package runtime

import (
	"fmt"
	"net/netip"
	"net/url"
	"strings"

	"github.com/cuemby/scanorc/pkg/orcerrors"
)

// TargetKind is the recognized shape of a scan target.
type TargetKind string

const (
	TargetKindURL   TargetKind = "url"
	TargetKindIP    TargetKind = "ip"
	TargetKindCIDR  TargetKind = "cidr"
	TargetKindRange TargetKind = "range"
)

// ValidateTarget accepts an http(s) URL with no embedded userinfo, a single
// IPv4/IPv6 address, a CIDR block, or an "A-B" address range, and rejects
// everything else (javascript: URIs, bare hostnames without a scheme,
// shell metacharacters, ...).
func ValidateTarget(raw string) (TargetKind, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty target", orcerrors.ErrInvalidInput)
	}

	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", fmt.Errorf("%w: malformed URL: %v", orcerrors.ErrInvalidInput, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return "", fmt.Errorf("%w: unsupported URL scheme %q", orcerrors.ErrInvalidInput, u.Scheme)
		}
		if u.User != nil {
			return "", fmt.Errorf("%w: URL must not carry userinfo", orcerrors.ErrInvalidInput)
		}
		if u.Host == "" {
			return "", fmt.Errorf("%w: URL has no host", orcerrors.ErrInvalidInput)
		}
		return TargetKindURL, nil
	}

	if lo, hi, ok := strings.Cut(raw, "-"); ok {
		loAddr, err1 := netip.ParseAddr(strings.TrimSpace(lo))
		hiAddr, err2 := netip.ParseAddr(strings.TrimSpace(hi))
		if err1 == nil && err2 == nil {
			if hiAddr.Less(loAddr) {
				return "", fmt.Errorf("%w: range end precedes start", orcerrors.ErrInvalidInput)
			}
			return TargetKindRange, nil
		}
	}

	if _, err := netip.ParsePrefix(raw); err == nil {
		return TargetKindCIDR, nil
	}

	if _, err := netip.ParseAddr(raw); err == nil {
		return TargetKindIP, nil
	}

	return "", fmt.Errorf("%w: %q is not a URL, IP, CIDR, or range", orcerrors.ErrInvalidInput, raw)
}
