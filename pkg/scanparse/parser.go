package scanparse

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/cuemby/scanorc/pkg/types"
)

// EventKind tags the variant of an Event.
type EventKind string

const (
	EventFinding      EventKind = "finding"
	EventProgress     EventKind = "progress"
	EventRaw          EventKind = "raw"
	EventLoopDetected EventKind = "loop_detected"
)

// Event is the tagged union Feed produces for each input line. Exactly one
// of Finding/Progress/Raw is meaningful, selected by Kind.
type Event struct {
	Kind     EventKind
	Finding  *types.Finding
	Progress *ProgressEvent
	Raw      string
}

// ProgressEvent reports a scan's estimated completion percentage.
type ProgressEvent struct {
	Percent int
	Message string
}

// findingLine matches "[{template_id}] [{protocol}] [{severity}] {target} {details...}".
var findingLine = regexp.MustCompile(`^\[([^\]]+)\]\s+\[([^\]]+)\]\s+\[([^\]]+)\]\s+(\S+)(?:\s+(.*))?$`)

// progressPrefixes maps well-known informational line prefixes to a
// monotonic completion percentage.
var progressPrefixes = []struct {
	prefix  string
	percent int
}{
	{"[INF] Current", 5},
	{"[INF] Creating runners", 30},
	{"[INF] New Scan Started", 70},
	{"[INF] Found", 90},
	{"scan completed", 100},
	{"No results found", 100},
}

// loopWindow is the sliding-window size over which duplicate-line density
// is measured for loop detection.
const loopWindow = 20

// Parser is a pure, stateful line-to-event translator. A Parser is not
// safe for concurrent use; each scan run should own one.
type Parser struct {
	seenFindings map[string]struct{}
	window       []string
	windowSet    map[string]int
	totalLines   int
	lastPercent  int
	loopReported bool
}

// NewParser returns a Parser ready to consume a scan's output from the
// start of its byte stream.
func NewParser() *Parser {
	return &Parser{
		seenFindings: make(map[string]struct{}),
		windowSet:    make(map[string]int),
	}
}

// Feed processes one line of scanner output and returns zero or more
// events. A loop-detected condition is terminal: once reported, every
// subsequent call to Feed returns only that same LoopDetected event again
// without further processing, so a caller can stop forwarding lines.
func (p *Parser) Feed(line string) []Event {
	if p.loopReported {
		return []Event{{Kind: EventLoopDetected, Raw: "duplicate-line loop previously detected"}}
	}

	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}

	p.observeForLoopDetection(trimmed)
	if p.loopDetected() {
		p.loopReported = true
		return []Event{{Kind: EventLoopDetected, Raw: trimmed}}
	}

	if m := findingLine.FindStringSubmatch(trimmed); m != nil {
		f := p.buildFinding(m)
		if f == nil {
			return nil // duplicate, suppressed
		}
		return []Event{{Kind: EventFinding, Finding: f}}
	}

	if pct, msg, ok := matchProgress(trimmed); ok {
		if pct < p.lastPercent {
			pct = p.lastPercent // percent is monotonically non-decreasing
		}
		p.lastPercent = pct
		return []Event{{Kind: EventProgress, Progress: &ProgressEvent{Percent: pct, Message: msg}}}
	}

	return []Event{{Kind: EventRaw, Raw: trimmed}}
}

func (p *Parser) buildFinding(m []string) *types.Finding {
	templateID, protocol, rawSeverity, target := m[1], m[2], m[3], m[4]
	var details []string
	if len(m) > 5 && m[5] != "" {
		details = []string{m[5]}
	}

	sev, unknown := types.NormalizeSeverity(strings.ToLower(rawSeverity))
	matchedAt := target

	id := findingID(templateID, protocol, string(sev), target, matchedAt)
	if _, dup := p.seenFindings[id]; dup {
		return nil
	}
	p.seenFindings[id] = struct{}{}

	return &types.Finding{
		FindingID:       id,
		TemplateID:      templateID,
		Protocol:        protocol,
		Severity:        sev,
		UnknownSeverity: unknown,
		Target:          target,
		MatchedAt:       matchedAt,
		Details:         details,
	}
}

func findingID(templateID, protocol, severity, target, matchedAt string) string {
	h := sha256.New()
	h.Write([]byte(templateID))
	h.Write([]byte{'|'})
	h.Write([]byte(protocol))
	h.Write([]byte{'|'})
	h.Write([]byte(severity))
	h.Write([]byte{'|'})
	h.Write([]byte(target))
	h.Write([]byte{'|'})
	h.Write([]byte(matchedAt))
	return hex.EncodeToString(h.Sum(nil))
}

func matchProgress(line string) (percent int, message string, ok bool) {
	for _, p := range progressPrefixes {
		if strings.HasPrefix(line, p.prefix) {
			return p.percent, line, true
		}
	}
	return 0, "", false
}

func (p *Parser) observeForLoopDetection(line string) {
	p.totalLines++

	p.window = append(p.window, line)
	p.windowSet[line]++

	if len(p.window) > loopWindow {
		oldest := p.window[0]
		p.window = p.window[1:]
		p.windowSet[oldest]--
		if p.windowSet[oldest] <= 0 {
			delete(p.windowSet, oldest)
		}
	}
}

func (p *Parser) loopDetected() bool {
	if p.totalLines <= 2*loopWindow || len(p.window) < loopWindow {
		return false
	}
	unique := len(p.windowSet)
	return float64(unique)/float64(loopWindow) < 0.5
}
