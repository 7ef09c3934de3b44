package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
	"text/template"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sony/gobreaker"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/scanorc/pkg/log"
	"github.com/cuemby/scanorc/pkg/orcerrors"
	"github.com/cuemby/scanorc/pkg/scheduler"
	"github.com/cuemby/scanorc/pkg/types"
)

// GeneratedTemplate is one LLM generation attempt's parsed result: the
// raw YAML body plus the fields the validation stage needs to check a
// Finding against, read straight out of the model's own output rather
// than re-derived later.
type GeneratedTemplate struct {
	Body             []byte
	DeclaredID       string
	DeclaredSeverity types.Severity
}

// TemplateGenerator produces a candidate nuclei template for a CVE.
// attempt is 0 for the first generation and 1..R for each refinement;
// feedback carries the prior attempt's validation diagnostic on
// refinement calls.
type TemplateGenerator interface {
	Generate(ctx context.Context, runID string, cve types.CVERecord, attempt int, feedback string) (GeneratedTemplate, error)
}

const promptSource = `Write a nuclei detection template in YAML for {{.CVEID}}.

Description: {{.Description}}

Requirements:
- top-level "id" field equal to the CVE id, lowercase
- "info" block with "name" and "severity"
- at least one "http" or "network" request block that would detect this vulnerability
- respond with exactly one fenced yaml code block and nothing else
{{if .Feedback}}
The previous attempt failed validation with this diagnostic, fix it:
{{.Feedback}}
{{end}}`

var promptTemplate = template.Must(template.New("generate").Parse(promptSource))

var fencedYAML = regexp.MustCompile("(?s)```(?:yaml)?\\s*\\n(.*?)\\n```")

type promptData struct {
	CVEID       string
	Description string
	Feedback    string
}

// AnthropicGenerator is a TemplateGenerator backed by the Claude API.
type AnthropicGenerator struct {
	client  anthropic.Client
	model   anthropic.Model
	breaker *gobreaker.CircuitBreaker
}

// NewAnthropicGenerator returns a generator using apiKey against the
// default Anthropic endpoint, guarding every call with the "llm"
// circuit breaker.
func NewAnthropicGenerator(apiKey string) *AnthropicGenerator {
	return &AnthropicGenerator{
		client:  anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:   anthropic.ModelClaude3_5SonnetLatest,
		breaker: scheduler.NewBreaker("llm"),
	}
}

// Generate renders the prompt, calls the model at a low, near-deterministic
// temperature, and extracts + validates the first fenced YAML block in the
// response. The Anthropic API has no seed parameter; a deterministic
// fingerprint of (runID, cve.CVEID, attempt) is logged alongside the call
// instead, so a given (run, CVE, attempt) triple is traceable across retries
// even though the model call itself isn't literally reproducible.
func (g *AnthropicGenerator) Generate(ctx context.Context, runID string, cve types.CVERecord, attempt int, feedback string) (GeneratedTemplate, error) {
	var buf bytes.Buffer
	if err := promptTemplate.Execute(&buf, promptData{
		CVEID:       cve.CVEID,
		Description: cve.Description,
		Feedback:    feedback,
	}); err != nil {
		return GeneratedTemplate{}, fmt.Errorf("pipeline: render prompt: %w", err)
	}

	fingerprint := deterministicFingerprint(runID, cve.CVEID, attempt)
	log.Logger.Debug().Str("run_id", runID).Str("cve_id", cve.CVEID).Int("attempt", attempt).
		Uint64("fingerprint", fingerprint).Msg("generating candidate template")

	result, err := g.breaker.Execute(func() (any, error) {
		resp, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:       g.model,
			MaxTokens:   2048,
			Temperature: anthropic.Float(0.2),
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(buf.String())),
			},
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", orcerrors.ErrLLMUnavailable, err)
		}
		return resp, nil
	})
	if err != nil {
		return GeneratedTemplate{}, err
	}
	resp := result.(*anthropic.Message)

	var text strings.Builder
	for _, block := range resp.Content {
		text.WriteString(block.Text)
	}

	return extractAndValidateYAML(text.String(), cve.CVEID)
}

// deterministicFingerprint gives a stable, reproducible id for a
// (run, cve, attempt) triple, used only for log correlation.
func deterministicFingerprint(runID, cveID string, attempt int) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s:%s:%d", runID, cveID, attempt)
	return h.Sum64()
}

type templateDoc struct {
	ID   string `yaml:"id"`
	Info struct {
		Name     string `yaml:"name"`
		Severity string `yaml:"severity"`
	} `yaml:"info"`
	Requests []map[string]any `yaml:"requests"`
	HTTP     []map[string]any `yaml:"http"`
	Network  []map[string]any `yaml:"network"`
}

// extractAndValidateYAML pulls the first fenced YAML block out of text
// and checks it against the prompt's own contract: a non-empty id equal
// to cveID (lowercase), an info.name/info.severity, and at least one
// request block.
func extractAndValidateYAML(text, cveID string) (GeneratedTemplate, error) {
	m := fencedYAML.FindStringSubmatch(text)
	if m == nil {
		return GeneratedTemplate{}, fmt.Errorf("%w: no fenced yaml block in model response", orcerrors.ErrInvalidOutput)
	}
	body := []byte(strings.TrimSpace(m[1]) + "\n")

	var doc templateDoc
	if err := yaml.Unmarshal(body, &doc); err != nil {
		return GeneratedTemplate{}, fmt.Errorf("%w: malformed template yaml: %v", orcerrors.ErrInvalidOutput, err)
	}
	if doc.ID == "" || doc.Info.Name == "" || doc.Info.Severity == "" {
		return GeneratedTemplate{}, fmt.Errorf("%w: template missing required id/info.name/info.severity", orcerrors.ErrInvalidOutput)
	}
	if !strings.EqualFold(doc.ID, cveID) {
		return GeneratedTemplate{}, fmt.Errorf("%w: template id %q does not match %s", orcerrors.ErrInvalidOutput, doc.ID, cveID)
	}
	if len(doc.Requests)+len(doc.HTTP)+len(doc.Network) == 0 {
		return GeneratedTemplate{}, fmt.Errorf("%w: template has no request blocks", orcerrors.ErrInvalidOutput)
	}

	severity, unknown := types.NormalizeSeverity(strings.ToLower(doc.Info.Severity))
	if unknown {
		return GeneratedTemplate{}, fmt.Errorf("%w: template has unrecognized info.severity %q", orcerrors.ErrInvalidOutput, doc.Info.Severity)
	}

	return GeneratedTemplate{Body: body, DeclaredID: doc.ID, DeclaredSeverity: severity}, nil
}
