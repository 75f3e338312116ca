package providers

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/tidwall/gjson"

	"github.com/docflow/idp-core/internal/errors"
	"github.com/docflow/idp-core/internal/ratelimit"
	"github.com/docflow/idp-core/internal/resilience"
)

// AnthropicProvider backs every LLM-capable capability (classification,
// extraction, assessment, the evaluation LLM method, summarization, and
// rule-validation) with a single Anthropic Messages API client, a
// per-provider RPS limiter, and a circuit breaker so a failing backend
// stops sending new requests rather than queuing retries indefinitely.
type AnthropicProvider struct {
	client  anthropic.Client
	model   anthropic.Model
	limiter *ratelimit.RateLimiter
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
}

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey    string
	Model     string
	RateLimit ratelimit.RateLimitConfig
}

// NewAnthropicProvider constructs a provider bound to cfg.Model.
func NewAnthropicProvider(cfg AnthropicConfig) *AnthropicProvider {
	return &AnthropicProvider{
		client:  anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:   anthropic.Model(cfg.Model),
		limiter: ratelimit.New(cfg.RateLimit),
		breaker: resilience.New(resilience.DefaultConfig()),
		retry:   resilience.DefaultRetryConfig(),
	}
}

// ProviderName implements Capability.
func (p *AnthropicProvider) ProviderName() string { return "anthropic" }

// complete sends a single-turn Messages request with prompt as the user
// turn and returns the concatenated text content, going through the rate
// limiter and circuit breaker that guard every call this provider makes.
func (p *AnthropicProvider) complete(ctx context.Context, stage, prompt string) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", errors.Wrap(errors.Cancelled, stage, "rate limiter wait cancelled", err)
	}

	var text string
	breakerErr := p.breaker.Execute(ctx, func() error {
		return resilience.Retry(ctx, p.retry, func() error {
			msg, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
				Model:     p.model,
				MaxTokens: 4096,
				Messages: []anthropic.MessageParam{
					anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
				},
			})
			if err != nil {
				return errors.TransientProviderErr(stage, "anthropic", err)
			}
			var sb strings.Builder
			for _, block := range msg.Content {
				if block.Type == "text" {
					sb.WriteString(block.Text)
				}
			}
			text = sb.String()
			return nil
		})
	})
	if breakerErr != nil {
		if stderrors.Is(breakerErr, resilience.ErrCircuitOpen) {
			return "", errors.TransientProviderErr(stage, "anthropic", breakerErr)
		}
		return "", breakerErr
	}
	return text, nil
}

// extractJSON pulls the first balanced {...} or [...] region out of a
// model response, tolerating prose the model prepends despite
// instructions to respond with JSON only.
func extractJSON(text string) (string, error) {
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return "", fmt.Errorf("no JSON object found in response")
	}
	open, close := text[start], byte('}')
	if open == '[' {
		close = ']'
	}
	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced JSON in response")
}

func (p *AnthropicProvider) ClassifyPage(ctx context.Context, pageID, pageText string) (PageClassification, error) {
	prompt := fmt.Sprintf(
		"Classify the following document page into a document type label. "+
			"Respond with JSON only: {\"label\": string, \"confidence\": number 0..1}.\n\nPage text:\n%s",
		pageText)

	resp, err := p.complete(ctx, "classification", prompt)
	if err != nil {
		return PageClassification{}, err
	}
	js, err := extractJSON(resp)
	if err != nil {
		return PageClassification{}, errors.PermanentSchemaErr("classification", err)
	}
	label := gjson.Get(js, "label").String()
	if label == "" {
		label = "unknown"
	}
	confidence := gjson.Get(js, "confidence").Float()
	return PageClassification{PageID: pageID, Label: label, Confidence: confidence}, nil
}

func (p *AnthropicProvider) ClassifyDocument(ctx context.Context, pages map[string]string) ([]PageClassification, error) {
	var sb strings.Builder
	sb.WriteString("Classify each page below into contiguous sections of a single document type. ")
	sb.WriteString("Respond with JSON only: an array of {\"page_id\": string, \"label\": string, \"confidence\": number}.\n\n")
	for id, text := range pages {
		fmt.Fprintf(&sb, "--- page %s ---\n%s\n", id, text)
	}

	resp, err := p.complete(ctx, "classification", sb.String())
	if err != nil {
		return nil, err
	}
	js, err := extractJSON(resp)
	if err != nil {
		return nil, errors.PermanentSchemaErr("classification", err)
	}

	var out []PageClassification
	for _, item := range gjson.Parse(js).Array() {
		label := item.Get("label").String()
		if label == "" {
			label = "unknown"
		}
		out = append(out, PageClassification{
			PageID:     item.Get("page_id").String(),
			Label:      label,
			Confidence: item.Get("confidence").Float(),
		})
	}
	return out, nil
}

func (p *AnthropicProvider) Extract(ctx context.Context, sectionText string, schema Schema, fewShot []FewShotExample) (map[string]any, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Extract the following attributes from a %q document section as JSON: ", schema.DocumentClass)
	for i, attr := range schema.Attributes {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s (%s%s)", attr.Name, attr.Type, requiredSuffix(attr.Required))
	}
	sb.WriteString(". Respond with a single JSON object only.\n\n")

	for i, ex := range fewShot {
		fmt.Fprintf(&sb, "Example %d input:\n%s\nExample %d output:\n", i+1, ex.Text, i+1)
		exJSON, _ := json.Marshal(ex.Expected)
		sb.Write(exJSON)
		sb.WriteString("\n\n")
	}

	fmt.Fprintf(&sb, "Section text:\n%s", sectionText)

	resp, err := p.complete(ctx, "extraction", sb.String())
	if err != nil {
		return nil, err
	}
	js, err := extractJSON(resp)
	if err != nil {
		return nil, errors.PermanentSchemaErr("extraction", err)
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(js), &out); err != nil {
		return nil, errors.PermanentSchemaErr("extraction", err)
	}
	return out, nil
}

func requiredSuffix(required bool) string {
	if required {
		return ", required"
	}
	return ", optional"
}

func (p *AnthropicProvider) Assess(ctx context.Context, sectionText string, extracted map[string]any) (float64, string, error) {
	extractedJSON, _ := json.Marshal(extracted)
	prompt := fmt.Sprintf(
		"Given the section text and the extracted attributes below, assess your confidence that the "+
			"extraction is correct. Respond with JSON only: {\"confidence\": number 0..1, \"rationale\": string}.\n\n"+
			"Section text:\n%s\n\nExtracted:\n%s", sectionText, extractedJSON)

	resp, err := p.complete(ctx, "assessment", prompt)
	if err != nil {
		return 0, "", err
	}
	js, err := extractJSON(resp)
	if err != nil {
		return 0, "", errors.PermanentSchemaErr("assessment", err)
	}
	return gjson.Get(js, "confidence").Float(), gjson.Get(js, "rationale").String(), nil
}

func (p *AnthropicProvider) EvaluateLLM(ctx context.Context, expected, actual string) (float64, error) {
	prompt := fmt.Sprintf(
		"Score how well the actual value matches the expected value on a 0..1 scale, tolerating "+
			"formatting differences that preserve meaning. Respond with JSON only: {\"score\": number}.\n\n"+
			"Expected: %s\nActual: %s", expected, actual)

	resp, err := p.complete(ctx, "evaluation", prompt)
	if err != nil {
		return 0, err
	}
	js, err := extractJSON(resp)
	if err != nil {
		return 0, errors.PermanentSchemaErr("evaluation", err)
	}
	return gjson.Get(js, "score").Float(), nil
}

func (p *AnthropicProvider) Summarize(ctx context.Context, sections map[string]string) (string, []TOCEntry, error) {
	var sb strings.Builder
	sb.WriteString("Write a cited markdown summary of this document's sections, with a table of contents. " +
		"Every claim must cite the section id it came from, e.g. [s1]. " +
		"Respond with JSON only: {\"markdown\": string, \"toc\": [{\"title\": string, \"section_id\": string}]}.\n\n")
	for id, text := range sections {
		fmt.Fprintf(&sb, "--- section %s ---\n%s\n", id, text)
	}

	resp, err := p.complete(ctx, "summarization", sb.String())
	if err != nil {
		return "", nil, err
	}
	js, err := extractJSON(resp)
	if err != nil {
		return "", nil, errors.PermanentSchemaErr("summarization", err)
	}

	markdown := gjson.Get(js, "markdown").String()
	var toc []TOCEntry
	for _, item := range gjson.Get(js, "toc").Array() {
		toc = append(toc, TOCEntry{Title: item.Get("title").String(), SectionID: item.Get("section_id").String()})
	}
	return markdown, toc, nil
}

func (p *AnthropicProvider) ValidateChunk(ctx context.Context, chunk string, rules []Rule) ([]Recommendation, error) {
	var sb strings.Builder
	sb.WriteString("Check the text chunk below against each rule. Respond with JSON only: an array of " +
		"{\"rule_id\": string, \"passed\": boolean, \"message\": string, \"confidence\": number}.\n\nRules:\n")
	for _, r := range rules {
		fmt.Fprintf(&sb, "- %s: %s\n", r.ID, r.Description)
	}
	fmt.Fprintf(&sb, "\nChunk:\n%s", chunk)

	resp, err := p.complete(ctx, "rule_validation", sb.String())
	if err != nil {
		return nil, err
	}
	js, err := extractJSON(resp)
	if err != nil {
		return nil, errors.PermanentSchemaErr("rule_validation", err)
	}

	var out []Recommendation
	for _, item := range gjson.Parse(js).Array() {
		out = append(out, Recommendation{
			RuleID:     item.Get("rule_id").String(),
			Passed:     item.Get("passed").Bool(),
			Message:    item.Get("message").String(),
			Confidence: item.Get("confidence").Float(),
		})
	}
	return out, nil
}

var (
	_ ClassifyCapability     = (*AnthropicProvider)(nil)
	_ ExtractCapability      = (*AnthropicProvider)(nil)
	_ AssessCapability       = (*AnthropicProvider)(nil)
	_ EvaluateCapability     = (*AnthropicProvider)(nil)
	_ SummarizeCapability    = (*AnthropicProvider)(nil)
	_ RuleValidateCapability = (*AnthropicProvider)(nil)
)
