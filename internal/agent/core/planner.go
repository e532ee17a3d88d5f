package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/opwatch/opwatch/config"
	"github.com/opwatch/opwatch/internal/capability"
	"github.com/opwatch/opwatch/internal/corpus"
	"github.com/opwatch/opwatch/internal/helpers"
	"github.com/opwatch/opwatch/session/session_models"
)

// LLMPolicy decides the next action for the active handler by prompting an
// LLM with the handler card and the task state. It validates the returned
// decision structurally; authority checks (may this handler emit this
// category, hand off to that target) stay with the registry.
type LLMPolicy struct {
	config      *config.Config
	llmProvider LLMProvider
	logger      *log.Logger
}

// NewLLMPolicy creates a new LLM-backed policy instance
func NewLLMPolicy(cfg *config.Config, llmProvider LLMProvider) *LLMPolicy {
	return &LLMPolicy{
		config:      cfg,
		llmProvider: llmProvider,
		logger:      log.New(log.Writer(), "[POLICY] ", log.LstdFlags),
	}
}

// capabilityHints documents the call contract of each capability for the
// decision prompt.
var capabilityHints = map[string]string{
	capability.CapCrawlerCreateTask: `start a crawl; args: {"platform": "douyin|xhs|bilibili|weibo|kuaishou", "keywords": ["..."], "mode": "search|detail|creator|homefeed", "max_pages": N}`,
	capability.CapCrawlerTaskStatus: `wait for a crawl task; args: {"task_id": "..."}`,
	capability.CapCrawlerQueryPosts: `load crawled posts into the dataset; args: {"task_id": "..."} (omit task_id for all)`,
	capability.CapCrawlerStatistics: `dataset totals per platform; args: {}`,
	capability.CapAnalyzeSensitive:  `sensitive-content detection over the dataset; args: {}`,
	capability.CapAnalyzeSentiment:  `sentiment analysis over the dataset; args: {}`,
	capability.CapExtractTopics:     `topic extraction over the dataset; args: {}`,
	capability.CapDetectTrends:      `trend detection over the dataset; args: {}`,
	capability.CapAnalyzeEngagement: `engagement analysis over the dataset; args: {}`,
}

// Decide prompts the model for the next action and parses the response.
// A malformed or structurally invalid response is retried with the problem
// appended to the prompt, up to the configured number of decision retries.
func (p *LLMPolicy) Decide(ctx context.Context, input PolicyInput) (Decision, error) {
	startTime := time.Now()

	prompt := p.createDecisionPrompt(input)
	model := p.modelFor(input.Handler)

	retries := p.config.Agents.DecisionRetries
	if retries < 0 {
		retries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		response, err := p.generate(ctx, prompt, model, input.Usage)
		if err != nil {
			return Decision{}, fmt.Errorf("failed to generate decision: %w", err)
		}

		decision, err := p.parseDecision(response)
		if err == nil {
			err = p.validateDecision(decision, input.Card)
		}
		if err == nil {
			p.logger.Printf("Decision for %s: action=%s (turn %d, %v)",
				input.Handler, decision.Action, input.TurnsUsed+1, time.Since(startTime))
			return decision, nil
		}

		lastErr = err
		p.logger.Printf("Decision attempt %d for %s rejected: %v", attempt+1, input.Handler, err)
		prompt = p.createRepairPrompt(input, response, err)
	}

	return Decision{}, fmt.Errorf("decision rejected after %d attempts: %w", retries+1, lastErr)
}

// generate calls the model, falling back to the configured fallback model
// when the primary call fails, and accrues usage.
func (p *LLMPolicy) generate(ctx context.Context, prompt, model string, usage *Usage) (string, error) {
	options := map[string]interface{}{
		"temperature": 0.2, // Lower temperature for more consistent decisions
		"max_tokens":  2000,
	}

	response, inTok, outTok, err := p.llmProvider.GenerateWithTokens(ctx, prompt, model, options)
	if err != nil {
		fallback := p.config.LLM.Routing.Fallback
		if fallback == "" || fallback == model {
			return "", err
		}
		p.logger.Printf("Model %s failed (%v), falling back to %s", model, err, fallback)
		model = fallback
		response, inTok, outTok, err = p.llmProvider.GenerateWithTokens(ctx, prompt, model, options)
		if err != nil {
			return "", err
		}
	}

	usage.Add(model, inTok, outTok, p.llmProvider.CalculateCost(inTok, outTok, model))
	return response, nil
}

// modelFor routes narrative handlers to the synthesis model and everything
// else to the decision model.
func (p *LLMPolicy) modelFor(handler string) string {
	routing := p.config.LLM.Routing
	switch handler {
	case capability.HandlerReportGeneration, capability.HandlerDecisionSupport:
		if routing.Synthesis != "" {
			return routing.Synthesis
		}
	}
	return routing.Decision
}

// createDecisionPrompt renders the handler card and task state into the
// decision prompt.
func (p *LLMPolicy) createDecisionPrompt(input PolicyInput) string {
	var caps strings.Builder
	for _, c := range input.Card.Capabilities {
		hint := capabilityHints[c]
		if hint == "" {
			hint = "args: {}"
		}
		fmt.Fprintf(&caps, "- %s: %s\n", c, hint)
	}
	if caps.Len() == 0 {
		caps.WriteString("(none)\n")
	}

	handoffs := strings.Join(input.Card.Handoffs, ", ")
	if handoffs == "" {
		handoffs = "(none; finish the task instead)"
	}

	var outputs []string
	for _, c := range input.Card.Outputs {
		outputs = append(outputs, string(c))
	}
	outputsLine := strings.Join(outputs, ", ")
	if outputsLine == "" {
		outputsLine = "(none)"
	}

	var emitted []string
	for _, c := range input.Emitted {
		emitted = append(emitted, string(c))
	}
	emittedLine := strings.Join(emitted, ", ")
	if emittedLine == "" {
		emittedLine = "(none yet)"
	}

	keywords := strings.Join(input.Request.Keywords, ", ")
	platforms := strings.Join(input.Request.Platforms, ", ")
	if platforms == "" {
		platforms = "any"
	}

	return fmt.Sprintf(`You are the %s handler in a public-opinion analysis runtime.

HANDLER BRIEF:
%s

ANALYSIS REQUEST: %s
Keywords: %s
Platforms: %s

TASK STATE:
- Dataset: %d posts collected
- Report sections already emitted: %s
- Turns used: %d, turns left: %d (every decision costs one turn; budget them)

CAPABILITIES YOU MAY CALL:
%s
ALLOWED HANDOFF TARGETS: %s
REPORT SECTIONS YOU MAY EMIT: %s
%s%s%s
OUTPUT FORMAT (JSON), exactly one of:
{"action": "tool_calls", "tool_calls": [{"capability": "name", "args": {...}}], "reason": "..."}
{"action": "emit", "category": "section_name", "payload": {...}, "reason": "..."}
{"action": "handoff", "target": "handler_name", "summary": "what you did and what is left", "reason": "..."}
{"action": "finish", "summary": "closing summary", "reason": "..."}

RULES:
1. Respond with a single JSON object and nothing else.
2. Batch independent capability calls into one tool_calls action; they run concurrently.
3. Emit payloads must match the section schema; never invent numbers a capability did not return.
4. Hand off once your part is done. Do not repeat work that is already emitted.`,
		input.Handler,
		input.Card.Instructions,
		input.Request.Content,
		keywords,
		platforms,
		input.CorpusSize,
		emittedLine,
		input.TurnsUsed,
		input.TurnsLeft,
		caps.String(),
		handoffs,
		outputsLine,
		renderSample(input.Sample),
		renderHistory(input.History),
		renderOutcomes(input.LastResults),
	)
}

// createRepairPrompt asks the model to correct a rejected response.
func (p *LLMPolicy) createRepairPrompt(input PolicyInput, response string, problem error) string {
	return fmt.Sprintf(`%s

YOUR PREVIOUS RESPONSE:
%s

PROBLEM: %v

Respond again with exactly one valid JSON object in the required format.`,
		p.createDecisionPrompt(input), truncate(response, 1200), problem)
}

// renderSample quotes a few keyword-matching posts so narrative sections can
// cite real content instead of paraphrasing tool summaries.
func renderSample(hits []corpus.Hit) string {
	if len(hits) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\nMATCHING POSTS:\n")
	for _, h := range hits {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", h.Platform, truncate(h.Title, 80), truncate(h.Snippet, 240))
	}
	return b.String()
}

// renderHistory digests the most recent session turns for the prompt.
func renderHistory(history []session_models.Turn) string {
	if len(history) == 0 {
		return ""
	}
	const keep = 8
	turns := history
	if len(turns) > keep {
		turns = turns[len(turns)-keep:]
	}
	var b strings.Builder
	b.WriteString("\nRECENT ACTIVITY:\n")
	for _, t := range turns {
		fmt.Fprintf(&b, "- #%d %s %s", t.Seq, t.Handler, t.Kind)
		if t.Capability != "" {
			fmt.Fprintf(&b, " %s", t.Capability)
		}
		if t.Detail != "" {
			fmt.Fprintf(&b, ": %s", truncate(t.Detail, 200))
		}
		if t.Err != "" {
			fmt.Fprintf(&b, " (error: %s)", truncate(t.Err, 200))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// renderOutcomes shows the results of the previous fan-out, truncated so a
// large post dump cannot blow up the prompt.
func renderOutcomes(outcomes []ToolOutcome) string {
	if len(outcomes) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\nLAST TOOL RESULTS:\n")
	for _, o := range outcomes {
		if o.Err != "" {
			fmt.Fprintf(&b, "- %s FAILED after %d attempts: %s\n", o.Capability, o.Attempts, truncate(o.Err, 300))
			continue
		}
		fmt.Fprintf(&b, "- %s ok (%v): %s\n", o.Capability, o.Duration.Round(time.Millisecond), truncate(string(o.Result), 1200))
	}
	return b.String()
}

// parseDecision extracts the JSON object from the response and decodes it.
func (p *LLMPolicy) parseDecision(response string) (Decision, error) {
	jsonStr, err := helpers.ExtractJSON(response)
	if err != nil {
		return Decision{}, fmt.Errorf("no JSON found in response: %w", err)
	}
	var decision Decision
	if err := json.Unmarshal([]byte(jsonStr), &decision); err != nil {
		return Decision{}, fmt.Errorf("failed to parse decision JSON: %w", err)
	}
	return decision, nil
}

// validateDecision checks the decision is structurally usable. Emitting a
// category the handler does not own is left for the aggregator to downgrade
// into a report warning.
func (p *LLMPolicy) validateDecision(d Decision, card capability.HandlerCard) error {
	switch d.Action {
	case ActionToolCalls:
		if len(d.ToolCalls) == 0 {
			return fmt.Errorf("tool_calls action without tool calls")
		}
		for _, tc := range d.ToolCalls {
			if tc.Capability == "" {
				return fmt.Errorf("tool call without capability name")
			}
			if !contains(card.Capabilities, tc.Capability) {
				return fmt.Errorf("handler %s may not call %s", card.Name, tc.Capability)
			}
		}
	case ActionHandoff:
		if d.Target == "" {
			return fmt.Errorf("handoff action without target")
		}
		if !contains(card.Handoffs, d.Target) {
			return fmt.Errorf("handler %s may not hand off to %s", card.Name, d.Target)
		}
	case ActionEmit:
		if d.Category == "" {
			return fmt.Errorf("emit action without category")
		}
		if len(d.Payload) == 0 {
			return fmt.Errorf("emit action without payload")
		}
	case ActionFinish:
		// nothing to check
	default:
		return fmt.Errorf("unknown action %q", d.Action)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
