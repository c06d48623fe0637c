package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/apc-project/apc/internal/apcerr"
	"github.com/apc-project/apc/internal/plan"
)

// HTTPProvider is an OpenAI-compatible reference implementation of Provider.
// The spec keeps the concrete wire format of any external model API
// explicitly out of scope, so this client — generalized from the teacher's
// single-purpose Chat method into the six-operation contract — exists only
// as a swappable reference underneath that contract, not a vendor binding.
type HTTPProvider struct {
	baseURL        string
	apiKey         string
	model          string
	label          string // tier name used in debug log lines (e.g. "PLAN", "EXEC")
	enableThinking bool   // sends "enable_thinking":true in the request body for reasoning models
	httpClient     *http.Client
	backoff        apcerr.BackoffPolicy
}

// normalizeBaseURL strips trailing slashes and the "/chat/completions" suffix
// from a raw OPENAI_BASE_URL value so the path is never doubled when the
// client appends "/chat/completions" itself.
//
// Expectations:
//   - Strips a trailing "/chat/completions" suffix
//   - Strips a trailing slash without "/chat/completions"
//   - Strips trailing slash AND "/chat/completions" when both are present
//   - Returns the URL unchanged when neither suffix is present
//   - Returns "" for empty input
func normalizeBaseURL(raw string) string {
	s := strings.TrimRight(raw, "/")
	return strings.TrimSuffix(s, "/chat/completions")
}

// NewHTTPProvider creates an HTTPProvider from the shared environment
// variables: OPENAI_API_KEY, OPENAI_BASE_URL, OPENAI_MODEL.
func NewHTTPProvider() *HTTPProvider {
	return NewTier("")
}

// NewTier creates an HTTPProvider for a named tier (e.g. "PLAN", "EXEC").
// For each config key it first tries {prefix}_{KEY}; if unset it falls back
// to the shared OPENAI_{KEY}. An empty prefix reads only the shared vars.
//
// Expectations:
//   - Uses {prefix}_API_KEY / _BASE_URL / _MODEL when set and non-empty
//   - Falls back to OPENAI_* vars for any unset tier-specific var
//   - Sets enableThinking when {prefix}_ENABLE_THINKING == "true"
//   - Empty prefix reads only OPENAI_* (identical to NewHTTPProvider())
func NewTier(prefix string) *HTTPProvider {
	get := func(suffix, fallback string) string {
		if prefix != "" {
			if v := os.Getenv(prefix + "_" + suffix); v != "" {
				return v
			}
		}
		return os.Getenv(fallback)
	}
	enableThinking := prefix != "" && os.Getenv(prefix+"_ENABLE_THINKING") == "true"
	label := prefix
	if label == "" {
		label = "PROVIDER"
	}
	return &HTTPProvider{
		baseURL:        normalizeBaseURL(get("BASE_URL", "OPENAI_BASE_URL")),
		apiKey:         get("API_KEY", "OPENAI_API_KEY"),
		model:          get("MODEL", "OPENAI_MODEL"),
		label:          label,
		enableThinking: enableThinking,
		httpClient:     &http.Client{Timeout: 120 * time.Second},
		backoff:        apcerr.DefaultBackoff,
	}
}

type chatRequest struct {
	Model          string    `json:"model"`
	Messages       []chatMsg `json:"messages"`
	EnableThinking bool      `json:"enable_thinking,omitempty"`
}

type chatMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage reports token consumption for one provider call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// chat sends a system + user prompt and returns the assistant's text
// response, categorizing failures per the provider error taxonomy
// (network, authentication, rate-limit, provider-protocol).
func (c *HTTPProvider) chat(ctx context.Context, op, system, user string) (string, error) {
	var content string
	err := apcerr.Do(ctx, c.backoff, func() error {
		var callErr error
		content, callErr = c.chatOnce(ctx, op, system, user)
		return callErr
	})
	return content, err
}

func (c *HTTPProvider) chatOnce(ctx context.Context, op, system, user string) (string, error) {
	log.Printf("[%s] call=%s system_len=%d user_len=%d", c.label, op, len(system), len(user))

	payload := chatRequest{
		Model: c.model,
		Messages: []chatMsg{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		EnableThinking: c.enableThinking,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", apcerr.New(op, apcerr.Unknown, fmt.Errorf("marshal request: %w", err))
	}

	url := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", apcerr.New(op, apcerr.Unknown, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", apcerr.New(op, apcerr.Timeout, ctx.Err())
		}
		return "", apcerr.New(op, apcerr.Network, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apcerr.New(op, apcerr.Network, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", apcerr.Newf(op, apcerr.Authentication, "HTTP %d: %s", resp.StatusCode, string(respBody))
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", apcerr.Newf(op, apcerr.RateLimit, "HTTP %d: %s", resp.StatusCode, string(respBody))
	case resp.StatusCode >= 500:
		return "", apcerr.Newf(op, apcerr.ProviderProtocol, "HTTP %d: %s", resp.StatusCode, string(respBody))
	case resp.StatusCode != http.StatusOK:
		return "", apcerr.Newf(op, apcerr.Unknown, "HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", apcerr.New(op, apcerr.ProviderProtocol, fmt.Errorf("unmarshal response: %w", err))
	}
	if chatResp.Error != nil {
		return "", apcerr.Newf(op, apcerr.ProviderProtocol, "provider error: %s", chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return "", apcerr.Newf(op, apcerr.ProviderProtocol, "no choices in response")
	}
	return chatResp.Choices[0].Message.Content, nil
}

// StripThinkBlocks removes all <think>...</think> blocks from s.
// Reasoning models emit these before or between JSON objects; they are not
// part of structured output and must be stripped before JSON parsing.
//
// Expectations:
//   - Removes a single <think>...</think> block
//   - Removes multiple <think>...</think> blocks
//   - Strips an unclosed <think> block from its start to end of string
//   - Returns s unchanged when no <think> tag is present
func StripThinkBlocks(s string) string {
	for {
		start := strings.Index(s, "<think>")
		if start == -1 {
			break
		}
		end := strings.Index(s[start:], "</think>")
		if end == -1 {
			s = s[:start]
			break
		}
		s = s[:start] + s[start+end+len("</think>"):]
	}
	return strings.TrimSpace(s)
}

// StripFences removes markdown code fences (```json ... ```) and
// <think>...</think> reasoning blocks from provider output, run ahead of
// schema validation on every structured response.
func StripFences(s string) string {
	s = StripThinkBlocks(strings.TrimSpace(s))
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
		if i := strings.LastIndex(s, "```"); i != -1 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}

// --- Provider interface implementation ---

const (
	planSystemPrompt = `You are the planning stage of an agentic coding assistant. ` +
		`Given a user request and a project overview, respond with ONLY a JSON object ` +
		`{"description": string, "tasks": [{"id": string, "kind": string, "params": object, "dependencies": [string]}]}. ` +
		`kind must be one of: read-file, write-file, create-directory, delete-path, list-directory, execute-command, analyze-code, generate-content.`
	refineSystemPrompt = `You are the refinement stage. Given an abstract task and assembled project context, ` +
		`respond with ONLY a JSON object {"instruction": string, "params": object} describing a concrete, parameter-complete instruction.`
	analyzeSystemPrompt = `You are the analysis stage. Given a task, its refined instruction, and its execution result, ` +
		`respond with ONLY a JSON object {"summary": string, "verdict": string, "new_facts": object, "follow_up": string}. ` +
		`verdict must be one of: ok, partial, needs-retry, needs-alternative, abort-plan.`
	decomposeSystemPrompt = `You are the adaptive-decomposition stage. A task has failed. Given the failing task, its analysis, ` +
		`and dependency facts, respond with ONLY a JSON object {"tasks": [{"id": string, "kind": string, "params": object, "dependencies": [string]}], "skip_allowed": bool} ` +
		`describing a replacement subplan that achieves the same intent, or skip_allowed=true with an empty tasks list if the task's effect is not required.`
)

func (c *HTTPProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	return []ModelInfo{{Name: c.model, Description: "configured via " + c.label + "_MODEL / OPENAI_MODEL"}}, nil
}

type taskJSON struct {
	ID           string         `json:"id"`
	Kind         string         `json:"kind"`
	Params       map[string]any `json:"params"`
	Dependencies []string       `json:"dependencies"`
}

type planJSON struct {
	Description string     `json:"description"`
	Tasks       []taskJSON `json:"tasks"`
}

func (c *HTTPProvider) GeneratePlan(ctx context.Context, req GeneratePlanRequest) (*plan.Plan, error) {
	ctx, cancel := WithDeadline(ctx)
	defer cancel()

	user := fmt.Sprintf("Request: %s\n\nProject overview:\n%s\n\nPrior plan annotations: %v", req.Prompt, req.ProjectOverview, req.PriorPlan)
	raw, err := c.chat(ctx, "generate-plan", planSystemPrompt, user)
	if err != nil {
		return nil, err
	}
	var pj planJSON
	if err := json.Unmarshal([]byte(StripFences(raw)), &pj); err != nil {
		return nil, apcerr.New("generate-plan", apcerr.ProviderProtocol, fmt.Errorf("malformed plan response: %w", err))
	}

	p := plan.NewPlan(pj.Description, plan.UserPrompt{Content: req.Prompt})
	idMap := make(map[string]string, len(pj.Tasks)) // provider-local id -> task.ID
	for _, tj := range pj.Tasks {
		t := plan.NewTask(plan.Kind(tj.Kind), tj.Params, nil)
		idMap[tj.ID] = t.ID
		p.AddTask(t)
	}
	for i, tj := range pj.Tasks {
		t := p.Tasks[p.TaskOrder[i]]
		for _, dep := range tj.Dependencies {
			if real, ok := idMap[dep]; ok {
				t.Dependencies = append(t.Dependencies, real)
			}
		}
	}
	return p, nil
}

type refineJSON struct {
	Instruction string         `json:"instruction"`
	Params      map[string]any `json:"params"`
}

func (c *HTTPProvider) RefineInstruction(ctx context.Context, req RefineRequest) (RefineResult, error) {
	ctx, cancel := WithDeadline(ctx)
	defer cancel()

	user := fmt.Sprintf("Task kind: %s\nParams: %v\nProject overview:\n%s\nDependency facts: %v\nFile summaries: %v",
		req.Kind, req.Params, req.ProjectOverview, req.DependencyFacts, req.FileSummaries)
	raw, err := c.chat(ctx, "refine-instruction", refineSystemPrompt, user)
	if err != nil {
		return RefineResult{}, err
	}
	var rj refineJSON
	if err := json.Unmarshal([]byte(StripFences(raw)), &rj); err != nil {
		return RefineResult{}, apcerr.New("refine-instruction", apcerr.ProviderProtocol, fmt.Errorf("malformed refine response: %w", err))
	}
	return RefineResult{Instruction: rj.Instruction, Params: rj.Params}, nil
}

type analysisJSON struct {
	Summary  string         `json:"summary"`
	Verdict  string         `json:"verdict"`
	NewFacts map[string]any `json:"new_facts"`
	FollowUp string         `json:"follow_up"`
}

func (c *HTTPProvider) AnalyzeResult(ctx context.Context, req AnalyzeRequest) (plan.Analysis, error) {
	ctx, cancel := WithDeadline(ctx)
	defer cancel()

	user := fmt.Sprintf("Task kind: %s\nInstruction: %s\nResult success=%v output=%q error=%s\nProject overview:\n%s",
		req.Kind, req.Instruction, req.Result.Success, req.Result.Output, req.Result.ErrorMsg, req.ProjectOverview)
	raw, err := c.chat(ctx, "analyze-result", analyzeSystemPrompt, user)
	if err != nil {
		return plan.Analysis{}, err
	}
	var aj analysisJSON
	if err := json.Unmarshal([]byte(StripFences(raw)), &aj); err != nil {
		return plan.Analysis{}, apcerr.New("analyze-result", apcerr.ProviderProtocol, fmt.Errorf("malformed analysis response: %w", err))
	}
	return plan.Analysis{
		Summary:  aj.Summary,
		Verdict:  plan.Verdict(aj.Verdict),
		NewFacts: aj.NewFacts,
		FollowUp: aj.FollowUp,
	}, nil
}

type decomposeJSON struct {
	Tasks       []taskJSON `json:"tasks"`
	SkipAllowed bool       `json:"skip_allowed"`
}

func (c *HTTPProvider) Decompose(ctx context.Context, req DecomposeRequest) (plan.ReplacementProposal, error) {
	ctx, cancel := WithDeadline(ctx)
	defer cancel()

	user := fmt.Sprintf("Failing task kind=%s params=%v\nAnalysis summary=%s verdict=%s\nDependency facts: %v\nProject overview:\n%s",
		req.Failing.Kind, req.Failing.Params, req.Analysis.Summary, req.Analysis.Verdict, req.DependencyFacts, req.ProjectOverview)
	raw, err := c.chat(ctx, "decompose", decomposeSystemPrompt, user)
	if err != nil {
		return plan.ReplacementProposal{}, err
	}
	var dj decomposeJSON
	if err := json.Unmarshal([]byte(StripFences(raw)), &dj); err != nil {
		return plan.ReplacementProposal{}, apcerr.New("decompose", apcerr.ProviderProtocol, fmt.Errorf("malformed decompose response: %w", err))
	}
	proposal := plan.ReplacementProposal{SkipAllowed: dj.SkipAllowed}
	idMap := make(map[string]string, len(dj.Tasks))
	for _, tj := range dj.Tasks {
		t := plan.NewTask(plan.Kind(tj.Kind), tj.Params, nil)
		idMap[tj.ID] = t.ID
		proposal.Tasks = append(proposal.Tasks, t)
	}
	for i, tj := range dj.Tasks {
		for _, dep := range tj.Dependencies {
			real := dep
			if mapped, ok := idMap[dep]; ok {
				real = mapped
			}
			proposal.Tasks[i].Dependencies = append(proposal.Tasks[i].Dependencies, real)
		}
	}
	return proposal, nil
}

func (c *HTTPProvider) Summarize(ctx context.Context, text string, priorSummary string) (string, error) {
	ctx, cancel := WithDeadline(ctx)
	defer cancel()

	system := "Summarize the given text concisely for use as project context. If a prior summary is given, merge it with the new chunk."
	user := text
	if priorSummary != "" {
		user = "Prior summary: " + priorSummary + "\n\nNew chunk:\n" + text
	}
	raw, err := c.chat(ctx, "summarize", system, user)
	if err != nil {
		return "", err
	}
	return StripFences(raw), nil
}
