package adapter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-intel/internal/model"
	"github.com/sells-group/prospect-intel/internal/resilience"
	"github.com/sells-group/prospect-intel/pkg/anthropic"
)

const summarizeSystemPrompt = `You are a B2B sales research analyst. Given raw
research snippets about a company, produce a concise plain-text summary of
its technical posture and buying readiness. Be factual; do not invent data
for sources that are missing.`

// Summarizer runs the AI summarization step over the raw fetch results. It
// is driven by the scheduler exactly like a fetch task: failures are typed
// and retried with backoff.
type Summarizer struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewSummarizer creates a summarizer over an Anthropic client.
func NewSummarizer(client anthropic.Client, modelName string, maxTokens int64) *Summarizer {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Summarizer{client: client, model: modelName, maxTokens: maxTokens}
}

// Summarize condenses the successful sibling results into one summary
// result. At least one input is required; the scheduler skips the task
// when every fetch failed.
func (s *Summarizer) Summarize(ctx context.Context, company model.Company, results []*model.FetchResult) (*model.FetchResult, error) {
	if len(results) == 0 {
		return nil, resilience.Permanent(string(model.SourceSummary), eris.New("no raw results to summarize"))
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Company: %s (%s)\n\n", company.Name, company.Domain)
	for _, r := range results {
		fmt.Fprintf(&prompt, "== source: %s (fetched %s) ==\n", r.Source, r.FetchedAt.Format(time.RFC3339))
		for k, v := range r.Fields {
			fmt.Fprintf(&prompt, "%s: %v\n", k, v)
		}
		prompt.WriteString("\n")
	}

	resp, err := s.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     s.model,
		MaxTokens: s.maxTokens,
		System:    summarizeSystemPrompt,
		Messages: []anthropic.Message{
			{Role: "user", Content: prompt.String()},
		},
	})
	if err != nil {
		// Model-side failures are transient from the DAG's point of view;
		// the attempt ceiling bounds how long we insist.
		return nil, resilience.Retryable(string(model.SourceSummary), err)
	}

	resp.Usage.Log(s.model, "summarize")

	fields := map[string]any{
		"summary":       resp.Text,
		"input_tokens":  resp.Usage.InputTokens,
		"output_tokens": resp.Usage.OutputTokens,
	}
	return model.NewFetchResult(model.SourceSummary, []byte(resp.Text), fields, time.Now().UTC()), nil
}
