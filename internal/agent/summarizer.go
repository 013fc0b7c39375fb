package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/fenwick-ai/soul/pkg/models"
)

// summarizerSystemPrompt instructs the provider to produce a compact,
// factual digest rather than a conversational reply.
const summarizerSystemPrompt = "You are condensing a conversation transcript for context compaction. " +
	"Summarize the messages below into a short paragraph capturing decisions made, " +
	"open tasks, and facts a continuation would need. Do not address the user directly."

// ProviderSummarizer implements compaction.Summarizer by making a single,
// non-streaming-shaped Complete call against an LLMProvider: the messages
// to summarize become the request history, under a dedicated system
// prompt, and every streamed chunk's text is concatenated into the
// summary.
type ProviderSummarizer struct {
	provider LLMProvider
	model    string
}

// NewProviderSummarizer creates a summarizer that condenses history via
// provider, requesting model (the provider's own default if empty).
func NewProviderSummarizer(provider LLMProvider, model string) *ProviderSummarizer {
	return &ProviderSummarizer{provider: provider, model: model}
}

// Summarize condenses messages into a short digest string.
func (s *ProviderSummarizer) Summarize(ctx context.Context, messages []*models.Message) (string, error) {
	if s.provider == nil {
		return "", fmt.Errorf("compaction: no provider configured for summarization")
	}

	req := &CompletionRequest{
		Model:     s.model,
		System:    summarizerSystemPrompt,
		Messages:  toCompletionMessages(messages),
		MaxTokens: 1024,
	}

	chunks, err := s.provider.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("compaction: summarizer call failed: %w", err)
	}

	var out strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return "", fmt.Errorf("compaction: summarizer stream failed: %w", chunk.Error)
		}
		out.WriteString(chunk.Text)
	}

	summary := strings.TrimSpace(out.String())
	if summary == "" {
		return "", fmt.Errorf("compaction: summarizer returned empty output")
	}
	return summary, nil
}
