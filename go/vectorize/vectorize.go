// Package vectorize obtains dense embeddings for thesis text from the
// OpenAI embeddings API, and composes the prompts which are embedded.
package vectorize

import (
	"context"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/llms/openai"
)

const (
	// maxPromptRunes bounds the text sent to the embedding API.
	maxPromptRunes = 8000

	attempts     = 3
	attemptPause = 2 * time.Second
)

// Client is a single-call vectorizer with bounded in-call retries.
// The queue retry loop never sees these attempts; callers observe only
// success or not-ok.
type Client struct {
	llm   *openai.LLM
	pause time.Duration
}

// New returns a Client backed by the OpenAI embeddings API.
func New(apiKey, model string) (*Client, error) {
	llm, err := openai.New(
		openai.WithToken(apiKey),
		openai.WithEmbeddingModel(model),
	)
	if err != nil {
		return nil, err
	}
	return &Client{llm: llm, pause: attemptPause}, nil
}

// Embed trims and truncates |text| and requests its embedding, retrying up
// to three times with a fixed pause. ok is false after exhaustion.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, bool) {
	text = Truncate(strings.TrimSpace(text))
	if text == "" {
		return nil, false
	}

	for i := 0; i < attempts; i++ {
		vecs, err := c.llm.CreateEmbedding(ctx, []string{text})
		if err == nil && len(vecs) == 1 {
			return vecs[0], true
		}
		log.WithFields(log.Fields{
			"attempt": i,
			"err":     err,
		}).Warn("embedding request failed (will retry)")

		select {
		case <-time.After(c.pause):
		case <-ctx.Done():
			return nil, false
		}
	}
	return nil, false
}

// Truncate bounds |text| to the embedding prompt limit, measured in runes
// so multi-byte characters are never split.
func Truncate(text string) string {
	if r := []rune(text); len(r) > maxPromptRunes {
		return string(r[:maxPromptRunes])
	}
	return text
}
