// ABOUTME: Generation client interface plus an offline deterministic implementation.
// ABOUTME: The offline client keeps the pipeline runnable with no API key configured.
package llm

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
)

// Request is one text generation call.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature *float64
}

// Client generates text from a prompt.
type Client interface {
	GenerateText(ctx context.Context, req Request) (string, error)
}

// NewFromEnv builds a client from environment configuration. With no API key
// set it falls back to the offline client; the second return reports that.
//
// Recognized variables: OPENAI_API_KEY, OPENAI_MODEL, OPENAI_BASE_URL.
func NewFromEnv() (Client, bool) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return &OfflineClient{}, true
	}
	return NewOpenAIClient(apiKey, os.Getenv("OPENAI_MODEL"), os.Getenv("OPENAI_BASE_URL")), false
}

// OfflineClient is a deterministic stand-in used when no generation backend
// is configured. Output is a function of the prompt alone, so repeated runs
// over the same inputs produce identical artifacts.
type OfflineClient struct{}

// GenerateText returns a deterministic placeholder stamped with a digest of
// the prompt.
func (c *OfflineClient) GenerateText(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	digest := sha256.Sum256([]byte(req.System + "\n" + req.Prompt))
	return fmt.Sprintf("(offline generation %x)\n\n%s", digest[:6], req.Prompt), nil
}

var _ Client = (*OfflineClient)(nil)
