// ABOUTME: Structured generation helper: prompt for JSON, strip fences, unmarshal.
// ABOUTME: Models wrap JSON in markdown fences often enough that stripping them is table stakes.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// GenerateJSON runs a generation request and unmarshals the response into
// out. The request's system prompt is extended with a strict-JSON
// instruction; markdown code fences around the payload are tolerated.
func GenerateJSON(ctx context.Context, c Client, req Request, out any) error {
	instruction := "Respond with a single valid JSON value and nothing else."
	if req.System == "" {
		req.System = instruction
	} else {
		req.System = req.System + "\n\n" + instruction
	}

	text, err := c.GenerateText(ctx, req)
	if err != nil {
		return err
	}

	payload := StripFences(text)
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return fmt.Errorf("parse generated JSON: %w", err)
	}
	return nil
}

// StripFences removes a surrounding markdown code fence, if present.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// Drop an optional language tag on the opening fence line.
	if idx := strings.Index(s, "\n"); idx >= 0 {
		first := strings.TrimSpace(s[:idx])
		if first == "json" || first == "" {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
