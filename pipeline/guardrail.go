// ABOUTME: Guardrail enforcer validating proposed file change sets against forbidden-path rules.
// ABOUTME: Matching is prefix-based over normalized repo-root-relative paths; rejection is a hard fail.
package pipeline

import (
	"path"
	"sort"
	"strings"
)

// GuardrailEnforcer checks proposed file paths against a forbidden-path list.
// It is stateless after construction and safe for concurrent use.
type GuardrailEnforcer struct {
	forbidden []string
}

// NewGuardrailEnforcer builds an enforcer from the configured forbidden paths.
// Paths are normalized once here so every Check sees canonical rules.
func NewGuardrailEnforcer(forbiddenPaths []string) *GuardrailEnforcer {
	norm := make([]string, 0, len(forbiddenPaths))
	for _, p := range forbiddenPaths {
		n := normalizeRepoPath(p)
		if n != "" {
			norm = append(norm, n)
		}
	}
	return &GuardrailEnforcer{forbidden: norm}
}

// Check validates a proposed set of file paths. It returns nil when every
// path is allowed, or a *GuardrailViolation listing the offending paths.
func (g *GuardrailEnforcer) Check(paths []string) error {
	var violating []string
	for _, p := range paths {
		n := normalizeRepoPath(p)
		for _, f := range g.forbidden {
			if n == f || strings.HasPrefix(n, f+"/") {
				violating = append(violating, p)
				break
			}
		}
	}
	if len(violating) > 0 {
		sort.Strings(violating)
		return &GuardrailViolation{Paths: violating}
	}
	return nil
}

// normalizeRepoPath cleans a path and strips any leading slash so that
// "/infra", "infra/", and "./infra" all compare equal relative to repo root.
func normalizeRepoPath(p string) string {
	n := path.Clean(strings.ReplaceAll(strings.TrimSpace(p), "\\", "/"))
	n = strings.TrimPrefix(n, "/")
	if n == "." {
		return ""
	}
	return n
}
