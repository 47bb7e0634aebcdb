// ABOUTME: Applies KEY=VALUE pairs from a dotenv file to the process environment.
// ABOUTME: Variables already set in the environment always win over file values.
package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"
)

// ApplyDotEnv loads variables from a dotenv file into the environment. A
// missing file is fine; values never override variables that are already set.
// Supported lines: blank, # comments, KEY=VALUE with an optional `export `
// prefix, single or double quoting, and trailing comments on unquoted values.
func ApplyDotEnv(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	for key, value := range parseDotEnv(string(data)) {
		if _, exists := os.LookupEnv(key); !exists {
			os.Setenv(key, value)
		}
	}
	return nil
}

func parseDotEnv(text string) map[string]string {
	vars := make(map[string]string)
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		// Values can contain '='; split on the first one only.
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)

		switch {
		case len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"',
			len(value) >= 2 && value[0] == '\'' && value[len(value)-1] == '\'':
			value = value[1 : len(value)-1]
		default:
			// An unquoted value ends at an inline comment.
			if i := strings.Index(value, " #"); i >= 0 {
				value = strings.TrimSpace(value[:i])
			}
		}
		vars[key] = value
	}
	return vars
}
