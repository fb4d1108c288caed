// ABOUTME: Environment variable substitution for settings strings.
// ABOUTME: ${NAME} expands, $${NAME} escapes to a literal, missing vars error out.

package mcp

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// ErrMissingEnv is returned when a referenced env var is unset or empty.
var ErrMissingEnv = errors.New("missing environment variable")

var envRefPattern = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`)

// escapeSentinel temporarily replaces the $${ escape so the expansion pass
// cannot see it. NUL cannot appear in JSON string content, so it is safe.
const escapeSentinel = "\x00{"

// ExpandEnv resolves ${NAME} references in s and unescapes $${NAME} to a
// literal ${NAME}. Unset and empty variables are both errors; the caller
// decides whether that aborts the load or just drops a server.
func ExpandEnv(s string) (string, error) {
	masked := strings.ReplaceAll(s, "$${", escapeSentinel)

	var missing []string
	expanded := envRefPattern.ReplaceAllStringFunc(masked, func(ref string) string {
		name := ref[2 : len(ref)-1]
		value := os.Getenv(name)
		if value == "" {
			missing = append(missing, name)
		}
		return value
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: %s", ErrMissingEnv, strings.Join(missing, ", "))
	}

	return strings.ReplaceAll(expanded, escapeSentinel, "${"), nil
}

// expandConfig walks a server config and expands every string value,
// including strings nested in arrays and objects.
func expandConfig(cfg map[string]any) (map[string]any, error) {
	expanded, err := expandValue(cfg)
	if err != nil {
		return nil, err
	}
	return expanded.(map[string]any), nil
}

func expandValue(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return ExpandEnv(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			expanded, err := expandValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = expanded
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for key, item := range val {
			expanded, err := expandValue(item)
			if err != nil {
				return nil, err
			}
			out[key] = expanded
		}
		return out, nil
	default:
		return v, nil
	}
}
