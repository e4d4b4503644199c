package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"herald-main/src/internal/tasks"
)

var (
	ErrEmptyOutput       = errors.New("model returned an empty response")
	ErrUnparseableOutput = errors.New("model output is not valid JSON")
)

var jsonFenceRe = regexp.MustCompile("(?is)```json\\s*(.*?)\\s*```")

// ParseModelOutput extracts the action contract from a model answer. It
// tries the whole text, then a ```json fenced block, then the outermost
// brace-delimited span.
func ParseModelOutput(raw string) (*tasks.ModelOutput, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, ErrEmptyOutput
	}

	candidates := []string{text}
	if m := jsonFenceRe.FindStringSubmatch(text); len(m) == 2 {
		candidates = append(candidates, m[1])
	}
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		candidates = append(candidates, text[start:end+1])
	}

	for _, c := range candidates {
		// The contract is an object; null or a bare array does not qualify.
		if !strings.HasPrefix(strings.TrimSpace(c), "{") {
			continue
		}
		var out tasks.ModelOutput
		if err := json.Unmarshal([]byte(c), &out); err == nil {
			if out.Actions == nil {
				out.Actions = []tasks.Action{}
			}
			return &out, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnparseableOutput, truncatePreview(text, 200))
}
