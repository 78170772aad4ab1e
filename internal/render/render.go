// Package render turns raw calendar descriptions into front-matter metadata
// and a body in the requested output format.
package render

import (
	"errors"
	"fmt"
	"strings"

	"github.com/russross/blackfriday/v2"
	"gopkg.in/yaml.v3"

	appLog "github.com/codeday/calendar-gql/internal/log"
	"github.com/codeday/calendar-gql/internal/metrics"
	"github.com/codeday/calendar-gql/internal/model"
)

const fence = "---"

var errUnterminatedFence = errors.New("front matter fence is not closed")

// Result is a rendered description. When Fallback is set, Body is the raw
// input and Metadata is empty.
type Result struct {
	Metadata map[string]any
	Body     string
	Fallback bool
}

// Render runs the description pipeline. It never fails: any error (or
// panic) along the way yields the raw text with Fallback set.
func Render(raw string, format model.Format) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = fallback(raw, fmt.Errorf("panic: %v", r))
		}
	}()

	if raw == "" {
		return Result{Metadata: map[string]any{}}
	}
	if err := checkBalanced(raw); err != nil {
		return fallback(raw, err)
	}

	meta, bodyStart, err := FrontMatter(plainText(raw))
	if err != nil {
		return fallback(raw, err)
	}

	body := sliceLines(toMarkdown(raw), bodyStart)

	switch format {
	case model.FormatMarkdown:
	case model.FormatDiscord:
		body = Discord(body)
	default:
		body = HTML(body)
	}
	return Result{Metadata: meta, Body: body}
}

// HTML renders Markdown with the stock blackfriday HTML renderer.
func HTML(md string) string {
	return string(blackfriday.Run([]byte(md), blackfriday.WithExtensions(blackfriday.CommonExtensions)))
}

func fallback(raw string, err error) Result {
	metrics.DescriptionFallbacks.Inc()
	appLog.Debug("description rendered raw", "reason", err.Error())
	return Result{Metadata: map[string]any{}, Body: raw, Fallback: true}
}

// FrontMatter parses a YAML block fenced by "---" lines at the very start of
// text. It returns the metadata and the 0-based index of the first body line
// after the closing fence (0 when there is no front matter).
func FrontMatter(text string) (map[string]any, int, error) {
	lines := strings.Split(text, "\n")
	meta := map[string]any{}
	if len(lines) == 0 || !isFence(lines[0]) {
		return meta, 0, nil
	}

	end := -1
	for i := 1; i < len(lines); i++ {
		if isFence(lines[i]) {
			end = i
			break
		}
	}
	if end < 0 {
		return nil, 0, errUnterminatedFence
	}

	block := strings.Join(lines[1:end], "\n")
	if err := yaml.Unmarshal([]byte(block), &meta); err != nil {
		return nil, 0, fmt.Errorf("front matter: %w", err)
	}
	if meta == nil {
		meta = map[string]any{}
	}
	return meta, end + 1, nil
}

func isFence(line string) bool {
	return strings.TrimSpace(line) == fence
}

func sliceLines(text string, from int) string {
	if from <= 0 {
		return text
	}
	lines := strings.Split(text, "\n")
	if from >= len(lines) {
		return ""
	}
	return strings.Join(lines[from:], "\n")
}
