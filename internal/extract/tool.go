package extract

import (
	"context"
	"strings"
)

// TextNavigator is the slice of the browser tool-service the extractor needs.
type TextNavigator interface {
	ExtractText(ctx context.Context, url string) (string, error)
}

// ToolAssisted delegates to the browser tool-service for script-rendered
// pages and consent walls the static pass cannot see through.
type ToolAssisted struct {
	Browser TextNavigator
}

func (t *ToolAssisted) Name() string { return "tool-assisted" }

func (t *ToolAssisted) Extract(ctx context.Context, url string) (string, error) {
	text, err := t.Browser.ExtractText(ctx, url)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}
