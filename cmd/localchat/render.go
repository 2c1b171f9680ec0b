package main

import (
	"fmt"

	"github.com/charmbracelet/glamour"
)

const wordWrap = 100

func newTerminalRenderer() (*glamour.TermRenderer, error) {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(wordWrap),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create markdown renderer: %w", err)
	}
	return r, nil
}
