package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/MegaGrindStone/localchat/internal/models"
	"go.uber.org/zap"
)

// ImportPolicy decides how imported chats are combined with the existing collection.
type ImportPolicy string

const (
	// ImportReplace makes the imported chats the entire collection and clears the selection.
	ImportReplace ImportPolicy = "replace"
	// ImportMerge puts the imported chats in front of the existing ones and keeps the selection.
	// Imported chats whose id already exists are skipped.
	ImportMerge ImportPolicy = "merge"
)

// ParseImportPolicy validates a policy name.
func ParseImportPolicy(s string) (ImportPolicy, error) {
	switch p := ImportPolicy(s); p {
	case ImportReplace, ImportMerge:
		return p, nil
	default:
		return "", fmt.Errorf("unknown import policy %q, want %q or %q", s, ImportReplace, ImportMerge)
	}
}

// ImportFormatError reports an import document that is not a valid array of chats. The store is left
// untouched when it is returned.
type ImportFormatError struct {
	Err error
}

func (e *ImportFormatError) Error() string {
	return fmt.Sprintf("invalid format: %v", e.Err)
}

func (e *ImportFormatError) Unwrap() error {
	return e.Err
}

// ExportFileName names an export file after the instant it was taken.
func ExportFileName(t time.Time) string {
	return fmt.Sprintf("localchat-history-%d.json", t.UnixMilli())
}

// ExportDocument returns every chat as a pretty-printed JSON array.
func (s *Store) ExportDocument() ([]byte, error) {
	s.mu.Lock()
	chats := s.chats
	if chats == nil {
		chats = []models.ChatHistory{}
	}
	doc, err := json.MarshalIndent(chats, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chats: %w", err)
	}
	return doc, nil
}

// Export writes ExportDocument to w.
func (s *Store) Export(w io.Writer) error {
	doc, err := s.ExportDocument()
	if err != nil {
		return err
	}
	if _, err := w.Write(doc); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	return nil
}

// Import parses raw as a JSON array of chats and applies it with policy. It returns the number of chats
// added. Documents that are not an array, or that contain chats without an id, with duplicate ids or
// with unknown message roles, fail with an *ImportFormatError and change nothing.
func (s *Store) Import(ctx context.Context, raw []byte, policy ImportPolicy) (int, error) {
	if _, err := ParseImportPolicy(string(policy)); err != nil {
		return 0, err
	}

	imported, err := parseDocument(raw)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var chats []models.ChatHistory
	switch policy {
	case ImportReplace:
		chats = imported
	case ImportMerge:
		fresh := slices.DeleteFunc(imported, func(c models.ChatHistory) bool {
			return s.indexLocked(c.ID) != -1
		})
		chats = append(fresh, s.chats...)
		imported = fresh
	}

	currentID := s.currentID
	if policy == ImportReplace {
		currentID = ""
	}
	if err := s.commitLocked(ctx, chats, currentID); err != nil {
		return 0, err
	}

	s.logger.Info("Chats imported", zap.String("policy", string(policy)), zap.Int("count", len(imported)))
	return len(imported), nil
}

func parseDocument(raw []byte) ([]models.ChatHistory, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, &ImportFormatError{Err: errors.New("empty document")}
	}
	if !json.Valid(trimmed) {
		return nil, &ImportFormatError{Err: errors.New("document is not valid JSON")}
	}
	if trimmed[0] != '[' {
		return nil, &ImportFormatError{Err: errors.New("expected an array of chat histories")}
	}

	var chats []models.ChatHistory
	if err := json.Unmarshal(trimmed, &chats); err != nil {
		return nil, &ImportFormatError{Err: err}
	}

	seen := make(map[string]struct{}, len(chats))
	for i, c := range chats {
		if c.ID == "" {
			return nil, &ImportFormatError{Err: fmt.Errorf("chat %d has no id", i)}
		}
		if _, ok := seen[c.ID]; ok {
			return nil, &ImportFormatError{Err: fmt.Errorf("duplicate chat id %s", c.ID)}
		}
		seen[c.ID] = struct{}{}

		for _, m := range c.Messages {
			if m.Role != models.RoleUser && m.Role != models.RoleAssistant {
				return nil, &ImportFormatError{Err: fmt.Errorf("chat %s: message %s has unknown role %q", c.ID, m.ID, m.Role)}
			}
		}
	}
	return chats, nil
}
