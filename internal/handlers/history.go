package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MegaGrindStone/localchat/internal/store"
	"go.uber.org/zap"
)

const maxImportSize = 64 << 20

// HandleExport downloads every chat as a pretty-printed JSON document.
func (m Main) HandleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	doc, err := m.store.ExportDocument()
	if err != nil {
		m.logger.Error("Failed to export chats", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", store.ExportFileName(time.Now())))
	_, _ = w.Write(doc)
}

// HandleImport loads an exported document from the "file" form field. The optional "policy" field
// selects replace or merge, defaulting to the configured policy. A malformed document responds 400 and
// leaves the chats untouched.
func (m Main) HandleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	policy := m.importPolicy
	if p := r.FormValue("policy"); p != "" {
		parsed, err := store.ParseImportPolicy(p)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		policy = parsed
	}

	f, _, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "file is required", http.StatusBadRequest)
		return
	}
	defer f.Close()

	raw, err := io.ReadAll(io.LimitReader(f, maxImportSize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n, err := m.store.Import(r.Context(), raw, policy)
	if err != nil {
		m.logger.Error("Failed to import chats", zap.Error(err))
		var formatErr *store.ImportFormatError
		if errors.As(err, &formatErr) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	m.logger.Info("Imported chats", zap.Int("count", n), zap.String("policy", string(policy)))
	m.publishChats()
	http.Redirect(w, r, "/", http.StatusSeeOther)
}
