package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// HandleStatus reports the model status, load progress and last load error as JSON.
func (m Main) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(m.session.Snapshot()); err != nil {
		m.logger.Error("Failed to encode status", zap.Error(err))
	}
}

// HandleRetry starts loading the model again. It responds immediately; progress is reported on the
// status topic. A load that is already in flight is not restarted.
func (m Main) HandleRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	go func() {
		if err := m.session.Initialize(context.WithoutCancel(r.Context())); err != nil {
			m.logger.Error("Model load failed", zap.Error(err))
		}
	}()
	w.WriteHeader(http.StatusAccepted)
}
