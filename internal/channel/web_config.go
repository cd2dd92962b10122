package channel

import (
	"encoding/json"
	"io"
	"net/http"

	"grandmaster/internal/config"
)

// handleGetConfig returns the running config with secrets masked.
func (w *Web) handleGetConfig(rw http.ResponseWriter, r *http.Request) {
	w.cfgMu.RLock()
	defer w.cfgMu.RUnlock()

	if w.cfg == nil {
		writeError(rw, http.StatusServiceUnavailable, "config not loaded")
		return
	}
	writeJSON(rw, http.StatusOK, config.Sanitize(w.cfg))
}

// handleUpdateConfig sets one value by dotted path, in memory:
//
//	{"path": "team.temperature", "value": 0.4}
//
// The change is applied only when the result validates. Most settings
// take effect on the next restart; use /api/config/save to persist.
func (w *Web) handleUpdateConfig(rw http.ResponseWriter, r *http.Request) {
	w.cfgMu.Lock()
	defer w.cfgMu.Unlock()

	if w.cfg == nil {
		writeError(rw, http.StatusServiceUnavailable, "config not loaded")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(rw, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	defer r.Body.Close()

	var req struct {
		Path  string `json:"path"`
		Value any    `json:"value"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.Path == "" {
		writeError(rw, http.StatusBadRequest, `expected {"path": "...", "value": ...}`)
		return
	}

	if _, err := config.GetByPath(w.cfg, req.Path); err != nil {
		writeError(rw, http.StatusBadRequest, err.Error())
		return
	}

	candidate := config.Clone(w.cfg)
	if err := config.SetByPath(candidate, req.Path, req.Value); err != nil {
		writeError(rw, http.StatusBadRequest, err.Error())
		return
	}
	if err := config.Validate(candidate); err != nil {
		writeError(rw, http.StatusBadRequest, "validation: "+err.Error())
		return
	}
	*w.cfg = *candidate

	w.logger.Info("config updated via path", "path", req.Path)
	writeJSON(rw, http.StatusOK, map[string]string{"status": "updated", "path": req.Path})
}

// handleSaveConfig persists the in-memory config to disk.
func (w *Web) handleSaveConfig(rw http.ResponseWriter, r *http.Request) {
	w.cfgMu.RLock()
	defer w.cfgMu.RUnlock()

	if w.cfg == nil || w.cfgPath == "" {
		writeError(rw, http.StatusServiceUnavailable, "config not available")
		return
	}
	if err := config.Save(w.cfgPath, w.cfg); err != nil {
		writeError(rw, http.StatusInternalServerError, "save failed: "+err.Error())
		return
	}

	w.logger.Info("config saved to disk", "path", w.cfgPath)
	writeJSON(rw, http.StatusOK, map[string]string{"status": "saved", "path": w.cfgPath})
}
