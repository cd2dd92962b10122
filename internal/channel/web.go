package channel

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"grandmaster/internal/bus"
	"grandmaster/internal/config"
	"grandmaster/internal/domain"
	"grandmaster/internal/metrics"
	"grandmaster/internal/notebook"
	"grandmaster/internal/persona"
	"grandmaster/internal/transcript"
)

const (
	maxBodySize       = 1 << 20
	sessionCookieName = "grandmaster_session"
	sessionMaxAge     = 86400 * 30 // 30 days
	shutdownTimeout   = 5 * time.Second
)

//go:embed web_assets/*
var assetsFS embed.FS

// Web serves the chat UI, a JSON API over the session transcript, notebook
// downloads, and a websocket that pushes transcript changes as they happen.
type Web struct {
	host    string
	port    int
	bus     domain.MessageBus
	logger  *slog.Logger
	server  *http.Server
	version string

	cfg     *config.Config
	cfgPath string
	cfgMu   sync.RWMutex

	authEnabled  bool
	authUser     string
	authPassHash string

	personas    *persona.Registry
	transcripts domain.TranscriptSource
	events      *bus.EventBus
	exportName  string
	metricsPath string

	hub *wsHub
}

type WebConfig struct {
	Host        string
	Port        int
	Logger      *slog.Logger
	Config      *config.Config
	ConfigPath  string
	Version     string
	Personas    *persona.Registry
	Transcripts domain.TranscriptSource
	Events      *bus.EventBus // optional activity feed served at /api/events
}

func NewWeb(cfg WebConfig) *Web {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Personas == nil {
		cfg.Personas = persona.NewRegistry()
	}

	w := &Web{
		host:        cfg.Host,
		port:        cfg.Port,
		logger:      cfg.Logger,
		version:     cfg.Version,
		cfg:         cfg.Config,
		cfgPath:     cfg.ConfigPath,
		personas:    cfg.Personas,
		transcripts: cfg.Transcripts,
		events:      cfg.Events,
		exportName:  notebook.DefaultFilename,
		hub:         newWSHub(cfg.Logger),
	}

	if c := cfg.Config; c != nil {
		if c.Channels.Web.Auth.Enabled {
			w.authEnabled = true
			w.authUser = c.Channels.Web.Auth.Username
			w.authPassHash = strings.ToLower(c.Channels.Web.Auth.PasswordHash)
		}
		if c.Export.Filename != "" {
			w.exportName = c.Export.Filename
		}
		if c.Metrics.Enabled {
			w.metricsPath = c.Metrics.Endpoint
			if w.metricsPath == "" {
				w.metricsPath = "/metrics"
			}
		}
	}
	return w
}

func (w *Web) Name() string { return "web" }

// SetBus attaches the message bus and registers the outbound handler that
// routes deliveries to the websocket clients of the owning session.
func (w *Web) SetBus(mb domain.MessageBus) {
	w.bus = mb
	mb.OnOutbound("web", func(msg domain.OutboundMessage) {
		w.hub.broadcastToChat(msg.ChatID, toWSMessage(msg))
	})
}

// Handler returns the HTTP routes of the web channel.
func (w *Web) Handler() http.Handler {
	mux := http.NewServeMux()

	assets := http.FileServer(http.FS(assetsFS))
	mux.Handle("GET /assets/", http.StripPrefix("/assets/", http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		r.URL.Path = "web_assets/" + r.URL.Path
		rw.Header().Set("Cache-Control", "public, max-age=86400")
		assets.ServeHTTP(rw, r)
	})))

	mux.HandleFunc("GET /{$}", w.requireAuth(w.handleIndex))
	mux.HandleFunc("POST /api/messages", w.requireAuth(w.handleMessage))
	mux.HandleFunc("GET /api/transcript", w.requireAuth(w.handleTranscript))
	mux.HandleFunc("GET /api/export", w.requireAuth(w.handleExport))
	mux.HandleFunc("GET /api/personas", w.requireAuth(w.handlePersonas))
	mux.HandleFunc("GET /api/events", w.requireAuth(w.handleEvents))
	mux.HandleFunc("POST /api/session/clear", w.requireAuth(w.handleClear))
	mux.HandleFunc("GET /ws", w.requireAuth(w.handleWS))
	mux.HandleFunc("GET /status", w.handleStatus) // public endpoint

	mux.HandleFunc("GET /api/config", w.requireAuth(w.handleGetConfig))
	mux.HandleFunc("PUT /api/config", w.requireAuth(w.handleUpdateConfig))
	mux.HandleFunc("POST /api/config/save", w.requireAuth(w.handleSaveConfig))

	if w.metricsPath != "" {
		mux.HandleFunc("GET "+w.metricsPath, w.requireAuth(metrics.Collector.Handler()))
	}
	return mux
}

// Start starts the web server and blocks until ctx is done.
func (w *Web) Start(ctx context.Context, mb domain.MessageBus) error {
	w.SetBus(mb)

	addr := fmt.Sprintf("%s:%d", w.host, w.port)
	w.server = &http.Server{
		Addr:              addr,
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	w.logger.Info("web UI started", "addr", "http://"+addr, "auth", w.authEnabled)

	go func() {
		<-ctx.Done()
		w.hub.closeAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = w.server.Shutdown(shutdownCtx)
	}()

	if err := w.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (w *Web) Stop() error {
	w.hub.closeAll()
	if w.server != nil {
		return w.server.Close()
	}
	return nil
}

// Send pushes a plain text frame to every socket of chatID.
func (w *Web) Send(_ context.Context, chatID string, content string) error {
	w.hub.broadcastToChat(chatID, WSMessage{Type: string(domain.EventText), Content: content, ChatID: chatID})
	return nil
}

// requireAuth wraps a handler with HTTP Basic Auth when auth is enabled.
func (w *Web) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !w.authEnabled {
			next(rw, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || !w.checkCredentials(user, pass) {
			rw.Header().Set("WWW-Authenticate", `Basic realm="Grandmaster"`)
			writeError(rw, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(rw, r)
	}
}

// checkCredentials verifies username and password against the stored
// SHA-256 hex hash.
func (w *Web) checkCredentials(user, pass string) bool {
	if subtle.ConstantTimeCompare([]byte(user), []byte(w.authUser)) != 1 {
		return false
	}
	hash := sha256.Sum256([]byte(pass))
	got := hex.EncodeToString(hash[:])
	return subtle.ConstantTimeCompare([]byte(got), []byte(w.authPassHash)) == 1
}

// getOrCreateSession returns the session id from the cookie, issuing a new
// one when the request has none.
func (w *Web) getOrCreateSession(r *http.Request, rw http.ResponseWriter) string {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}

	b := make([]byte, 16)
	sessionID := ""
	if _, err := rand.Read(b); err != nil {
		sessionID = fmt.Sprintf("web_%d", time.Now().UnixNano())
		w.logger.Warn("rand.Read failed, using fallback session ID", "err", err)
	} else {
		sessionID = "web_" + hex.EncodeToString(b)
	}

	http.SetCookie(rw, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   sessionMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	w.logger.Info("new web session created", "session", sessionID)
	return sessionID
}

// sessionKey maps a web session id to its transcript key.
func sessionKey(sessionID string) string {
	return domain.InboundMessage{Channel: "web", ChatID: sessionID}.SessionKey()
}

var errEmptyMessage = errors.New("empty message")

// publish sends a chat message from sessionID to the agent.
func (w *Web) publish(sessionID, content string) error {
	if strings.TrimSpace(content) == "" {
		return errEmptyMessage
	}
	return w.bus.Publish(domain.InboundMessage{
		Channel:   "web",
		ChatID:    sessionID,
		SenderID:  "web_user",
		Content:   content,
		Timestamp: time.Now(),
	})
}

func (w *Web) snapshot(sessionID string) []transcript.Message {
	if w.transcripts == nil {
		return []transcript.Message{}
	}
	return w.transcripts.Snapshot(sessionKey(sessionID))
}

func (w *Web) handleIndex(rw http.ResponseWriter, r *http.Request) {
	w.getOrCreateSession(r, rw)
	data, err := assetsFS.ReadFile("web_assets/index.html")
	if err != nil {
		w.logger.Error("index page missing", "err", err)
		writeError(rw, http.StatusInternalServerError, "index page unavailable")
		return
	}
	rw.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = rw.Write(data)
}

// handleMessage accepts {"content": "..."} (or a "message" form field) and
// queues it for the personas. Replies arrive over /ws.
func (w *Web) handleMessage(rw http.ResponseWriter, r *http.Request) {
	content, err := readMessage(rw, r)
	if err != nil {
		writeError(rw, http.StatusBadRequest, err.Error())
		return
	}
	sessionID := w.getOrCreateSession(r, rw)
	if err := w.publish(sessionID, content); err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, errEmptyMessage) {
			status = http.StatusBadRequest
		}
		writeError(rw, status, err.Error())
		return
	}
	writeJSON(rw, http.StatusAccepted, map[string]string{"status": "accepted", "session": sessionID})
}

func readMessage(rw http.ResponseWriter, r *http.Request) (string, error) {
	r.Body = http.MaxBytesReader(rw, r.Body, maxBodySize)
	defer r.Body.Close()

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct != "application/json" {
		// Supports both urlencoded and multipart forms.
		_ = r.ParseMultipartForm(maxBodySize)
		return r.FormValue("message"), nil
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return "", fmt.Errorf("invalid JSON: %w", err)
	}
	return req.Content, nil
}

// TranscriptDump is the body of GET /api/transcript. The export command
// reads the same shape back from disk.
type TranscriptDump struct {
	Session  string               `json:"session"`
	Messages []transcript.Message `json:"messages"`
}

func (w *Web) handleTranscript(rw http.ResponseWriter, r *http.Request) {
	sessionID := w.getOrCreateSession(r, rw)
	writeJSON(rw, http.StatusOK, TranscriptDump{Session: sessionID, Messages: w.snapshot(sessionID)})
}

// handleExport converts the session transcript into a notebook download.
func (w *Web) handleExport(rw http.ResponseWriter, r *http.Request) {
	sessionID := w.getOrCreateSession(r, rw)
	name := r.URL.Query().Get("filename")
	if name == "" {
		name = w.exportName
	}

	doc := notebook.Export(w.snapshot(sessionID), w.personas)
	att, err := notebook.NewAttachment(doc, name)
	if err != nil {
		w.logger.Error("notebook export failed", "session", sessionID, "err", err)
		writeError(rw, http.StatusInternalServerError, "export failed: "+err.Error())
		return
	}

	metrics.ExportsTotal.Inc()
	metrics.ExportCells.Observe(float64(len(doc.Cells)))
	if w.events != nil {
		w.events.Emit(bus.Event{
			Type:    bus.EventNotebookExport,
			Source:  "web",
			Session: sessionKey(sessionID),
			Payload: map[string]any{"filename": att.Filename, "cells": len(doc.Cells)},
		})
	}
	w.logger.Info("notebook downloaded", "session", sessionID, "filename", att.Filename, "cells", len(doc.Cells))

	rw.Header().Set("Content-Type", att.MimeType)
	rw.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": att.Filename}))
	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write(att.Data)
}

func (w *Web) handlePersonas(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{
		"personas": w.personas.List(),
		"samples":  persona.SamplePrompts,
	})
}

// handleEvents replays the activity feed for the caller's session. Query:
// type (default all), since (RFC 3339), limit, and scope=all for every
// session.
func (w *Web) handleEvents(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := bus.Query{Type: q.Get("type")}
	if q.Get("scope") != "all" {
		query.Session = sessionKey(w.getOrCreateSession(r, rw))
	}
	if s := q.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(rw, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		query.Since = t
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(rw, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		query.Limit = n
	}

	if w.events == nil {
		writeJSON(rw, http.StatusOK, map[string]any{"events": []bus.Event{}})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"events": w.events.Replay(query)})
}

// handleClear drops the session cookie; the next request starts a fresh
// transcript.
func (w *Web) handleClear(rw http.ResponseWriter, r *http.Request) {
	http.SetCookie(rw, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	writeJSON(rw, http.StatusOK, map[string]string{"status": "session cleared"})
}

func (w *Web) handleStatus(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{
		"status":     "ok",
		"version":    w.version,
		"time":       time.Now().Format(time.RFC3339),
		"personas":   len(w.personas.List()),
		"websockets": metrics.WSConnections.Value(),
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, msg string) {
	writeJSON(rw, status, map[string]string{"error": msg})
}
