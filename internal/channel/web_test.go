package channel

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"grandmaster/internal/bus"
	"grandmaster/internal/config"
	"grandmaster/internal/domain"
	"grandmaster/internal/notebook"
	"grandmaster/internal/transcript"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// staticTranscripts serves fixed transcripts keyed by session key.
type staticTranscripts map[string][]transcript.Message

func (s staticTranscripts) Snapshot(key string) []transcript.Message {
	if msgs, ok := s[key]; ok {
		return msgs
	}
	return []transcript.Message{}
}

func newTestWeb(t *testing.T, cfg WebConfig) (*Web, *captureBus) {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	if cfg.Config == nil {
		cfg.Config = config.Defaults()
	}
	w := NewWeb(cfg)
	cb := newCaptureBus(nil)
	w.SetBus(cb)
	return w, cb
}

func withSession(req *http.Request, id string) *http.Request {
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: id})
	return req
}

func TestHandleMessage_JSON_Accepted(t *testing.T) {
	w, cb := newTestWeb(t, WebConfig{})

	req := httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader(`{"content":"Titanic survival"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	w.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, sessionCookieName, cookies[0].Name)
	require.True(t, strings.HasPrefix(cookies[0].Value, "web_"))

	msg := <-cb.inbound
	require.Equal(t, "web", msg.Channel)
	require.Equal(t, cookies[0].Value, msg.ChatID)
	require.Equal(t, "Titanic survival", msg.Content)
	require.False(t, msg.Timestamp.IsZero())
}

func TestHandleMessage_FormKeepsSession(t *testing.T) {
	w, cb := newTestWeb(t, WebConfig{})

	form := url.Values{"message": {"hello world"}}
	req := withSession(httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader(form.Encode())), "web_abc")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	w.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Empty(t, rec.Result().Cookies(), "existing session must not be replaced")

	msg := <-cb.inbound
	require.Equal(t, "web_abc", msg.ChatID)
	require.Equal(t, "hello world", msg.Content)
}

func TestHandleMessage_Empty_Returns400(t *testing.T) {
	w, cb := newTestWeb(t, WebConfig{})

	for _, body := range []string{`{"content":""}`, `{"content":"   "}`, `{not json`} {
		req := httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		w.Handler().ServeHTTP(rec, req)

		require.Equal(t, http.StatusBadRequest, rec.Code, body)
		require.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	}
	require.Empty(t, cb.inbound)
}

func TestStatus_ReturnsJSON(t *testing.T) {
	w, _ := newTestWeb(t, WebConfig{Version: "0.2.0"})

	rec := httptest.NewRecorder()
	w.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "0.2.0", body["version"])
	require.EqualValues(t, 5, body["personas"])
}

func TestAuth(t *testing.T) {
	sum := sha256.Sum256([]byte("s3cret"))
	cfg := config.Defaults()
	cfg.Channels.Web.Auth = config.WebAuth{Enabled: true, Username: "kaggle", PasswordHash: hex.EncodeToString(sum[:])}
	w, _ := newTestWeb(t, WebConfig{Config: cfg})
	h := w.Handler()

	tests := []struct {
		name       string
		path       string
		user, pass string
		want       int
	}{
		{"no credentials", "/api/personas", "", "", http.StatusUnauthorized},
		{"wrong password", "/api/personas", "kaggle", "nope", http.StatusUnauthorized},
		{"wrong user", "/api/personas", "admin", "s3cret", http.StatusUnauthorized},
		{"valid", "/api/personas", "kaggle", "s3cret", http.StatusOK},
		{"export guarded", "/api/export", "", "", http.StatusUnauthorized},
		{"status is public", "/status", "", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.user != "" {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			require.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusUnauthorized {
				require.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")
			}
		})
	}
}

func sampleTranscript() []transcript.Message {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []transcript.Message{
		{ID: "1", SpeakerID: transcript.SpeakerUser, Content: "Titanic survival", Timestamp: ts},
		{ID: "2", SpeakerID: "agent-eda", Content: "Load it:\n```python\nimport pandas as pd\n```\nThen plot.", Timestamp: ts},
		{ID: "3", SpeakerID: "agent-model", Pending: true, Timestamp: ts},
	}
}

func TestTranscript_UsesSessionKey(t *testing.T) {
	w, _ := newTestWeb(t, WebConfig{Transcripts: staticTranscripts{"web:web_abc": sampleTranscript()}})

	rec := httptest.NewRecorder()
	w.Handler().ServeHTTP(rec, withSession(httptest.NewRequest(http.MethodGet, "/api/transcript", nil), "web_abc"))
	require.Equal(t, http.StatusOK, rec.Code)

	var dump TranscriptDump
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dump))
	require.Equal(t, "web_abc", dump.Session)
	require.Len(t, dump.Messages, 3)
	require.Equal(t, "agent-eda", dump.Messages[1].SpeakerID)
	require.True(t, dump.Messages[2].Pending)

	rec = httptest.NewRecorder()
	w.Handler().ServeHTTP(rec, withSession(httptest.NewRequest(http.MethodGet, "/api/transcript", nil), "web_other"))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dump))
	require.NotNil(t, dump.Messages)
	require.Empty(t, dump.Messages)
}

func TestExport_ServesNotebook(t *testing.T) {
	events := bus.NewEventBus(testLogger())
	w, _ := newTestWeb(t, WebConfig{
		Transcripts: staticTranscripts{"web:web_abc": sampleTranscript()},
		Events:      events,
	})

	req := withSession(httptest.NewRequest(http.MethodGet, "/api/export?filename=analysis", nil), "web_abc")
	rec := httptest.NewRecorder()
	w.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, notebook.MimeType, rec.Header().Get("Content-Type"))
	disp := rec.Header().Get("Content-Disposition")
	require.True(t, strings.HasPrefix(disp, "attachment"), disp)
	require.Contains(t, disp, "analysis.ipynb")

	var nb struct {
		NBFormat int `json:"nbformat"`
		Cells    []struct {
			CellType string   `json:"cell_type"`
			Source   []string `json:"source"`
		} `json:"cells"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &nb))
	require.Equal(t, 4, nb.NBFormat)

	var kinds []string
	for _, c := range nb.Cells {
		kinds = append(kinds, c.CellType)
	}
	// User heading+text, Sherlock heading+markdown+code+markdown; pending reply skipped.
	require.Equal(t, []string{"markdown", "markdown", "markdown", "markdown", "code", "markdown"}, kinds)
	require.Equal(t, "### User", strings.Join(nb.Cells[0].Source, ""))
	require.Equal(t, "### Sherlock", strings.Join(nb.Cells[2].Source, ""))
	require.Equal(t, "import pandas as pd", strings.Join(nb.Cells[4].Source, ""))

	replay := events.Replay(bus.Query{Type: bus.EventNotebookExport})
	require.Len(t, replay, 1)
	require.Equal(t, "analysis.ipynb", replay[0].Payload["filename"])
}

func TestExport_MatchesChatAttachment(t *testing.T) {
	w, _ := newTestWeb(t, WebConfig{
		Transcripts: staticTranscripts{"web:web_abc": sampleTranscript()},
	})

	req := withSession(httptest.NewRequest(http.MethodGet, "/api/export?filename="+url.QueryEscape("../reports/run 1"), nil), "web_abc")
	rec := httptest.NewRecorder()
	w.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	want, err := notebook.NewAttachment(notebook.Export(sampleTranscript(), w.personas), "../reports/run 1")
	require.NoError(t, err)
	require.Equal(t, "run 1.ipynb", want.Filename)
	require.Contains(t, rec.Header().Get("Content-Disposition"), want.Filename)
	require.Equal(t, want.MimeType, rec.Header().Get("Content-Type"))
	require.Equal(t, string(want.Data), rec.Body.String())
}

func TestExport_EmptySessionIsValidNotebook(t *testing.T) {
	w, _ := newTestWeb(t, WebConfig{})

	rec := httptest.NewRecorder()
	w.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/export", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Disposition"), notebook.DefaultFilename)
	var nb map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &nb))
	require.Empty(t, nb["cells"])
}

func TestPersonas_HidesSystemPrompts(t *testing.T) {
	w, _ := newTestWeb(t, WebConfig{})

	rec := httptest.NewRecorder()
	w.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/personas", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "Kaggle Grandmaster")

	var body struct {
		Personas []map[string]any `json:"personas"`
		Samples  []string         `json:"samples"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Personas, 5)
	require.Equal(t, "Dr. Atlas", body.Personas[0]["name"])
	require.NotEmpty(t, body.Samples)
}

func TestEvents_Replay(t *testing.T) {
	events := bus.NewEventBus(testLogger())
	events.Emit(bus.Event{Type: bus.EventSessionCreated, Source: "agent", Session: "web:web_abc"})
	events.Emit(bus.Event{Type: bus.EventPersonaReplied, Source: "agent", Session: "web:web_abc", Payload: map[string]any{"persona": "agent-eda"}})
	events.Emit(bus.Event{Type: bus.EventSessionCreated, Source: "agent", Session: "telegram:42"})
	w, _ := newTestWeb(t, WebConfig{Events: events})
	h := w.Handler()

	get := func(url string) []bus.Event {
		t.Helper()
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, withSession(httptest.NewRequest(http.MethodGet, url, nil), "web_abc"))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var body struct {
			Events []bus.Event `json:"events"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return body.Events
	}

	require.Len(t, get("/api/events"), 2)
	require.Len(t, get("/api/events?scope=all"), 3)

	created := get("/api/events?type=" + bus.EventSessionCreated)
	require.Len(t, created, 1)
	require.Equal(t, "web:web_abc", created[0].Session)

	last := get("/api/events?limit=1")
	require.Len(t, last, 1)
	require.Equal(t, "agent-eda", last[0].Payload["persona"])

	for _, bad := range []string{"/api/events?since=yesterday", "/api/events?limit=-1"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, bad, nil))
		require.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	cfg := config.Defaults()
	w, _ := newTestWeb(t, WebConfig{Config: cfg})
	rec := httptest.NewRecorder()
	w.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code, "metrics are off by default")

	cfg = config.Defaults()
	cfg.Metrics.Enabled = true
	w, _ = newTestWeb(t, WebConfig{Config: cfg})
	rec = httptest.NewRecorder()
	w.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "grandmaster_uptime_seconds")
}

func TestConfigAPI(t *testing.T) {
	cfg := config.Defaults()
	cfg.Providers["gemini"] = config.ProviderConfig{Enabled: true, APIKey: "AIzaSyVerySecretKey", DefaultModel: "gemini-3-pro-preview"}
	w, _ := newTestWeb(t, WebConfig{Config: cfg})
	h := w.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/config", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "AIzaSyVerySecretKey")

	put := func(body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/config", strings.NewReader(body)))
		return rec
	}

	rec = put(`{"path":"team.temperature","value":0.3}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.InDelta(t, 0.3, cfg.Team.Temperature, 1e-9)

	rec = put(`{"path":"team.temperature","value":5}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.InDelta(t, 0.3, cfg.Team.Temperature, 1e-9, "invalid update must not apply")

	rec = put(`{"path":"team.nonexistent","value":1}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = put(`{"value":1}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/config/save", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code, "no config path configured")
}

func TestWebSocket_RoundTrip(t *testing.T) {
	w, cb := newTestWeb(t, WebConfig{})
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	header := http.Header{}
	header.Add("Cookie", sessionCookieName+"=web_ws")
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", header)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	var frame WSMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, "status", frame.Type)
	require.Equal(t, "web_ws", frame.ChatID)

	// Inbound: client frames reach the bus under the cookie's session.
	require.NoError(t, conn.WriteJSON(WSMessage{Type: "message", Content: "/team"}))
	select {
	case msg := <-cb.inbound:
		require.Equal(t, "web_ws", msg.ChatID)
		require.Equal(t, "/team", msg.Content)
	case <-time.After(5 * time.Second):
		t.Fatal("websocket message never reached the bus")
	}

	// Outbound: deliveries for the session are pushed to the socket.
	entry := transcript.Message{ID: "m1", SpeakerID: "agent-lead", Content: "Use ROC-AUC."}
	cb.outbound("web", domain.OutboundMessage{Channel: "web", ChatID: "web_other", Type: domain.EventText, Content: "not for us"})
	cb.outbound("web", domain.OutboundMessage{Channel: "web", ChatID: "web_ws", Type: domain.EventFinal, Content: entry.Content, Entry: &entry})
	cb.outbound("web", domain.OutboundMessage{
		Channel: "web", ChatID: "web_ws", Type: domain.EventDocument, Content: "Exported",
		Attachment: &domain.Attachment{Filename: "my run.ipynb", Data: []byte("{}")},
	})

	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, "final", frame.Type)
	require.NotNil(t, frame.Entry)
	require.Equal(t, "agent-lead", frame.Entry.SpeakerID)

	frame = WSMessage{}
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, "document", frame.Type)
	require.Equal(t, "my run.ipynb", frame.Filename)
	require.Equal(t, "/api/export?filename=my+run.ipynb", frame.URL)
}

// captureBus is a minimal MessageBus that records published messages and
// the registered outbound handlers.
type captureBus struct {
	onPublish func(domain.InboundMessage)
	inbound   chan domain.InboundMessage

	mu       sync.Mutex
	handlers map[string]func(domain.OutboundMessage)
}

func newCaptureBus(onPublish func(domain.InboundMessage)) *captureBus {
	return &captureBus{
		onPublish: onPublish,
		inbound:   make(chan domain.InboundMessage, 10),
		handlers:  make(map[string]func(domain.OutboundMessage)),
	}
}

func (c *captureBus) Publish(msg domain.InboundMessage) error {
	if c.onPublish != nil {
		c.onPublish(msg)
	}
	select {
	case c.inbound <- msg:
	default:
	}
	return nil
}

func (c *captureBus) Subscribe() <-chan domain.InboundMessage { return c.inbound }

func (c *captureBus) SendOutbound(msg domain.OutboundMessage) { c.outbound(msg.Channel, msg) }

func (c *captureBus) OnOutbound(channelName string, handler func(domain.OutboundMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[channelName] = handler
}

func (c *captureBus) outbound(channelName string, msg domain.OutboundMessage) {
	c.mu.Lock()
	h := c.handlers[channelName]
	c.mu.Unlock()
	if h != nil {
		h(msg)
	}
}

func (c *captureBus) Close() {}
