package agent

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grandmaster/internal/bus"
	"grandmaster/internal/domain"
	"grandmaster/internal/notebook"
	"grandmaster/internal/transcript"
)

func inbound(content string) domain.InboundMessage {
	return domain.InboundMessage{Channel: "test", ChatID: "c1", SenderID: "u1", Content: content, Timestamp: time.Now()}
}

func TestProcess_TeamModeByDefault(t *testing.T) {
	l, b, out := newTestLoop(t, &mockProvider{reply: echoSystem})
	defer b.Close()

	l.Process(context.Background(), inbound("Titanic survival"))

	msgs := out.all()
	// user final, then pending+final for each of three steps
	require.Len(t, msgs, 7)
	assert.Equal(t, domain.EventFinal, msgs[0].Type)
	assert.True(t, msgs[0].Entry.IsUser())
	assert.Equal(t, domain.EventPending, msgs[1].Type)
	assert.Equal(t, domain.EventFinal, msgs[2].Type)
	assert.Equal(t, "agent-lead", msgs[2].Entry.SpeakerID)

	snap := l.Sessions().Snapshot("test:c1")
	assert.Len(t, snap, 4)
}

func TestProcess_SelectedAgentAnswersAlone(t *testing.T) {
	p := &mockProvider{reply: echoSystem}
	l, b, out := newTestLoop(t, p)
	defer b.Close()

	l.Process(context.Background(), inbound("/agent sherlock"))
	l.Process(context.Background(), inbound("Plot distributions"))

	msgs := out.all()
	require.Len(t, msgs, 4)
	assert.Equal(t, domain.EventText, msgs[0].Type)
	assert.Contains(t, msgs[0].Content, "Sherlock")
	assert.Equal(t, "agent-eda", msgs[3].Entry.SpeakerID)
	assert.Len(t, p.Requests(), 1)

	l.Process(context.Background(), inbound("/team"))
	l.Process(context.Background(), inbound("And the model?"))
	assert.Len(t, p.Requests(), 4)
}

func TestProcess_ExportDeliversNotebook(t *testing.T) {
	l, b, out := newTestLoop(t, &mockProvider{reply: func(domain.ChatRequest) (string, error) {
		return "Load it:\n```python\nimport pandas as pd\n```\n", nil
	}})
	defer b.Close()

	l.Process(context.Background(), inbound("/agent eda"))
	l.Process(context.Background(), inbound("Load the data"))
	l.Process(context.Background(), inbound("/export titanic"))

	msgs := out.all()
	last := msgs[len(msgs)-1]
	require.Equal(t, domain.EventDocument, last.Type)
	require.NotNil(t, last.Attachment)
	assert.Equal(t, "titanic.ipynb", last.Attachment.Filename)
	assert.Equal(t, notebook.MimeType, last.Attachment.MimeType)
	assert.Contains(t, last.Content, "1 code cells")

	var nb map[string]any
	require.NoError(t, json.Unmarshal(last.Attachment.Data, &nb))
	assert.EqualValues(t, 4, nb["nbformat"])
	cells := nb["cells"].([]any)
	// User heading + text, Sherlock heading + text + code
	assert.Len(t, cells, 5)
}

func TestProcess_ExportEmptySession(t *testing.T) {
	l, b, out := newTestLoop(t, &mockProvider{})
	defer b.Close()

	l.Process(context.Background(), inbound("/export"))
	msgs := out.all()
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].Attachment)
	assert.Equal(t, notebook.DefaultFilename, msgs[0].Attachment.Filename)
	assert.Contains(t, string(msgs[0].Attachment.Data), `"cells": []`)
}

func TestProcess_UnknownCommandGoesToTeam(t *testing.T) {
	p := &mockProvider{}
	l, b, _ := newTestLoop(t, p)
	defer b.Close()

	l.Process(context.Background(), inbound("/predict the future"))
	require.Len(t, p.Requests(), 3)
	first := p.Requests()[0].Messages
	assert.Equal(t, "/predict the future", first[len(first)-1].Content)
}

func TestProcess_BlankIgnored(t *testing.T) {
	p := &mockProvider{}
	l, b, out := newTestLoop(t, p)
	defer b.Close()

	l.Process(context.Background(), inbound("   "))
	assert.Empty(t, out.all())
	assert.Empty(t, p.Requests())
	assert.Equal(t, 0, l.Sessions().Count())
}

func TestProcess_EmitsActivityEvents(t *testing.T) {
	l, b, _ := newTestLoop(t, &mockProvider{reply: func(domain.ChatRequest) (string, error) { return "", errUpstream }})
	defer b.Close()

	l.Process(context.Background(), inbound("hello"))

	all := l.events.Replay(bus.Query{})
	types := map[string]int{}
	for _, e := range all {
		types[e.Type]++
	}
	assert.Equal(t, 1, types[bus.EventSessionCreated])
	assert.Equal(t, 1, types[bus.EventMessageReceived])
	assert.Equal(t, 3, types[bus.EventPersonaReplied])
	assert.Equal(t, 3, types[bus.EventProviderError])
	assert.Equal(t, 1, types[bus.EventTeamFinished])
}

func TestProcess_SameSessionSerialized(t *testing.T) {
	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	p := &mockProvider{reply: func(domain.ChatRequest) (string, error) {
		mu.Lock()
		inFlight++
		maxInFlight = max(maxInFlight, inFlight)
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return "ok", nil
	}}
	l, b, _ := newTestLoop(t, p)
	defer b.Close()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Process(context.Background(), inbound("go"))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInFlight)
	snap := l.Sessions().Snapshot("test:c1")
	assert.Len(t, snap, 16)
	for _, m := range snap {
		assert.False(t, m.Pending)
	}
}

func TestProcess_ExportDuringRun(t *testing.T) {
	started := make(chan struct{}, 3)
	release := make(chan struct{})
	p := &mockProvider{reply: func(domain.ChatRequest) (string, error) {
		started <- struct{}{}
		<-release
		return "ok", nil
	}}
	l, b, out := newTestLoop(t, p)
	defer b.Close()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		l.Process(context.Background(), inbound("Titanic survival"))
	}()
	<-started

	exported := make(chan struct{})
	go func() {
		defer close(exported)
		l.Process(context.Background(), inbound("/export"))
		l.Process(context.Background(), inbound("/status"))
	}()

	select {
	case <-exported:
	case <-time.After(2 * time.Second):
		close(release)
		<-runDone
		t.Fatal("/export waited for the in-flight run")
	}

	var doc *domain.OutboundMessage
	for _, m := range out.all() {
		if m.Type == domain.EventDocument {
			doc = &m
		}
	}
	require.NotNil(t, doc)
	require.NotNil(t, doc.Attachment)
	assert.Contains(t, doc.Content, "0 code cells")

	close(release)
	<-runDone
	assert.Len(t, l.Sessions().Snapshot("test:c1"), 4)
}

func TestChatCommand_ReadOnly(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"/export", true},
		{"/export titanic", true},
		{"/status", true},
		{"/agents", true},
		{"/agent", true},
		{"/agent sherlock", false},
		{"/team", false},
		{"/unknown", false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseCommand(tt.text).ReadOnly())
		})
	}
}

func TestRun_ConsumesBusAndStops(t *testing.T) {
	l, b, out := newTestLoop(t, &mockProvider{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	b.Publish(inbound("/help"))
	require.Eventually(t, func() bool { return len(out.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, out.all()[0].Content, "/export")

	cancel()
	<-done
	b.Close()
}

func TestRun_StopsWhenBusCloses(t *testing.T) {
	l, b, _ := newTestLoop(t, &mockProvider{})
	done := make(chan struct{})
	go func() {
		l.Run(context.Background())
		close(done)
	}()
	b.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after bus close")
	}
}

func TestSessionManager(t *testing.T) {
	sm := NewSessionManager(testLogger())
	a := sm.Get("web:b")
	assert.Same(t, a, sm.Get("web:b"))
	sm.Get("cli:a")

	assert.Equal(t, []string{"cli:a", "web:b"}, sm.Keys())
	assert.Equal(t, 2, sm.Count())

	empty := sm.Snapshot("none")
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	a.Transcript.Append(transcript.Message{SpeakerID: transcript.SpeakerUser, Content: "x"})
	assert.Len(t, sm.Snapshot("web:b"), 1)
}
