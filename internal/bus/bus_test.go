package bus

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"grandmaster/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestInMemoryBus_PublishSubscribe(t *testing.T) {
	b := New(4, testEBLogger())
	defer b.Close()

	if err := b.Publish(domain.InboundMessage{Channel: "web", ChatID: "s1", Content: "hello"}); err != nil {
		t.Fatal(err)
	}
	got := <-b.Subscribe()
	if got.SessionKey() != "web:s1" || got.Content != "hello" {
		t.Fatalf("unexpected message %+v", got)
	}
}

func TestInMemoryBus_OutboundRouting(t *testing.T) {
	b := New(1, testEBLogger())
	defer b.Close()

	var mu sync.Mutex
	var web, tg []domain.OutboundMessage
	b.OnOutbound("web", func(m domain.OutboundMessage) { mu.Lock(); web = append(web, m); mu.Unlock() })
	b.OnOutbound("telegram", func(m domain.OutboundMessage) { mu.Lock(); tg = append(tg, m); mu.Unlock() })

	b.SendOutbound(domain.OutboundMessage{Channel: "web", Type: domain.EventText, Content: "a"})
	b.SendOutbound(domain.OutboundMessage{Channel: "telegram", Type: domain.EventText, Content: "b"})
	b.SendOutbound(domain.OutboundMessage{Channel: "nowhere", Content: "dropped"})

	mu.Lock()
	defer mu.Unlock()
	if len(web) != 1 || web[0].Content != "a" {
		t.Fatalf("web got %+v", web)
	}
	if len(tg) != 1 || tg[0].Content != "b" {
		t.Fatalf("telegram got %+v", tg)
	}
}

func TestInMemoryBus_CloseIsIdempotent(t *testing.T) {
	b := New(1, testEBLogger())
	b.Close()
	b.Close()

	if err := b.Publish(domain.InboundMessage{Channel: "cli"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("publish after close: got %v, want ErrClosed", err)
	}
	if _, ok := <-b.Subscribe(); ok {
		t.Fatal("expected closed inbound channel")
	}
}

func TestInMemoryBus_FullQueueFailsFast(t *testing.T) {
	b := New(1, testEBLogger())
	defer b.Close()
	b.SetPublishWait(0)

	if err := b.Publish(domain.InboundMessage{Channel: "web", ChatID: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(domain.InboundMessage{Channel: "web", ChatID: "b"}); !errors.Is(err, ErrFull) {
		t.Fatalf("got %v, want ErrFull", err)
	}
}

func TestInMemoryBus_FullQueueWaitsForSpace(t *testing.T) {
	b := New(1, testEBLogger())
	defer b.Close()
	b.SetPublishWait(2 * time.Second)

	if err := b.Publish(domain.InboundMessage{Channel: "web", ChatID: "a"}); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- b.Publish(domain.InboundMessage{Channel: "web", ChatID: "b"}) }()

	if first := <-b.Subscribe(); first.ChatID != "a" {
		t.Fatalf("got %q first", first.ChatID)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if second := <-b.Subscribe(); second.ChatID != "b" {
		t.Fatalf("got %q second", second.ChatID)
	}
}
