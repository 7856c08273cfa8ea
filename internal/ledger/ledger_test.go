package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestWriterSlotSerializesAndTimesOut(t *testing.T) {
	l := &Ledger{
		cfg:     Config{WriteTimeout: 50 * time.Millisecond},
		writerC: make(chan struct{}, 1),
	}

	release, err := l.acquireWriter(context.Background())
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	start := time.Now()
	if _, err := l.acquireWriter(context.Background()); !errors.Is(err, ErrWriterTimeout) {
		t.Fatalf("second acquire: err = %v, want ErrWriterTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("timed out too early: %v", elapsed)
	}

	release()
	release2, err := l.acquireWriter(context.Background())
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	release2()
}

func TestWriterSlotHonorsContext(t *testing.T) {
	l := &Ledger{
		cfg:     Config{WriteTimeout: time.Minute},
		writerC: make(chan struct{}, 1),
	}
	release, _ := l.acquireWriter(context.Background())
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if _, err := l.acquireWriter(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestMirrorDropsWhenBufferFull(t *testing.T) {
	// No pump running: the buffer fills and further events must drop
	// instead of blocking.
	m := &Mirror{
		stream: "test",
		logger: zerolog.Nop(),
		events: make(chan mirrorEvent, 2),
		done:   make(chan struct{}),
	}
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			m.Publish("trade_opened", map[string]interface{}{"i": i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full buffer")
	}
	if len(m.events) != 2 {
		t.Fatalf("buffered = %d, want 2", len(m.events))
	}
}
