package progress

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestStream_DeliversInOrder(t *testing.T) {
	stream := NewStream(StreamConfig{BufferSize: 4, RunID: "run-1"})

	var mu sync.Mutex
	var received []Message
	stream.Subscribe(func(msg Message) {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
	}, nil)

	for i := 0; i < 100; i++ {
		stream.Emit(Status("rust", fmt.Sprintf("line %d", i)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := stream.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if len(received) != 100 {
		t.Fatalf("Expected 100 messages, got %d", len(received))
	}
	for i, msg := range received {
		if msg.Text != fmt.Sprintf("line %d", i) {
			t.Fatalf("Message %d out of order: %q", i, msg.Text)
		}
		if msg.ID == "" || msg.Timestamp.IsZero() {
			t.Errorf("Message %d missing ID or timestamp", i)
		}
		if msg.RunID != "run-1" {
			t.Errorf("Message %d has run ID %q", i, msg.RunID)
		}
	}
}

func TestStream_PerPackageOrderWithConcurrentEmitters(t *testing.T) {
	stream := NewStream(DefaultStreamConfig())
	collector := NewCollector()
	stream.Subscribe(collector.Emit, nil)

	packages := []string{"rust", "node", "fd", "bat"}
	var wg sync.WaitGroup
	for _, pkg := range packages {
		wg.Add(1)
		go func(pkg string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				stream.Emit(Status(pkg, fmt.Sprintf("%d", i)))
			}
		}(pkg)
	}
	wg.Wait()

	if err := stream.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	for _, pkg := range packages {
		msgs := collector.ForPackage(pkg)
		if len(msgs) != 50 {
			t.Fatalf("%s: expected 50 messages, got %d", pkg, len(msgs))
		}
		for i, msg := range msgs {
			if msg.Text != fmt.Sprintf("%d", i) {
				t.Fatalf("%s: message %d out of order: %q", pkg, i, msg.Text)
			}
		}
	}
}

func TestStream_Filters(t *testing.T) {
	stream := NewStream(DefaultStreamConfig())
	stream.AddFilter(FilterOutput())

	warnings := NewCollector()
	all := NewCollector()
	stream.Subscribe(warnings.Emit, FilterBySeverity(SeverityWarning))
	stream.Subscribe(all.Emit, nil)

	stream.Emit(Status("rust", "checking"))
	stream.Emit(Message{Kind: KindStatus, Package: "rust", Text: "Compiling", Severity: SeverityDebug, Stream: "stderr"})
	stream.Emit(Warning("rust", "check timed out"))
	stream.Emit(Error("rust", "failed: exit code 1"))

	if err := stream.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if all.Len() != 3 {
		t.Errorf("Output lines should be filtered, got %d messages", all.Len())
	}
	if warnings.Len() != 2 {
		t.Errorf("Expected 2 warnings and errors, got %d", warnings.Len())
	}
}

func TestStream_EmitAfterCloseIsDropped(t *testing.T) {
	stream := NewStream(DefaultStreamConfig())
	collector := NewCollector()
	stream.Subscribe(collector.Emit, nil)

	if err := stream.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	stream.Emit(Status("rust", "late"))

	if collector.Len() != 0 {
		t.Errorf("Expected no messages after close, got %d", collector.Len())
	}
	if err := stream.Close(context.Background()); err != nil {
		t.Errorf("Second close should succeed, got %v", err)
	}
}

func TestFilterByKindAndPackage(t *testing.T) {
	byKind := FilterByKind(KindError, KindWarning)
	if byKind(Status("a", "x")) || !byKind(Error("a", "x")) {
		t.Error("FilterByKind misclassified")
	}

	byPackage := FilterByPackage("rust")
	if !byPackage(Status("rust", "x")) || byPackage(Status("node", "x")) {
		t.Error("FilterByPackage misclassified")
	}
}

func TestMulti(t *testing.T) {
	a, b := NewCollector(), NewCollector()
	Multi(a, b).Emit(Status("rust", "installing"))

	if a.Len() != 1 || b.Len() != 1 {
		t.Errorf("Expected both sinks to receive the message, got %d and %d", a.Len(), b.Len())
	}
}
