package alerts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/villenero912/waifugen-system-sub000/internal/config"
	"github.com/villenero912/waifugen-system-sub000/internal/eventbus"
	"github.com/villenero912/waifugen-system-sub000/pkg/logx"
)

type captureSink struct {
	mu   sync.Mutex
	got  []Alert
	done chan struct{}
	want int
}

func newCaptureSink(want int) *captureSink {
	return &captureSink{done: make(chan struct{}), want: want}
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Deliver(_ context.Context, a Alert) error {
	s.mu.Lock()
	s.got = append(s.got, a)
	if len(s.got) == s.want {
		close(s.done)
	}
	s.mu.Unlock()
	return nil
}

func (s *captureSink) alerts() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Alert(nil), s.got...)
}

func (s *captureSink) wait(t *testing.T) {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("sink received %d alerts, want %d", len(s.alerts()), s.want)
	}
}

func newTestService(t *testing.T, raw config.AlertsConfig, sink Sink) *Service {
	t.Helper()
	svc, err := New(raw, []Sink{sink}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc
}

func TestSendDeliversThroughSink(t *testing.T) {
	sink := newCaptureSink(1)
	svc := newTestService(t, config.AlertsConfig{RatePerSec: 100}, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop(context.Background())

	if err := svc.Send(ctx, Alert{Severity: SevWarn, Title: "budget warning", Body: "pool gen at 80%"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	sink.wait(t)
	got := sink.alerts()
	if got[0].Title != "budget warning" || got[0].Severity != SevWarn {
		t.Fatalf("delivered alert = %+v", got[0])
	}
}

func TestDedupWindowCollapsesRepeats(t *testing.T) {
	sink := newCaptureSink(2)
	svc := newTestService(t, config.AlertsConfig{RatePerSec: 100, DedupWindow: "1h"}, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop(context.Background())

	for i := 0; i < 5; i++ {
		_ = svc.Send(ctx, Alert{Title: "same", Key: "budget:gen:warn"})
	}
	_ = svc.Send(ctx, Alert{Title: "different", Key: "budget:proxy:warn"})
	sink.wait(t)

	if got := sink.alerts(); len(got) != 2 {
		t.Fatalf("delivered %d alerts, want the repeats collapsed to 2", len(got))
	}
}

func TestDisabledServiceRejectsSends(t *testing.T) {
	off := false
	sink := newCaptureSink(1)
	svc := newTestService(t, config.AlertsConfig{Enabled: &off}, sink)

	svc.Start(context.Background())
	if err := svc.Send(context.Background(), Alert{Title: "x"}); err != ErrDisabled {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}

func TestWatchTranslatesBudgetEvents(t *testing.T) {
	sink := newCaptureSink(1)
	svc := newTestService(t, config.AlertsConfig{RatePerSec: 100}, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop(context.Background())

	bus := eventbus.New()
	go svc.Watch(ctx, bus)

	// Give the watcher a moment to subscribe before publishing.
	time.Sleep(20 * time.Millisecond)
	bus.Publish(eventbus.Event{
		Type: eventbus.TypeBudgetCritical,
		Data: eventbus.BudgetAlert{Pool: "gen", PctUsed: 0.97, Critical: true},
	})
	sink.wait(t)

	got := sink.alerts()
	if got[0].Severity != SevCritical {
		t.Fatalf("severity = %v, want critical", got[0].Severity)
	}
	if got[0].Key != "budget:gen:critical" {
		t.Fatalf("key = %q", got[0].Key)
	}
}
