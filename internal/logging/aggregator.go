package logging

import (
	"log/slog"
	"sync"
	"time"
)

// Aggregator batches high-frequency events into periodic count summaries.
// Polling ticks fire every couple of seconds per session key; logging each
// one individually would dominate the log file.
type Aggregator struct {
	logger *slog.Logger
	window time.Duration

	mu     sync.Mutex
	counts map[string]int64
	fields map[string][]slog.Attr

	stop    chan struct{}
	stopped chan struct{}
	started bool
}

// NewAggregator creates an aggregator flushing every intervalSecs seconds.
// A nil logger silently drops everything recorded.
func NewAggregator(logger *slog.Logger, intervalSecs int) *Aggregator {
	if intervalSecs <= 0 {
		intervalSecs = 30
	}
	return &Aggregator{
		logger:  logger,
		window:  time.Duration(intervalSecs) * time.Second,
		counts:  make(map[string]int64),
		fields:  make(map[string][]slog.Attr),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// eventID joins component and event; '\x00' cannot occur in either.
func eventID(component, event string) string {
	return component + "\x00" + event
}

func splitEventID(id string) (component, event string) {
	for i := 0; i < len(id); i++ {
		if id[i] == 0 {
			return id[:i], id[i+1:]
		}
	}
	return id, ""
}

// Start launches the background flush loop.
func (a *Aggregator) Start() {
	a.started = true
	go func() {
		defer close(a.stopped)
		ticker := time.NewTicker(a.window)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.flush()
			case <-a.stop:
				return
			}
		}
	}()
}

// Stop ends the loop and flushes whatever is still pending. Safe to call
// when Start never ran (the discard-mode aggregator is never started).
func (a *Aggregator) Stop() {
	close(a.stop)
	if a.started {
		<-a.stopped
	}
	a.flush()
}

// Record counts one occurrence of the event. Fields from the most recent
// call win; they serve as sample context on the summary line.
func (a *Aggregator) Record(component, event string, fields ...slog.Attr) {
	id := eventID(component, event)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.counts[id]++
	if len(fields) > 0 {
		a.fields[id] = fields
	}
}

func (a *Aggregator) flush() {
	a.mu.Lock()
	if len(a.counts) == 0 {
		a.mu.Unlock()
		return
	}
	counts, fields := a.counts, a.fields
	a.counts = make(map[string]int64)
	a.fields = make(map[string][]slog.Attr)
	a.mu.Unlock()

	if a.logger == nil {
		return
	}

	for id, n := range counts {
		component, event := splitEventID(id)
		attrs := []any{
			slog.String("component", component),
			slog.String("event", event),
			slog.Int64("count", n),
			slog.Int("window_seconds", int(a.window.Seconds())),
		}
		for _, f := range fields[id] {
			attrs = append(attrs, f)
		}
		a.logger.Info("event_summary", attrs...)
	}
}
