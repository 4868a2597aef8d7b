package usage

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/chatty/internal/events"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "usage.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndSummaries(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	recs := []Record{
		{Timestamp: now, SessionID: "s1", Model: "claude-sonnet", Result: "answered", Rounds: 2, InputTokens: 2000, OutputTokens: 1000, CostUSD: 0.021},
		{Timestamp: now, SessionID: "s1", Model: "gpt-oss:20b", Result: "answered", Rounds: 1, InputTokens: 500, OutputTokens: 100},
		{Timestamp: now, SessionID: "s2", Model: "claude-sonnet", Result: "exhausted", Rounds: 8, InputTokens: 1000, OutputTokens: 500, CostUSD: 0.0105},
		{Timestamp: now.Add(-48 * time.Hour), SessionID: "old", Model: "claude-sonnet", InputTokens: 9999},
	}
	for _, r := range recs {
		if err := s.Record(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	start, end := now.Add(-time.Hour), now.Add(time.Hour)
	sum, err := s.Summary(ctx, start, end)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Turns != 3 || sum.InputTokens != 3500 || sum.OutputTokens != 1600 {
		t.Errorf("summary = %+v", sum)
	}
	if math.Abs(sum.CostUSD-0.0315) > 1e-9 {
		t.Errorf("cost = %v, want 0.0315", sum.CostUSD)
	}

	byModel, err := s.SummaryByModel(ctx, start, end)
	if err != nil {
		t.Fatal(err)
	}
	if len(byModel) != 2 || byModel["claude-sonnet"].Turns != 2 || byModel["gpt-oss:20b"].CostUSD != 0 {
		t.Errorf("by model = %v", byModel)
	}

	bySession, err := s.SummaryBySession(ctx, start, end)
	if err != nil {
		t.Fatal(err)
	}
	if len(bySession) != 2 || bySession["s1"].InputTokens != 2500 {
		t.Errorf("by session = %v", bySession)
	}
}

func TestSummary_Empty(t *testing.T) {
	sum, err := testStore(t).Summary(context.Background(), time.Now().Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if *sum != (Summary{}) {
		t.Errorf("summary = %+v, want zero", sum)
	}
}

func TestCollect(t *testing.T) {
	s := testStore(t)
	bus := events.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Collect(ctx, bus, func(model string, in, out int) float64 {
			if model == "paid" {
				return float64(in+out) / 1000
			}
			return 0
		})
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	bus.Publish(events.Event{Source: events.SourceAgent, Kind: events.KindTurnStart, SessionID: "s1"})
	bus.Publish(events.Event{
		Source:    events.SourceAgent,
		Kind:      events.KindTurnComplete,
		SessionID: "s1",
		Data:      map[string]any{"model": "paid", "result": "answered", "rounds": 2, "input_tokens": 300, "output_tokens": 200},
	})

	var sum *Summary
	for time.Now().Before(deadline) {
		var err error
		sum, err = s.Summary(context.Background(), time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
		if err != nil {
			t.Fatal(err)
		}
		if sum.Turns > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if sum.Turns != 1 || sum.InputTokens != 300 || sum.CostUSD != 0.5 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestFromEvent_JSONNumbers(t *testing.T) {
	rec := FromEvent(events.Event{
		Kind: events.KindTurnComplete,
		Data: map[string]any{"model": "m", "rounds": float64(3), "input_tokens": float64(10)},
	})
	if rec.Model != "m" || rec.Rounds != 3 || rec.InputTokens != 10 || rec.OutputTokens != 0 {
		t.Errorf("record = %+v", rec)
	}
}
