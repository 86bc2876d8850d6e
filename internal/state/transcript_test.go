package state

import (
	"context"
	"testing"
)

func TestMemoryLogRecentNewestFirst(t *testing.T) {
	log := NewMemoryLog(0)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := log.Record(ctx, &Transcript{ID: id}); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := log.Recent(ctx, 2)
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "b" {
		t.Errorf("Recent(2) = %+v", got)
	}
	all, _ := log.Recent(ctx, 0)
	if len(all) != 3 {
		t.Errorf("Recent(0) returned %d", len(all))
	}
}

func TestMemoryLogLimit(t *testing.T) {
	log := NewMemoryLog(2)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_ = log.Record(ctx, &Transcript{ID: id})
	}
	got, _ := log.Recent(ctx, 10)
	if len(got) != 2 || got[1].ID != "b" {
		t.Errorf("Recent = %+v, want c, b", got)
	}
}

func TestMemoryLogCopiesToolCalls(t *testing.T) {
	log := NewMemoryLog(0)
	tr := &Transcript{ID: "a", ToolCalls: []string{"getCostSummary"}}
	_ = log.Record(context.Background(), tr)
	tr.ToolCalls[0] = "mutated"

	got, _ := log.Recent(context.Background(), 1)
	if got[0].ToolCalls[0] != "getCostSummary" {
		t.Errorf("stored tool calls changed: %v", got[0].ToolCalls)
	}
}

func TestTranscriptFailed(t *testing.T) {
	if (&Transcript{Answer: "ok"}).Failed() {
		t.Error("answered transcript reported failed")
	}
	if !(&Transcript{Error: "boom"}).Failed() {
		t.Error("errored transcript not reported failed")
	}
}
