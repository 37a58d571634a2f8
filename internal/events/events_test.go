package events

import (
	"context"
	"errors"
	"testing"
)

type recordingSink struct {
	got []*Event
}

func (r *recordingSink) Publish(e *Event) { r.got = append(r.got, e) }

type failingStore struct{ MemoryStore }

func (f *failingStore) Append(context.Context, *Event) error { return errors.New("db down") }

func TestLog_EmitStoresAndPublishes(t *testing.T) {
	store := NewMemoryStore()
	log := NewLog(store, nil)
	sink := &recordingSink{}
	log.Subscribe(sink)
	ctx := context.Background()

	log.Emit(ctx, &Event{Name: AgentRegistered, Source: SourceRegistry, Subject: "0xa", Data: map[string]string{"name": "Alice"}})
	log.Emit(ctx, &Event{Name: EscrowCreated, Source: SourceEscrow, Subject: "0x01"})

	list, err := log.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 events, got %d", len(list))
	}
	if list[0].Seq != 1 || list[1].Seq != 2 {
		t.Errorf("expected sequential seq, got %d, %d", list[0].Seq, list[1].Seq)
	}
	if list[0].CreatedAt.IsZero() {
		t.Error("CreatedAt should be stamped")
	}
	if len(sink.got) != 2 || sink.got[1].Name != EscrowCreated {
		t.Errorf("sink received %v", sink.got)
	}
}

func TestLog_ListFilters(t *testing.T) {
	store := NewMemoryStore()
	log := NewLog(store, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		log.Emit(ctx, &Event{Name: TrustScoreUpdated, Source: SourceRegistry, Subject: "0xa"})
	}
	log.Emit(ctx, &Event{Name: EscrowCreated, Source: SourceEscrow, Subject: "0xesc"})

	after, _ := log.List(ctx, Filter{After: 3})
	if len(after) != 3 || after[0].Seq != 4 {
		t.Errorf("After=3 returned %d events starting at %d", len(after), after[0].Seq)
	}

	escrowOnly, _ := log.List(ctx, Filter{Source: SourceEscrow})
	if len(escrowOnly) != 1 || escrowOnly[0].Subject != "0xesc" {
		t.Errorf("source filter returned %v", escrowOnly)
	}

	limited, _ := log.List(ctx, Filter{Limit: 2})
	if len(limited) != 2 {
		t.Errorf("limit=2 returned %d", len(limited))
	}
}

func TestLog_StoreFailureStillPublishes(t *testing.T) {
	log := NewLog(&failingStore{}, nil)
	sink := &recordingSink{}
	log.Subscribe(sink)

	log.Emit(context.Background(), &Event{Name: Paused, Source: SourceAccess})

	if len(sink.got) != 1 {
		t.Error("a committed change should still reach live subscribers")
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Append(ctx, &Event{Name: AgentRegistered, Data: map[string]string{"name": "Alice"}})

	list, _ := store.List(ctx, Filter{})
	list[0].Data["name"] = "Mallory"

	again, _ := store.List(ctx, Filter{})
	if again[0].Data["name"] != "Alice" {
		t.Error("stored event was mutated through a returned copy")
	}
	if names := store.Names(); len(names) != 1 || names[0] != AgentRegistered {
		t.Errorf("Names() = %v", names)
	}
}
