package persistence

import (
	"context"
	"testing"

	"github.com/petrijr/mailflow/pkg/api"
)

func TestInMemoryStoreConformance(t *testing.T) {
	runStoreTests(t, NewInMemoryStore().Bundle())
}

func TestInMemoryStoreCopiesInstances(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	inst := testInstance("copy-", "a")
	inst.Classification = &api.Classification{Category: "finance", PriorityScore: 80}
	if err := s.SaveInstance(ctx, inst); err != nil {
		t.Fatalf("SaveInstance failed: %v", err)
	}

	// Mutating the caller's value must not leak into the store.
	inst.State = api.StateTerminal
	inst.Classification.PriorityScore = 1

	got, err := s.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if got.State != api.StateCreated {
		t.Fatalf("stored state mutated: %s", got.State)
	}
	if got.Classification.PriorityScore != 80 {
		t.Fatalf("stored classification mutated: %d", got.Classification.PriorityScore)
	}

	// And mutating a returned value must not change the store either.
	got.Classification.Category = "spam"
	again, err := s.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if again.Classification.Category != "finance" {
		t.Fatalf("store mutated through returned copy: %s", again.Classification.Category)
	}
}
