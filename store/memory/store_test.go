package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/xraph/flash"
	"github.com/xraph/flash/id"
	"github.com/xraph/flash/settlement"
	"github.com/xraph/flash/snapshot"
	"github.com/xraph/flash/store/memory"
	"github.com/xraph/flash/types"
)

func TestSnapshots(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	agent, provider := types.Address{1}, types.Address{2}

	if _, err := s.LoadSnapshot(ctx, agent, provider); !errors.Is(err, snapshot.ErrNotFound) {
		t.Fatalf("LoadSnapshot on empty store = %v, want ErrNotFound", err)
	}

	snap := &snapshot.Snapshot{Agent: agent, Provider: provider, Spent: 42, InFlightAmount: 10, InFlightNonce: 3}
	if err := s.SaveSnapshot(ctx, snap); err != nil {
		t.Fatal(err)
	}
	snap.Spent = 99 // the store holds its own copy

	got, err := s.LoadSnapshot(ctx, agent, provider)
	if err != nil {
		t.Fatal(err)
	}
	if got.Spent != 42 || got.InFlightNonce != 3 {
		t.Errorf("LoadSnapshot = %+v", got)
	}

	if err := s.DeleteSnapshot(ctx, agent, provider); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadSnapshot(ctx, agent, provider); !errors.Is(err, snapshot.ErrNotFound) {
		t.Errorf("after delete: %v", err)
	}
}

func TestSettlements(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	agent := types.Address{7}

	for i, status := range []settlement.Status{settlement.StatusConfirmed, settlement.StatusFailed, settlement.StatusConfirmed} {
		r := &settlement.Record{ID: id.NewSettlementID(), Agent: agent, Amount: uint64(i + 1), Status: settlement.StatusRequested}
		if err := s.CreateSettlement(ctx, r); err != nil {
			t.Fatal(err)
		}
		r.Status = status
		if err := s.UpdateSettlement(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	other := &settlement.Record{ID: id.NewSettlementID(), Agent: types.Address{8}}
	if err := s.CreateSettlement(ctx, other); err != nil {
		t.Fatal(err)
	}

	if err := s.CreateSettlement(ctx, other); !errors.Is(err, flash.ErrAlreadyExists) {
		t.Errorf("duplicate create = %v, want ErrAlreadyExists", err)
	}
	if _, err := s.GetSettlement(ctx, id.NewSettlementID()); !errors.Is(err, flash.ErrSettlementNotFound) {
		t.Errorf("GetSettlement(unknown) = %v", err)
	}

	tests := []struct {
		name string
		opts settlement.ListOpts
		want int
	}{
		{"All", settlement.ListOpts{}, 3},
		{"Confirmed", settlement.ListOpts{Status: settlement.StatusConfirmed}, 2},
		{"Limit", settlement.ListOpts{Limit: 1}, 1},
		{"OffsetPastEnd", settlement.ListOpts{Offset: 10}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListSettlements(ctx, agent, tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d records, want %d", len(got), tt.want)
			}
		})
	}
}
