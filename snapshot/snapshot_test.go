package snapshot_test

import (
	"testing"

	"github.com/xraph/flash/snapshot"
)

func TestReconcile(t *testing.T) {
	tests := []struct {
		name       string
		snap       snapshot.Snapshot
		vaultNonce uint64
		want       uint64
	}{
		{"NoInFlight", snapshot.Snapshot{Spent: 500}, 7, 500},
		{"InFlightLanded", snapshot.Snapshot{Spent: 500, InFlightAmount: 300, InFlightNonce: 4}, 4, 200},
		{"InFlightLandedAndMore", snapshot.Snapshot{Spent: 500, InFlightAmount: 300, InFlightNonce: 4}, 6, 200},
		{"InFlightLost", snapshot.Snapshot{Spent: 500, InFlightAmount: 300, InFlightNonce: 4}, 3, 500},
		{"InFlightCoversAll", snapshot.Snapshot{Spent: 300, InFlightAmount: 300, InFlightNonce: 1}, 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.snap.Reconcile(tt.vaultNonce); got != tt.want {
				t.Errorf("Reconcile(%d) = %d, want %d", tt.vaultNonce, got, tt.want)
			}
		})
	}
}
