package filter

import (
	"testing"

	"github.com/jcoelh0/web3cache-go/store"
)

func TestApplyNoPriorState(t *testing.T) {
	blocks := []Block{
		{EventName: "Transfer", BlockNumber: 10},
		{EventName: "Transfer", BlockNumber: 11},
		{EventName: "Approval", BlockNumber: 5},
	}

	result := Apply(nil, 1, blocks)

	if len(result.Accepted) != 3 {
		t.Fatalf("expected all 3 blocks accepted with no prior state, got %d", len(result.Accepted))
	}
	if result.Marks["Transfer"] != 11 {
		t.Errorf("Transfer mark = %d, want 11", result.Marks["Transfer"])
	}
	if result.Marks["Approval"] != 5 {
		t.Errorf("Approval mark = %d, want 5", result.Marks["Approval"])
	}
}

func TestApplySuppressesStaleAndDuplicateBlocks(t *testing.T) {
	prior := &store.EventWaterMark{
		ContractID: "c1",
		ResetNonce: 1,
		Marks:      map[string]int64{"Transfer": 10},
	}
	blocks := []Block{
		{EventName: "Transfer", BlockNumber: 10}, // duplicate, suppressed
		{EventName: "Transfer", BlockNumber: 9},   // stale, suppressed
		{EventName: "Transfer", BlockNumber: 12},  // accepted
	}

	result := Apply(prior, 1, blocks)

	if len(result.Accepted) != 1 {
		t.Fatalf("expected 1 block accepted, got %d", len(result.Accepted))
	}
	if result.Accepted[0].BlockNumber != 12 {
		t.Errorf("accepted block = %d, want 12", result.Accepted[0].BlockNumber)
	}
	if result.Marks["Transfer"] != 12 {
		t.Errorf("Transfer mark = %d, want 12", result.Marks["Transfer"])
	}
}

func TestApplyResetNonceMismatchDiscardsPriorMarks(t *testing.T) {
	prior := &store.EventWaterMark{
		ContractID: "c1",
		ResetNonce: 1,
		Marks:      map[string]int64{"Transfer": 100},
	}
	blocks := []Block{{EventName: "Transfer", BlockNumber: 1}}

	result := Apply(prior, 2, blocks)

	if len(result.Accepted) != 1 {
		t.Fatalf("expected block accepted after reset_nonce change, got %d accepted", len(result.Accepted))
	}
	if result.ResetNonce != 2 {
		t.Errorf("ResetNonce = %d, want 2", result.ResetNonce)
	}
}
