// Package filter implements the monotone-per-event block acceptance rule
// (the Fingerprint Filter) that the ingestion endpoint applies to every push.
package filter

import (
	"encoding/json"

	"github.com/jcoelh0/web3cache-go/store"
)

// Block is one candidate event occurrence from a push payload.
type Block struct {
	EventName    string
	BlockNumber  int64
	Transactions []json.RawMessage
}

// Result is the outcome of applying the filter to a push payload.
type Result struct {
	Accepted   []Block
	ResetNonce int64
	Marks      map[string]int64
}

// Apply derives the accepted subset of blocks and the new water-mark state.
//
// If the persisted water-mark's reset_nonce matches the payload's, the
// working map starts from the persisted marks; otherwise (including when no
// water-mark exists yet) it starts empty. A block is accepted iff its
// block_number strictly exceeds the working map's entry for its event_name
// (an absent entry compares as -1). Accepted blocks update the working map.
func Apply(prior *store.EventWaterMark, resetNonce int64, blocks []Block) Result {
	working := map[string]int64{}
	if prior != nil && prior.ResetNonce == resetNonce {
		for k, v := range prior.Marks {
			working[k] = v
		}
	}

	var accepted []Block
	for _, b := range blocks {
		last, ok := working[b.EventName]
		if !ok {
			last = -1
		}
		if b.BlockNumber > last {
			accepted = append(accepted, b)
			working[b.EventName] = b.BlockNumber
		}
	}

	return Result{Accepted: accepted, ResetNonce: resetNonce, Marks: working}
}
