package thread

import (
	"strings"

	"github.com/tracklab/tracklab-agent/internal/agui"
)

// ReconcileResult is the outcome of merging an incoming batch into history.
type ReconcileResult struct {
	// NewMessages are the incoming messages not seen before, in batch order.
	NewMessages []agui.Message
	// Merged is the stored history followed by the new messages translated
	// into the stored representation. If nothing is new it aliases the
	// stored slice unchanged.
	Merged []Message
	// KnownIDs is the updated known-id set. It grows append-only; if Grew is
	// false it aliases the input slice.
	KnownIDs []string
	Grew     bool
}

// Reconcile filters the incoming batch down to messages whose ids have not
// been incorporated yet and merges them onto the stored history.
//
// It is a pure function: no storage access, deterministic for a given input.
// Clients may replay the entire conversation on every call; replayed ids are
// dropped no matter where they appear in the batch. A duplicate id occurring
// twice within one batch counts once, first occurrence wins.
func Reconcile(stored []Message, knownIDs []string, incoming []agui.Message) ReconcileResult {
	seen := make(map[string]struct{}, len(knownIDs)+len(incoming))
	for _, id := range knownIDs {
		seen[id] = struct{}{}
	}

	res := ReconcileResult{Merged: stored, KnownIDs: knownIDs}
	for _, m := range incoming {
		id := strings.TrimSpace(m.ID)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		res.NewMessages = append(res.NewMessages, m)
	}
	if len(res.NewMessages) == 0 {
		return res
	}

	res.Grew = true
	res.KnownIDs = make([]string, 0, len(knownIDs)+len(res.NewMessages))
	res.KnownIDs = append(res.KnownIDs, knownIDs...)
	res.Merged = make([]Message, 0, len(stored)+len(res.NewMessages))
	res.Merged = append(res.Merged, stored...)
	for _, m := range res.NewMessages {
		res.KnownIDs = append(res.KnownIDs, strings.TrimSpace(m.ID))
		res.Merged = append(res.Merged, FromClient(m))
	}
	return res
}
