// Package replicate implements the bridge between the pure rtree engine
// and a delta-CRDT map collaborator (spec.md §4.5): after every mutating
// engine call it diffs the old and new node maps and emits Add/Remove
// deltas, and it folds inbound deltas back into a node map without
// re-running any tree algorithm, since the flat map representation is
// self-describing.
package replicate

import (
	"fmt"
	"log/slog"

	cid "github.com/ipfs/go-cid"

	"github.com/boxtree/boxtree/lwwmap"
	"github.com/boxtree/boxtree/nodemap"
)

// Payload is the value a CRDT Add delta actually carries: a record plus
// the CID it hashed to on the sender's side, so Fold and Reconstruct can
// recompute the hash on arrival and reject a record that doesn't match
// it instead of trusting the wire bytes.
type Payload struct {
	Record nodemap.Record
	CID    cid.Cid
}

// CRDTMap is the minimal contract the bridge needs from a CRDT
// collaborator (spec.md §4.5 supplement): submit local writes, accept
// nothing else, and hand back the current converged view. Its
// anti-entropy protocol — how Add/Remove reach other peers and in what
// order they're allowed to arrive — is the part spec.md §1 calls an
// external, assumed collaborator; lwwmap.Map is this module's in-repo
// stand-in.
type CRDTMap interface {
	Add(key, value any)
	Remove(key any)
	Snapshot() map[any]any
	Deltas() <-chan lwwmap.Delta
}

// Bridge owns one CRDTMap and mirrors one tree's node map into it.
type Bridge struct {
	crdt CRDTMap
}

// New returns a Bridge over the given CRDT collaborator.
func New(crdt CRDTMap) *Bridge {
	return &Bridge{crdt: crdt}
}

// Publish computes diff_keys(old, new) and submits one Add per changed
// or new key and one Remove per key that disappeared, per spec.md §4.5
// steps 1-3. Reserved keys (root, ticket) are diffed and shipped exactly
// like any other key: peers need the new root pointer and ticket state
// to reconstruct an equivalent tree. Each Add carries the record's CID
// alongside it, so a recipient can verify what it received instead of
// trusting the sender.
func (b *Bridge) Publish(old, new nodemap.HashSummarized) {
	for k := range nodemap.DiffKeys(old, new) {
		rec, ok := new.Get(k)
		if !ok {
			b.crdt.Remove(k)
			continue
		}
		c, err := rec.CID()
		if err != nil {
			slog.Error("replicate: cid record for publish", "key", k, "err", err)
			continue
		}
		b.crdt.Add(k, Payload{Record: rec, CID: c})
	}
}

// Fold applies a batch of inbound deltas to nodes in order, without
// invoking any rtree algorithm: an Add sets nodes[key] = value, a Remove
// deletes it. This mirrors spec.md §4.5's "fold them into the local node
// map in order" instruction verbatim. Every Add's record is re-hashed
// and checked against the CID it arrived with before being applied.
func Fold(nodes nodemap.Map, deltas []lwwmap.Delta) (nodemap.Map, error) {
	for _, d := range deltas {
		if d.Removed {
			nodes = nodes.Delete(d.Key)
			continue
		}
		rec, err := verifiedRecord(d.Key, d.Value)
		if err != nil {
			return nodes, err
		}
		nodes = nodes.Put(d.Key, rec)
	}
	return nodes, nil
}

// Reconstruct rebuilds a node map from a CRDT's full snapshot by folding
// every entry as an Add, per spec.md §4.5's initial-join rule.
func Reconstruct(base nodemap.Map, snapshot map[any]any) (nodemap.Map, error) {
	for k, v := range snapshot {
		rec, err := verifiedRecord(k, v)
		if err != nil {
			return base, err
		}
		base = base.Put(k, rec)
	}
	return base, nil
}

// verifiedRecord extracts the Payload a delta or snapshot entry carries
// and confirms its record still hashes to the CID it was published with.
func verifiedRecord(k any, v any) (nodemap.Record, error) {
	payload, ok := v.(Payload)
	if !ok {
		return nodemap.Record{}, fmt.Errorf("replicate: entry for %v carries non-payload value %T", k, v)
	}
	got, err := payload.Record.CID()
	if err != nil {
		return nodemap.Record{}, fmt.Errorf("replicate: cid record for %v: %w", k, err)
	}
	if !got.Equals(payload.CID) {
		return nodemap.Record{}, fmt.Errorf("replicate: record for %v failed cid verification: got %s want %s", k, got, payload.CID)
	}
	return payload.Record, nil
}

// Drain reads every delta currently buffered on crdt.Deltas() without
// blocking, the batch a caller hands to a peer transport in one message.
func Drain(crdt CRDTMap) []lwwmap.Delta {
	var out []lwwmap.Delta
	for {
		select {
		case d := <-crdt.Deltas():
			out = append(out, d)
		default:
			return out
		}
	}
}
