package nodemap

import (
	"encoding/binary"
	"hash/fnv"
	"math"

	lru "github.com/hashicorp/golang-lru"
)

// digestCacheSize bounds each snapshot's per-key digest LRU, the same
// role util.CacheBlockstore's two-queue cache plays for blockstore
// reads in the teacher.
const digestCacheSize = 4096

// HashSummarized wraps Plain with a per-key content digest, cached in an
// LRU private to one snapshot. DiffKeys holds two snapshots (old and
// new) alive at once and asks each for the same key's digest, so the
// cache cannot be shared by pointer across Put/Delete the way Plain's
// map is copy-on-write shared — a shared cache would let one snapshot's
// cached digest for a key leak into the other's answer for that same
// key. Put and Delete therefore each start a fresh, empty cache rather
// than reusing the receiver's. Used whenever the tree is mirrored into
// a CRDT map, since the replication bridge needs a cheap way to know
// which keys to ship as deltas after a mutation.
type HashSummarized struct {
	Plain
	digests *lru.TwoQueueCache
}

var _ Map = HashSummarized{}

// NewHashSummarized returns an empty hash-summarized node map.
func NewHashSummarized() HashSummarized {
	return HashSummarized{Plain: NewPlain(), digests: newDigestCache()}
}

func newDigestCache() *lru.TwoQueueCache {
	c, err := lru.New2Q(digestCacheSize)
	if err != nil {
		// Only fails on a non-positive size, which digestCacheSize never is.
		panic(err)
	}
	return c
}

func (h HashSummarized) Put(k Key, r Record) Map {
	next := h.Plain.Put(k, r).(Plain)
	return HashSummarized{Plain: next, digests: newDigestCache()}
}

func (h HashSummarized) Delete(k Key) Map {
	next := h.Plain.Delete(k).(Plain)
	return HashSummarized{Plain: next, digests: newDigestCache()}
}

// Hash returns the content digest of the record at k, computing and
// caching it in this snapshot's cache on first access.
func (h HashSummarized) Hash(k Key) (uint64, bool) {
	rec, ok := h.Get(k)
	if !ok {
		return 0, false
	}
	return h.hashOf(k, rec), true
}

func (h HashSummarized) hashOf(k Key, rec Record) uint64 {
	cacheKey := keyString(k)
	if v, ok := h.digests.Get(cacheKey); ok {
		return v.(uint64)
	}
	d := digestRecord(rec)
	h.digests.Add(cacheKey, d)
	return d
}

// digestRecord computes a deterministic content hash of a record. It is
// intentionally simple (FNV-1a over a canonical field encoding) rather
// than a cryptographic hash: DiffKeys only needs collision-avoidance
// within one process's lifetime, not tamper-evidence.
func digestRecord(rec Record) uint64 {
	h := fnv.New64a()

	write := func(s string) {
		_, _ = h.Write([]byte(s))
		_, _ = h.Write([]byte{0})
	}
	writeFloat := func(f float64) {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(f))
		_, _ = h.Write(buf[:])
	}

	write(rec.Kind.String())
	write(keyString(rec.Parent))
	for _, r := range rec.Box {
		writeFloat(r.Lo)
		writeFloat(r.Hi)
	}
	for _, c := range rec.Children {
		write(keyString(c))
	}
	write(keyString(rec.RootKey))
	writeFloat(float64(rec.Ticket.Seed))
	writeFloat(float64(rec.Ticket.Counter))

	return h.Sum64()
}

// DiffKeys returns the set of keys whose records differ between a and b,
// including keys present in only one side. This is the primitive the
// replication bridge folds into CRDT Add/Remove deltas after a mutation.
func DiffKeys(a, b HashSummarized) map[Key]struct{} {
	out := map[Key]struct{}{}

	for _, k := range a.Keys() {
		av, _ := a.Hash(k)
		bv, ok := b.Hash(k)
		if !ok || av != bv {
			out[k] = struct{}{}
		}
	}
	for _, k := range b.Keys() {
		if _, ok := a.Get(k); !ok {
			out[k] = struct{}{}
		}
	}
	return out
}
