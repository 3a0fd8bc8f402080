package ring

import (
	"encoding/binary"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Hasher computes a 32-bit, non-cryptographic hash of a key.
type Hasher func([]byte) uint32

// point is one replica position on the ring.
type point struct {
	hash uint32
	addr string
}

// HashRing maps string keys to the owning server among the currently
// alive set, via consistent hashing with a fixed number of replica points
// per server. A server is present iff its caller-tracked status is alive;
// HashRing itself only knows "added" or "removed".
type HashRing struct {
	mu       sync.RWMutex
	replicas int
	hash     Hasher
	points   []point // sorted by (hash, addr)
	nodes    map[string]string // nodeID -> addr (metadata)

	onChange []func()
}

// New builds a ring with the given replica count (default 100) and hasher
// (default XXHash32).
func New(replicas int, h Hasher) *HashRing {
	if replicas <= 0 {
		replicas = 100
	}
	if h == nil {
		h = XXHash32
	}
	return &HashRing{
		replicas: replicas,
		hash:     h,
		nodes:    make(map[string]string),
	}
}

// OnChange registers a listener fired whenever Add or Remove actually
// changes the server set -- never on a no-op call. This is the
// "ringChanged" event from the design: it does not fire on churn that
// leaves the server set unchanged, because Add of a present node and
// Remove of an absent node are no-ops, so callers may call Add/Remove on
// every membership update.
func (r *HashRing) OnChange(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}

// Add idempotently inserts nodeID at addr with its replica points. No-op,
// and no ringChanged event, if nodeID is already present.
func (r *HashRing) Add(nodeID, addr string) bool {
	r.mu.Lock()
	if _, ok := r.nodes[nodeID]; ok {
		r.mu.Unlock()
		return false
	}
	r.nodes[nodeID] = addr
	for i := 0; i < r.replicas; i++ {
		r.points = append(r.points, point{hash: r.hash(pointKey(nodeID, i)), addr: nodeID})
	}
	sort.Slice(r.points, func(i, j int) bool {
		if r.points[i].hash != r.points[j].hash {
			return r.points[i].hash < r.points[j].hash
		}
		return r.points[i].addr < r.points[j].addr
	})
	listeners := append([]func(){}, r.onChange...)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
	return true
}

// Remove idempotently drops nodeID and its replica points. No-op, and no
// ringChanged event, if nodeID was never present.
func (r *HashRing) Remove(nodeID string) bool {
	r.mu.Lock()
	if _, ok := r.nodes[nodeID]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.nodes, nodeID)
	kept := r.points[:0:0]
	for _, p := range r.points {
		if p.addr != nodeID {
			kept = append(kept, p)
		}
	}
	r.points = kept
	listeners := append([]func(){}, r.onChange...)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
	return true
}

// Clear removes every server from the ring, firing ringChanged once iff
// the ring was non-empty.
func (r *HashRing) Clear() {
	r.mu.Lock()
	if len(r.nodes) == 0 {
		r.mu.Unlock()
		return
	}
	r.nodes = make(map[string]string)
	r.points = nil
	listeners := append([]func(){}, r.onChange...)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

// Lookup hashes key and returns the nodeID owning the least ring position
// greater than or equal to that hash, wrapping around; ties among equal
// hash positions are broken by lexicographic nodeID, which is already the
// ring's sort order.
func (r *HashRing) Lookup(key []byte) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 {
		return ""
	}
	h := r.hash(key)
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i].hash >= h })
	if idx == len(r.points) {
		idx = 0
	}
	return r.points[idx].addr
}

// LookupN returns up to n distinct nodeIDs starting from key's owner and
// walking the ring clockwise, for replication fan-out.
func (r *HashRing) LookupN(key []byte, n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 || n <= 0 {
		return nil
	}
	h := r.hash(key)
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i].hash >= h })
	if idx == len(r.points) {
		idx = 0
	}

	seen := make(map[string]struct{}, n)
	out := make([]string, 0, n)
	for i := 0; i < len(r.points) && len(out) < n; i++ {
		id := r.points[(idx+i)%len(r.points)].addr
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// Addr returns the metadata address stored for nodeID.
func (r *HashRing) Addr(nodeID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.nodes[nodeID]
	return a, ok
}

// Nodes returns a copy of the nodeID -> addr map.
func (r *HashRing) Nodes() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.nodes))
	for k, v := range r.nodes {
		out[k] = v
	}
	return out
}

// FNV32a is the stdlib-only fallback hasher, kept for compatibility with
// callers/tests that don't want the xxhash dependency.
func FNV32a(b []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(b)
	return h.Sum32()
}

// XXHash32 is the default hasher: xxhash64 truncated to its low 32 bits,
// a fast non-cryptographic hash well suited to ring routing.
func XXHash32(b []byte) uint32 {
	return uint32(xxhash.Sum64(b))
}

func pointKey(nodeID string, i int) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(i))
	return append([]byte(nodeID), buf[:]...)
}
