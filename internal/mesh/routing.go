package mesh

import (
	"sync"
	"time"
)

// OriginatorEntry is the best known route to a mesh node, learned from OGMs.
type OriginatorEntry struct {
	BestNextHop NodeID
	LastSeqno   uint32
	Metric      uint8
	LastSeen    time.Time
}

// NeighborEntry tracks a directly-heard OGM sender.
type NeighborEntry struct {
	LastSeen   time.Time
	LinkMetric uint8
}

// RoutingTable holds the originator and neighbor tables behind one
// sync.RWMutex, closing the race a naive two-map, two-lock design would
// leave between the OGM-handling mutator and the expiry sweeper.
type RoutingTable struct {
	mu          sync.RWMutex
	originators map[NodeID]OriginatorEntry
	neighbors   map[NodeID]NeighborEntry
}

// NewRoutingTable returns an empty RoutingTable.
func NewRoutingTable() *RoutingTable {
	return &RoutingTable{
		originators: make(map[NodeID]OriginatorEntry),
		neighbors:   make(map[NodeID]NeighborEntry),
	}
}

// HandleOGM applies one received OGM to the routing state: it always
// refreshes the neighbor entry for prevHop, and updates the originator entry
// for originID only if absent or if seqno is strictly newer under 32-bit
// modular comparison. It reports whether the originator entry changed, which
// callers don't currently need but keeps the update decision co-located with
// the state it touches.
func (rt *RoutingTable) HandleOGM(originID, prevHop NodeID, seqno uint32, ttl, linkMetric uint8, now time.Time) (updated bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	nei := rt.neighbors[prevHop]
	nei.LastSeen = now
	nei.LinkMetric = linkMetric
	rt.neighbors[prevHop] = nei

	entry, ok := rt.originators[originID]
	if !ok {
		rt.originators[originID] = OriginatorEntry{
			BestNextHop: prevHop,
			LastSeqno:   seqno,
			Metric:      linkMetric,
			LastSeen:    now,
		}
		return true
	}

	if SeqnoGreater(seqno, entry.LastSeqno) {
		entry.BestNextHop = prevHop
		entry.LastSeqno = seqno
		entry.Metric = linkMetric
		entry.LastSeen = now
		rt.originators[originID] = entry
		return true
	}

	return false
}

// BestNextHop returns the best known next hop toward destID, if any.
func (rt *RoutingTable) BestNextHop(destID NodeID) (NodeID, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	entry, ok := rt.originators[destID]
	if !ok {
		return NodeID{}, false
	}
	return entry.BestNextHop, true
}

// Originator returns a copy of the originator entry for id, if present.
func (rt *RoutingTable) Originator(id NodeID) (OriginatorEntry, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	entry, ok := rt.originators[id]
	return entry, ok
}

// Neighbor returns a copy of the neighbor entry for id, if present.
func (rt *RoutingTable) Neighbor(id NodeID) (NeighborEntry, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	entry, ok := rt.neighbors[id]
	return entry, ok
}

// OriginatorCount and NeighborCount back the metrics collector's gauges.
func (rt *RoutingTable) OriginatorCount() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.originators)
}

func (rt *RoutingTable) NeighborCount() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.neighbors)
}

// Cleanup evicts originator entries older than routeExpiry and neighbor
// entries older than neighborExpiry, relative to now.
func (rt *RoutingTable) Cleanup(now time.Time, routeExpiry, neighborExpiry time.Duration) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	for id, entry := range rt.originators {
		if now.Sub(entry.LastSeen) > routeExpiry {
			delete(rt.originators, id)
		}
	}
	for id, entry := range rt.neighbors {
		if now.Sub(entry.LastSeen) > neighborExpiry {
			delete(rt.neighbors, id)
		}
	}
}
