package call

import (
	"strings"
	"sync"
	"time"

	"github.com/driftline/callcore/engine"
)

// trickleSafetyTimeout is the forced-deferred-answer window for trickle-only offers.
const trickleSafetyTimeout = 5 * time.Second

// iceStatsKey buckets candidate counters by type and direction.
type iceStatsKey struct {
	kind      engine.CandidateType
	direction string // "sent" or "received"
}

// iceCoordinator tracks, per session, a counter bucketed by candidate type
// and direction, and decides whether a local candidate is sent, queued or
// dropped. The queue itself is Session.PendingCandidates. It never sends
// stanzas itself — Flush returns the candidates to emit and Manager turns
// each into a transport-info IQ through its Outbound.
type iceCoordinator struct {
	mu    sync.Mutex
	stats map[string]map[iceStatsKey]int // sessionID -> bucket -> count
}

func newICECoordinator() *iceCoordinator {
	return &iceCoordinator{stats: make(map[string]map[iceStatsKey]int)}
}

// isQueueingState reports whether candidates for a session in this state
// must be queued rather than sent immediately.
func isQueueingState(s State) bool {
	switch s {
	case StateProposing, StateProceeding, StatePending, StateIncoming, StateAccepted:
		return true
	default:
		return false
	}
}

// isTCPCandidate reports whether a raw ICE candidate attribute line
// describes a TCP transport candidate — dropped at emission time because a
// significant fraction of peers reject them with service-unavailable.
func isTCPCandidate(raw string) bool {
	fields := strings.Fields(raw)
	for i, f := range fields {
		if f == "tcp" && i > 0 {
			return true
		}
	}
	return strings.Contains(strings.ToLower(raw), " tcp ")
}

// Offer classifies a locally-produced candidate for session sid by its
// transport and the session's current state. It returns send=true if the
// candidate should be sent immediately (non-queueing state), dropped=true
// for a TCP candidate, and both false if the caller should queue it.
func (c *iceCoordinator) Offer(sid string, state State, cand engine.Candidate) (send bool, dropped bool) {
	if isTCPCandidate(cand.Candidate) {
		return false, true
	}
	if isQueueingState(state) {
		return false, false
	}
	return true, false
}

// recordSent/recordReceived update the per-type, per-direction counters
// read back by Count.
func (c *iceCoordinator) recordSent(sid string, typ engine.CandidateType) {
	c.record(sid, typ, "sent")
}

func (c *iceCoordinator) recordReceived(sid string, typ engine.CandidateType) {
	c.record(sid, typ, "received")
}

func (c *iceCoordinator) record(sid string, typ engine.CandidateType, direction string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bucket, ok := c.stats[sid]
	if !ok {
		bucket = make(map[iceStatsKey]int)
		c.stats[sid] = bucket
	}
	bucket[iceStatsKey{kind: typ, direction: direction}]++
}

// Count returns the counter for a specific type/direction bucket.
func (c *iceCoordinator) Count(sid string, typ engine.CandidateType, direction string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats[sid][iceStatsKey{kind: typ, direction: direction}]
}

// Drop removes all bookkeeping for a finished session.
func (c *iceCoordinator) Drop(sid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.stats, sid)
}

// Flush drains and returns a session's pending candidate queue. The caller
// MUST have already applied the remote SDP to the media engine before
// calling this, to preserve ICE's answer-before-candidates ordering.
func Flush(sess *Session) []engine.Candidate {
	pending := sess.PendingCandidates
	sess.PendingCandidates = nil
	return pending
}
