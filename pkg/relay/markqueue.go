package relay

import (
	"strconv"
	"strings"

	"github.com/gammazero/deque"
)

const markPrefix = "mark-"

// Mark is one outstanding playback marker.
type Mark struct {
	Name      string
	Seq       uint64
	ItemID    string
	ElapsedMs int64
}

// AckOutcome classifies a mark acknowledgement.
type AckOutcome int

const (
	// AckMatched means the ack matched the head of the queue.
	AckMatched AckOutcome = iota
	// AckResynced means the ack matched a later entry; earlier entries were dropped.
	AckResynced
	// AckUnknown means no outstanding mark matched; the queue was drained.
	AckUnknown
	// AckStale means the mark was already removed, by a barge-in or an earlier resync.
	AckStale
)

func (o AckOutcome) String() string {
	switch o {
	case AckMatched:
		return "matched"
	case AckResynced:
		return "resynced"
	case AckUnknown:
		return "unknown"
	case AckStale:
		return "stale"
	default:
		return "invalid"
	}
}

// AckResult reports what Ack did.
type AckResult struct {
	Outcome AckOutcome
	Mark    Mark
	Dropped int
}

// MarkQueue is the FIFO of marks sent to the telephony leg and not yet
// acknowledged. Names are generated by Push and increase monotonically.
// It is not safe for concurrent use; the call actor owns it.
type MarkQueue struct {
	marks   deque.Deque[Mark]
	seq     uint64
	retired uint64
}

// Push appends a new mark for itemID at the given playback offset.
func (q *MarkQueue) Push(itemID string, elapsedMs int64) Mark {
	q.seq++
	m := Mark{
		Name:      markPrefix + strconv.FormatUint(q.seq, 10),
		Seq:       q.seq,
		ItemID:    itemID,
		ElapsedMs: elapsedMs,
	}
	q.marks.PushBack(m)
	return m
}

// Ack removes the acknowledged mark. An ack that does not match the head
// drops entries until a match, which is also removed, or until the queue is
// empty.
//
// Stale acks are exempt from draining: a "mark-N" ack whose sequence is at or
// below the highest mark already removed (matched, skipped or cleared)
// returns AckStale and leaves the queue untouched. These are the echoes the
// platform sends after a clear.
func (q *MarkQueue) Ack(name string) AckResult {
	if seq, ok := parseMarkSeq(name); ok && seq <= q.retired {
		return AckResult{Outcome: AckStale}
	}

	dropped := 0
	for q.marks.Len() > 0 {
		m := q.marks.PopFront()
		q.retire(m.Seq)
		if m.Name == name {
			if dropped == 0 {
				return AckResult{Outcome: AckMatched, Mark: m}
			}
			return AckResult{Outcome: AckResynced, Mark: m, Dropped: dropped}
		}
		dropped++
	}
	return AckResult{Outcome: AckUnknown, Dropped: dropped}
}

// Clear discards every outstanding mark and returns how many were dropped.
func (q *MarkQueue) Clear() int {
	n := q.marks.Len()
	if n > 0 {
		q.retire(q.marks.Back().Seq)
	}
	q.marks.Clear()
	return n
}

// Len returns the number of outstanding marks.
func (q *MarkQueue) Len() int {
	return q.marks.Len()
}

// Front returns the oldest outstanding mark.
func (q *MarkQueue) Front() (Mark, bool) {
	if q.marks.Len() == 0 {
		return Mark{}, false
	}
	return q.marks.Front(), true
}

// Marks returns the outstanding marks, oldest first.
func (q *MarkQueue) Marks() []Mark {
	out := make([]Mark, 0, q.marks.Len())
	for i := 0; i < q.marks.Len(); i++ {
		out = append(out, q.marks.At(i))
	}
	return out
}

func (q *MarkQueue) retire(seq uint64) {
	if seq > q.retired {
		q.retired = seq
	}
}

func parseMarkSeq(name string) (uint64, bool) {
	if !strings.HasPrefix(name, markPrefix) {
		return 0, false
	}
	seq, err := strconv.ParseUint(name[len(markPrefix):], 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}
