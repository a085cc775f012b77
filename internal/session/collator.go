package session

import "sync"

// segmentOutcome carries everything known about one segment once its
// inference futures have resolved. Outcomes reach the collator in completion
// order and leave it in sequence order.
type segmentOutcome struct {
	seq     uint64
	startMs int64
	endMs   int64

	// code and errKind describe a failed segment. code 0 means the ASR call
	// produced text.
	code    int
	errKind string

	text       string
	confidence float64

	// embedding is the speaker voiceprint, nil when verification was
	// disabled, gated on quality, or failed.
	embedding []float32
}

// collator releases segment outcomes in strict sequence order. A completed
// segment N+1 is held until N arrives; every allocated sequence number is
// eventually completed (failed and cancelled segments complete with a
// non-zero code), so the collator never stalls once all workers finish.
//
// deliver runs under the collator lock, which makes it the single-threaded
// home of the session's ordered state (speaker tracker, line-break policy).
type collator struct {
	mu      sync.Mutex
	next    uint64
	held    map[uint64]*segmentOutcome
	deliver func(*segmentOutcome)
}

func newCollator(deliver func(*segmentOutcome)) *collator {
	return &collator{
		held:    make(map[uint64]*segmentOutcome),
		deliver: deliver,
	}
}

// complete hands in one resolved segment and releases every consecutive
// outcome starting at the lowest outstanding sequence number.
func (c *collator) complete(o *segmentOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.held[o.seq] = o
	for {
		next, ok := c.held[c.next]
		if !ok {
			return
		}
		delete(c.held, c.next)
		c.next++
		c.deliver(next)
	}
}
