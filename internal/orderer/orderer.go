// Package orderer reorders inbound synchronization packets per account by
// their server-assigned sequence number, buffering out-of-order arrivals
// and emitting a gap signal when a hole persists past its timeout.
package orderer

import (
	"sync"
	"time"

	"github.com/coachpo/termconnect/internal/observability"
)

// Packet is one sequence-numbered unit the orderer reorders. Payload is
// opaque to the orderer; callers attach whatever decoded event it wraps.
type Packet struct {
	AccountID string
	Sequence  uint64
	Payload   any
}

// GapDetected is emitted when a buffered gap outlives the configured
// timeout; the orderer advances nextExpected past the gap and continues.
type GapDetected struct {
	AccountID string
	Missing   []uint64
}

// Orderer reorders packets per account. OnPacket is the sole inbound entry
// point; it is safe for concurrent use by different accounts, and calls
// for the same account are expected to arrive from a single reader
// goroutine (the transport's read loop), matching the corpus's stream
// ordering buffer shape.
type Orderer struct {
	mu             sync.Mutex
	outOfOrderTTL  time.Duration
	maxBuffer      int
	accounts       map[string]*accountBuffer
	onGap          func(GapDetected)
	now            func() time.Time
}

type accountBuffer struct {
	nextExpected uint64
	buffered     map[uint64]bufferedPacket
	firstSeen    map[uint64]time.Time
}

type bufferedPacket struct {
	packet Packet
}

// Config bundles the orderer's tunables.
type Config struct {
	// OutOfOrderTimeout is how long a gap may persist before GapDetected
	// fires and nextExpected is advanced past it (spec default 60s).
	OutOfOrderTimeout time.Duration
	// MaxBuffer bounds the number of packets buffered per account; on
	// overflow the oldest buffered packet is dropped with a warning.
	MaxBuffer int
	// OnGap is invoked (outside the orderer's lock) whenever a gap is
	// detected and skipped.
	OnGap func(GapDetected)
}

// New constructs an Orderer from cfg, applying spec defaults for zero values.
func New(cfg Config) *Orderer {
	if cfg.OutOfOrderTimeout <= 0 {
		cfg.OutOfOrderTimeout = 60 * time.Second
	}
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = 1000
	}
	return &Orderer{
		outOfOrderTTL: cfg.OutOfOrderTimeout,
		maxBuffer:     cfg.MaxBuffer,
		accounts:      make(map[string]*accountBuffer),
		onGap:         cfg.OnGap,
		now:           time.Now,
	}
}

// ResetAccount resets nextExpected to base and discards any buffered
// packets for accountID; called on every synchronizationStarted event
// per spec §4.B.
func (o *Orderer) ResetAccount(accountID string, base uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.accounts[accountID] = &accountBuffer{
		nextExpected: base,
		buffered:     make(map[uint64]bufferedPacket),
		firstSeen:    make(map[uint64]time.Time),
	}
}

// OnPacket admits one packet and returns the contiguous run of packets
// ready for release, in sequence order. The caller must apply them in the
// returned order before processing any subsequently-returned batch.
func (o *Orderer) OnPacket(p Packet) []Packet {
	o.mu.Lock()
	buf, ok := o.accounts[p.AccountID]
	if !ok {
		buf = &accountBuffer{
			nextExpected: 1,
			buffered:     make(map[uint64]bufferedPacket),
			firstSeen:    make(map[uint64]time.Time),
		}
		o.accounts[p.AccountID] = buf
	}

	switch {
	case p.Sequence == buf.nextExpected:
		buf.nextExpected++
	case p.Sequence > buf.nextExpected:
		if _, exists := buf.buffered[p.Sequence]; !exists {
			buf.firstSeen[p.Sequence] = o.now()
			buf.buffered[p.Sequence] = bufferedPacket{packet: p}
			o.enforceMaxLocked(buf)
		}
		o.mu.Unlock()
		return nil
	default: // p.Sequence < buf.nextExpected: already delivered, discard
		o.mu.Unlock()
		return nil
	}

	ready := []Packet{p}
	for {
		next, exists := buf.buffered[buf.nextExpected]
		if !exists {
			break
		}
		delete(buf.buffered, buf.nextExpected)
		delete(buf.firstSeen, buf.nextExpected)
		ready = append(ready, next.packet)
		buf.nextExpected++
	}
	o.mu.Unlock()
	return ready
}

// CheckGaps scans every account's buffer for holes older than the
// configured timeout, advances nextExpected past each expired gap, and
// returns the packets that become contiguously releasable as a result.
// It is intended to be driven by a periodic ticker owned by the caller.
func (o *Orderer) CheckGaps() []Packet {
	o.mu.Lock()

	now := o.now()
	var released []Packet
	var gaps []GapDetected
	for accountID, buf := range o.accounts {
		oldest, hasOldest := o.oldestBufferedLocked(buf)
		if !hasOldest || now.Sub(buf.firstSeen[oldest]) < o.outOfOrderTTL {
			continue
		}

		missing := o.advancePastGapLocked(buf)
		gaps = append(gaps, GapDetected{AccountID: accountID, Missing: missing})

		for {
			next, exists := buf.buffered[buf.nextExpected]
			if !exists {
				break
			}
			delete(buf.buffered, buf.nextExpected)
			delete(buf.firstSeen, buf.nextExpected)
			released = append(released, next.packet)
			buf.nextExpected++
		}
	}
	o.mu.Unlock()

	if o.onGap != nil {
		for _, gap := range gaps {
			o.onGap(gap)
		}
	}
	return released
}

// advancePastGapLocked advances nextExpected to the lowest buffered
// sequence, returning the sequence numbers that were skipped as missing.
func (o *Orderer) advancePastGapLocked(buf *accountBuffer) []uint64 {
	target, ok := o.oldestBufferedLocked(buf)
	if !ok {
		return nil
	}
	var missing []uint64
	for seq := buf.nextExpected; seq < target; seq++ {
		missing = append(missing, seq)
	}
	buf.nextExpected = target
	return missing
}

func (o *Orderer) oldestBufferedLocked(buf *accountBuffer) (uint64, bool) {
	found := false
	var oldest uint64
	for seq := range buf.buffered {
		if !found || seq < oldest {
			oldest = seq
			found = true
		}
	}
	return oldest, found
}

// enforceMaxLocked drops the oldest buffered packet (by arrival time, per
// spec's resolved drop-oldest-with-warning overflow policy) when the
// per-account buffer exceeds maxBuffer.
func (o *Orderer) enforceMaxLocked(buf *accountBuffer) {
	for len(buf.buffered) > o.maxBuffer {
		var oldestSeq uint64
		var oldestAt time.Time
		first := true
		for seq, at := range buf.firstSeen {
			if first || at.Before(oldestAt) {
				oldestSeq, oldestAt, first = seq, at, false
			}
		}
		if first {
			return
		}
		delete(buf.buffered, oldestSeq)
		delete(buf.firstSeen, oldestSeq)
		observability.Log().Warn("packet orderer buffer overflow, dropping oldest buffered packet",
			observability.Field{Key: "sequence", Value: oldestSeq},
		)
	}
}

// Depth returns the number of packets currently buffered for accountID.
func (o *Orderer) Depth(accountID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	buf, ok := o.accounts[accountID]
	if !ok {
		return 0
	}
	return len(buf.buffered)
}
