// Copyright 2024-2026 Aiku AI

package connector

import (
	"sync"
	"time"

	"maunium.net/go/mautrix/id"
)

// DefaultEchoTTL is how long a bridge-originated event ID is remembered.
const DefaultEchoTTL = 5 * time.Minute

// EchoSuppressor remembers the Matrix event IDs of messages the bridge sent
// itself, so that their echo from the homeserver is not bridged back to Slack.
type EchoSuppressor struct {
	mu        sync.Mutex
	records   map[id.EventID]time.Time
	ttl       time.Duration
	nextSweep time.Time
	now       func() time.Time
}

// NewEchoSuppressor creates a suppressor whose records expire after ttl.
func NewEchoSuppressor(ttl time.Duration) *EchoSuppressor {
	if ttl <= 0 {
		ttl = DefaultEchoTTL
	}
	return &EchoSuppressor{
		records: make(map[id.EventID]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Record marks evtID as sent by the bridge.
func (es *EchoSuppressor) Record(evtID id.EventID) {
	if evtID == "" {
		return
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	now := es.now()
	es.sweepLocked(now)
	es.records[evtID] = now.Add(es.ttl)
}

// ShouldSuppress reports whether evtID was recorded and has not expired. A
// matching record is consumed.
func (es *EchoSuppressor) ShouldSuppress(evtID id.EventID) bool {
	es.mu.Lock()
	defer es.mu.Unlock()
	expiry, ok := es.records[evtID]
	if !ok {
		return false
	}
	delete(es.records, evtID)
	return es.now().Before(expiry)
}

// Len returns the number of records currently held.
func (es *EchoSuppressor) Len() int {
	es.mu.Lock()
	defer es.mu.Unlock()
	return len(es.records)
}

func (es *EchoSuppressor) sweepLocked(now time.Time) {
	if now.Before(es.nextSweep) {
		return
	}
	for evtID, expiry := range es.records {
		if !now.Before(expiry) {
			delete(es.records, evtID)
		}
	}
	es.nextSweep = now.Add(es.ttl)
}
