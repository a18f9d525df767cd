package pool

import (
	"sync"
	"time"
)

// blockForever is the sentinel expiry for permanent blocks.
var blockForever = time.Unix(1<<62, 0)

// failureState tracks failures for one (backend, fingerprint) pair. A zero
// blockedUntil means failures were recorded but the pair is not yet
// blocked.
type failureState struct {
	failureCount int
	blockedUntil time.Time
}

// FailoverPolicy is the per-(backend, fingerprint) failure bookkeeping.
// Pairs that fail accumulate a count; once the count reaches the block
// threshold the pair is blocked for a cooldown window. Incompatibility
// failures block the pair permanently until an explicit reset.
//
// Safe for concurrent use; reads happen during candidate filtering while
// writes happen on submit outcomes.
type FailoverPolicy struct {
	mu       sync.Mutex
	entries  map[failoverKey]*failureState
	cooldown time.Duration
	maxFails int
	now      func() time.Time
}

type failoverKey struct {
	backendID   string
	fingerprint string
}

// NewFailoverPolicy creates a policy with the given cooldown window and
// failure threshold. A threshold below 1 is treated as 1.
func NewFailoverPolicy(cooldown time.Duration, maxFailuresBeforeBlock int) *FailoverPolicy {
	if maxFailuresBeforeBlock < 1 {
		maxFailuresBeforeBlock = 1
	}
	return &FailoverPolicy{
		entries:  make(map[failoverKey]*failureState),
		cooldown: cooldown,
		maxFails: maxFailuresBeforeBlock,
		now:      time.Now,
	}
}

// ShouldSkip reports whether the backend is currently blocked for the
// fingerprint. Expired entries are cleared lazily on read.
func (p *FailoverPolicy) ShouldSkip(backendID, fingerprint string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := failoverKey{backendID, fingerprint}
	state, ok := p.entries[key]
	if !ok || state.blockedUntil.IsZero() {
		// Absent, or failures recorded but no block placed yet. The count
		// must survive for the threshold to mean anything.
		return false
	}
	if !state.blockedUntil.After(p.now()) {
		delete(p.entries, key)
		return false
	}
	return true
}

// RecordFailure registers a failure for the pair. The pair is blocked when
// the classification demands a permanent block, or when its failure count
// reaches the threshold. Returns the block expiry and whether a new block
// was placed by this call; a permanent block reports blockForever as its
// expiry through Permanent.
func (p *FailoverPolicy) RecordFailure(backendID, fingerprint string, c Classification) (until time.Time, blocked bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := failoverKey{backendID, fingerprint}
	state, ok := p.entries[key]
	if !ok {
		state = &failureState{}
		p.entries[key] = state
	}
	state.failureCount++

	switch {
	case c.BlockBackend == BlockPermanent:
		state.blockedUntil = blockForever
		return state.blockedUntil, true
	case state.failureCount >= p.maxFails:
		state.blockedUntil = p.now().Add(p.cooldown)
		return state.blockedUntil, true
	default:
		return time.Time{}, false
	}
}

// RecordSuccess erases the pair's failure history.
func (p *FailoverPolicy) RecordSuccess(backendID, fingerprint string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, failoverKey{backendID, fingerprint})
}

// ResetForFingerprint erases the fingerprint's entries across all
// backends. Returns the backend IDs that were unblocked.
func (p *FailoverPolicy) ResetForFingerprint(fingerprint string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var unblocked []string
	for key := range p.entries {
		if key.fingerprint == fingerprint {
			unblocked = append(unblocked, key.backendID)
			delete(p.entries, key)
		}
	}
	return unblocked
}

// NextExpiry returns the earliest temporary block expiry still in the
// future, or the zero time when nothing expires. Permanent blocks never
// expire and are excluded.
func (p *FailoverPolicy) NextExpiry() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()

	var earliest time.Time
	now := p.now()
	for _, state := range p.entries {
		if state.blockedUntil.Equal(blockForever) || !state.blockedUntil.After(now) {
			continue
		}
		if earliest.IsZero() || state.blockedUntil.Before(earliest) {
			earliest = state.blockedUntil
		}
	}
	return earliest
}

// BlockedPair identifies one (backend, fingerprint) block.
type BlockedPair struct {
	BackendID   string
	Fingerprint string
}

// ExpireDue removes entries whose temporary block has elapsed and returns
// them, so the caller can announce the unblock. Entries that failed but
// never reached a block are left to lazy clearing in ShouldSkip.
func (p *FailoverPolicy) ExpireDue() []BlockedPair {
	p.mu.Lock()
	defer p.mu.Unlock()

	var expired []BlockedPair
	now := p.now()
	for key, state := range p.entries {
		if state.blockedUntil.IsZero() || state.blockedUntil.Equal(blockForever) {
			continue
		}
		if !state.blockedUntil.After(now) {
			expired = append(expired, BlockedPair{BackendID: key.backendID, Fingerprint: key.fingerprint})
			delete(p.entries, key)
		}
	}
	return expired
}

// Permanent reports whether the pair is permanently blocked.
func (p *FailoverPolicy) Permanent(backendID, fingerprint string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.entries[failoverKey{backendID, fingerprint}]
	return ok && state.blockedUntil.Equal(blockForever)
}

// setClock overrides the time source for tests.
func (p *FailoverPolicy) setClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}
