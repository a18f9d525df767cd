package pool

import (
	"sort"
	"sync"

	"github.com/dshills/dispatchpool-go/pool/backend"
)

// BackendState is the lifecycle state of a registered backend.
type BackendState string

const (
	BackendConnecting BackendState = "connecting"
	BackendReady      BackendState = "ready"
	BackendOffline    BackendState = "offline"
)

// BackendOptions configures a backend at registration time.
type BackendOptions struct {
	// Priority breaks ties among idle backends; higher wins.
	Priority int

	// Checkpoints names the models resident on the backend, used to steer
	// queue reservation toward sub-queues the fleet can serve.
	Checkpoints []string

	// Affinity whitelists workflow fingerprints. A backend with a
	// non-empty affinity set is only considered for jobs whose
	// fingerprint it lists.
	Affinity []string
}

// backendRecord is the registry's view of one backend.
type backendRecord struct {
	id          string
	host        string
	client      backend.Client
	state       BackendState
	queued      int
	running     int
	priority    int
	checkpoints map[string]bool
	affinity    map[string]bool
}

// BackendInfo is a caller-safe snapshot of a backend record.
type BackendInfo struct {
	ID          string       `json:"id"`
	Host        string       `json:"host"`
	State       BackendState `json:"state"`
	Queued      int          `json:"queued"`
	Running     int          `json:"running"`
	Priority    int          `json:"priority"`
	Checkpoints []string     `json:"checkpoints,omitempty"`
	Affinity    []string     `json:"affinity,omitempty"`
}

// registry tracks the fleet. Counts are approximate, driven by events and
// reconciled against queue snapshots on connect and reconnect.
type registry struct {
	mu       sync.Mutex
	backends map[string]*backendRecord
}

func newRegistry() *registry {
	return &registry{backends: make(map[string]*backendRecord)}
}

func (r *registry) add(rec *backendRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.backends[rec.id]; exists {
		return ErrDuplicateBackend
	}
	r.backends[rec.id] = rec
	return nil
}

func (r *registry) get(id string) (*backendRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.backends[id]
	return rec, ok
}

// setState transitions a backend and returns its previous state along
// with whether anything changed.
func (r *registry) setState(id string, state BackendState) (BackendState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.backends[id]
	if !ok || rec.state == state {
		if ok {
			return rec.state, false
		}
		return "", false
	}
	prev := rec.state
	rec.state = state
	return prev, true
}

func (r *registry) setQueued(id string, queued int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.backends[id]; ok {
		rec.queued = queued
	}
}

// reconcile overwrites the approximate counters with a queue snapshot.
func (r *registry) reconcile(id string, snap backend.QueueSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.backends[id]; ok {
		rec.running = snap.Running
		rec.queued = snap.Pending
	}
}

func (r *registry) adjustRunning(id string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.backends[id]; ok {
		rec.running += delta
		if rec.running < 0 {
			rec.running = 0
		}
	}
}

func (r *registry) setAffinity(id string, fingerprints []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.backends[id]
	if !ok {
		return ErrBackendNotFound
	}
	rec.affinity = toStringSet(fingerprints)
	return nil
}

func (r *registry) setCheckpoints(id string, checkpoints []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.backends[id]
	if !ok {
		return ErrBackendNotFound
	}
	rec.checkpoints = toStringSet(checkpoints)
	return nil
}

// readyCheckpoints returns the union of resident checkpoints across ready
// backends, passed opaquely to the queue's reserve call. An empty result
// with hasReady means at least one ready backend declared nothing, so
// every sub-queue is fair game.
func (r *registry) readyCheckpoints() (checkpoints []string, hasReady bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	union := make(map[string]bool)
	undeclared := false
	for _, rec := range r.backends {
		if rec.state != BackendReady {
			continue
		}
		hasReady = true
		if len(rec.checkpoints) == 0 {
			undeclared = true
			continue
		}
		for ckpt := range rec.checkpoints {
			union[ckpt] = true
		}
	}
	if undeclared || !hasReady {
		return nil, hasReady
	}
	out := make([]string, 0, len(union))
	for ckpt := range union {
		out = append(out, ckpt)
	}
	sort.Strings(out)
	return out, hasReady
}

// pickBackendFor selects a backend for the job, or "" when none is both
// eligible and idle.
//
// Filtering: ready state, not excluded by the job, not blocked by the
// failover policy, then intersected with the job's preferred set, then
// restricted by declared affinity. Affinity filters before failover blocks
// are consulted, so a block on a non-affine backend never matters.
// Selection: only idle backends are taken, highest priority first, ties by
// lexicographic ID. Busy backends are never over-subscribed; the job waits
// for the next wake instead.
func (r *registry) pickBackendFor(job *Job, policy *FailoverPolicy) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *backendRecord
	for _, rec := range r.backends {
		if rec.state != BackendReady {
			continue
		}
		if job.ExcludeBackendIDs[rec.id] {
			continue
		}
		if len(job.PreferredBackendIDs) > 0 && !job.PreferredBackendIDs[rec.id] {
			continue
		}
		if len(rec.affinity) > 0 && !rec.affinity[job.Fingerprint] {
			continue
		}
		if policy.ShouldSkip(rec.id, job.Fingerprint) {
			continue
		}
		if rec.running != 0 || rec.queued != 0 {
			continue
		}
		if best == nil || rec.priority > best.priority ||
			(rec.priority == best.priority && rec.id < best.id) {
			best = rec
		}
	}
	if best == nil {
		return ""
	}
	return best.id
}

// anyEligible reports whether some registered backend could ever take the
// job, busy or not. False means the job has no path to dispatch until a
// block expires or the fleet changes.
func (r *registry) anyEligible(job *Job, policy *FailoverPolicy) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range r.backends {
		if rec.state == BackendOffline {
			continue
		}
		if job.ExcludeBackendIDs[rec.id] {
			continue
		}
		if len(job.PreferredBackendIDs) > 0 && !job.PreferredBackendIDs[rec.id] {
			continue
		}
		if len(rec.affinity) > 0 && !rec.affinity[job.Fingerprint] {
			continue
		}
		if policy.Permanent(rec.id, job.Fingerprint) {
			continue
		}
		return true
	}
	return false
}

// connecting returns the backends still awaiting their first connect.
func (r *registry) connecting() []*backendRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*backendRecord
	for _, rec := range r.backends {
		if rec.state == BackendConnecting {
			out = append(out, rec)
		}
	}
	return out
}

func (r *registry) clients() []backend.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]backend.Client, 0, len(r.backends))
	for _, rec := range r.backends {
		out = append(out, rec.client)
	}
	return out
}

func (r *registry) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.backends))
	for id := range r.backends {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *registry) readyIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id, rec := range r.backends {
		if rec.state == BackendReady {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (r *registry) snapshot() []BackendInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]BackendInfo, 0, len(r.backends))
	for _, rec := range r.backends {
		info := BackendInfo{
			ID:       rec.id,
			Host:     rec.host,
			State:    rec.state,
			Queued:   rec.queued,
			Running:  rec.running,
			Priority: rec.priority,
		}
		for ckpt := range rec.checkpoints {
			info.Checkpoints = append(info.Checkpoints, ckpt)
		}
		sort.Strings(info.Checkpoints)
		for fp := range rec.affinity {
			info.Affinity = append(info.Affinity, fp)
		}
		sort.Strings(info.Affinity)
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
