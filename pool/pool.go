// Package pool dispatches workflow jobs across a fleet of image-generation
// backends with failover, retry, affinity, and backpressure.
//
// A Pool wraps a job queue, a backend registry, and a failover policy
// behind one event-driven scheduler. Callers enqueue opaque workflows;
// the pool fingerprints them, reserves them from the queue in priority
// plus FIFO order, picks an idle compatible backend, and drives each job
// through its lifecycle from the backend's event stream. Failures are
// classified once at the backend boundary and the classification decides
// retry, cooldown, or a permanent per-fingerprint block.
//
// Basic usage:
//
//	q := queue.NewMemoryQueue()
//	p := pool.New(q, emit.NewLogEmitter(os.Stderr, false))
//	p.AddBackend("gpu-1", "127.0.0.1:8188", backend.NewComfyClient("127.0.0.1:8188"), nil)
//	if err := p.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer p.Close()
//
//	jobID, err := p.Enqueue(ctx, workflow, &pool.EnqueueOptions{
//	    IncludeOutputs: []string{"9"},
//	})
package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/dispatchpool-go/pool/backend"
	"github.com/dshills/dispatchpool-go/pool/emit"
	"github.com/dshills/dispatchpool-go/pool/queue"
)

type msgKind int

const (
	msgSchedule msgKind = iota
	msgCancel
	msgBackendEvent
	msgSubmitResult
	msgStartTimeout
	msgFailoverExpiry
	msgBackendReady
	msgBackendOffline
	msgResetFingerprint
)

// message is the dispatcher's only input. Every state change, internal or
// external, reaches the loop as one of these; the loop processes them
// serially, which is the correctness backbone for the job state machine.
type message struct {
	kind        msgKind
	jobID       string
	backendID   string
	fingerprint string
	seq         uint64
	ev          backend.Event
	submit      submitResult
	reply       chan error
}

type submitResult struct {
	reservationID string
	promptID      string
	err           error
	elapsed       time.Duration
}

// Pool is the workflow dispatch pool. Construct with New, register
// backends with AddBackend, then Start. All methods are safe for
// concurrent use.
type Pool struct {
	cfg      config
	queue    queue.Queue
	bus      *emit.Bus
	emitter  emit.Emitter
	registry *registry
	policy   *FailoverPolicy

	jobsMu      sync.Mutex
	jobs        map[string]*Job
	promptIndex map[string]string // promptID -> jobID

	// backendJob tracks the job currently running on each backend, for
	// routing events that carry no prompt ID (binary preview frames).
	// Loop-owned.
	backendJob map[string]string

	wake     chan message
	done     chan struct{}
	loopDone chan struct{}

	failTimerMu sync.Mutex
	failTimer   *time.Timer

	stateMu   sync.Mutex
	started   bool
	closed    bool
	readySent bool

	runCtx    context.Context
	runCancel context.CancelFunc
}

// New creates a pool over the given queue. Events are published both on
// the pool's internal bus (see Subscribe) and on emitter when non-nil.
func New(q queue.Queue, emitter emit.Emitter, opts ...Option) *Pool {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	p := &Pool{
		cfg:         cfg,
		queue:       q,
		bus:         emit.NewBus(),
		emitter:     emitter,
		registry:    newRegistry(),
		policy:      NewFailoverPolicy(cfg.failoverCooldown, cfg.maxFailuresBeforeBlock),
		jobs:        make(map[string]*Job),
		promptIndex: make(map[string]string),
		backendJob:  make(map[string]string),
		wake:        make(chan message, cfg.wakeBuffer),
		done:        make(chan struct{}),
		loopDone:    make(chan struct{}),
	}
	p.policy.setClock(cfg.now)
	return p
}

// AddBackend registers a backend under id. The client is connected on
// Start, or immediately when the pool is already running. opts may be
// nil.
func (p *Pool) AddBackend(id, host string, client backend.Client, opts *BackendOptions) error {
	if opts == nil {
		opts = &BackendOptions{}
	}
	rec := &backendRecord{
		id:          id,
		host:        host,
		client:      client,
		state:       BackendConnecting,
		priority:    opts.Priority,
		checkpoints: toStringSet(normalizeAll(opts.Checkpoints)),
		affinity:    toStringSet(opts.Affinity),
	}
	if err := p.registry.add(rec); err != nil {
		return err
	}

	p.stateMu.Lock()
	running := p.started && !p.closed
	p.stateMu.Unlock()
	if running {
		go p.connectBackend(rec)
	}
	return nil
}

// Start launches the dispatcher loop and connects every registered
// backend. ctx bounds the pool's background work; Close also stops it.
func (p *Pool) Start(ctx context.Context) error {
	p.stateMu.Lock()
	if p.closed {
		p.stateMu.Unlock()
		return ErrPoolClosed
	}
	if p.started {
		p.stateMu.Unlock()
		return nil
	}
	p.runCtx, p.runCancel = context.WithCancel(ctx)
	p.started = true
	p.stateMu.Unlock()

	go p.loop()

	for _, rec := range p.registry.connecting() {
		go p.connectBackend(rec)
	}
	return nil
}

// Close stops the dispatcher and tears down every backend client. Jobs
// still queued or running are left in place; their events stop flowing.
func (p *Pool) Close() error {
	p.stateMu.Lock()
	if p.closed {
		p.stateMu.Unlock()
		return nil
	}
	p.closed = true
	wasStarted := p.started
	p.stateMu.Unlock()

	close(p.done)
	if wasStarted {
		p.runCancel()
		<-p.loopDone
	}

	p.failTimerMu.Lock()
	if p.failTimer != nil {
		p.failTimer.Stop()
	}
	p.failTimerMu.Unlock()

	for _, client := range p.registry.clients() {
		_ = client.Close()
	}
	return nil
}

// Subscribe registers a handler on the pool's event bus. Use "*" for all
// events. Returns an unsubscribe func.
func (p *Pool) Subscribe(name string, fn func(emit.Event)) func() {
	return p.bus.Subscribe(name, fn)
}

// Enqueue fingerprints the workflow, records a job, and places it on the
// queue. Returns the job ID. opts may be nil.
func (p *Pool) Enqueue(ctx context.Context, workflow map[string]interface{}, opts *EnqueueOptions) (string, error) {
	if p.isClosed() {
		return "", ErrPoolClosed
	}
	if len(workflow) == 0 {
		return "", ErrEmptyWorkflow
	}
	if opts == nil {
		opts = &EnqueueOptions{}
	}

	cloned := CloneWorkflow(workflow)
	job := &Job{
		ID:                  uuid.NewString(),
		Workflow:            cloned,
		Fingerprint:         Fingerprint(cloned),
		Priority:            opts.Priority,
		MaxAttempts:         opts.MaxAttempts,
		RetryDelay:          opts.RetryDelay,
		PreferredBackendIDs: toStringSet(opts.PreferredBackendIDs),
		ExcludeBackendIDs:   toStringSet(opts.ExcludeBackendIDs),
		Metadata:            opts.Metadata,
		IncludeOutputs:      append([]string(nil), opts.IncludeOutputs...),
		Attachments:         append([]Attachment(nil), opts.Attachments...),
		EnqueuedAt:          p.cfg.now(),
		Status:              StatusQueued,
		outputs:             make(map[string]map[string]interface{}),
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = defaultMaxAttempts
	}
	if job.RetryDelay <= 0 {
		job.RetryDelay = defaultRetryDelay
	}

	data, err := json.Marshal(cloned)
	if err != nil {
		return "", fmt.Errorf("marshal workflow: %w", err)
	}
	payload := queue.Payload{
		JobID:         job.ID,
		CheckpointKey: queue.CheckpointKeyFor(cloned),
		Data:          data,
	}

	p.jobsMu.Lock()
	p.jobs[job.ID] = job
	snap := job.snapshot()
	p.jobsMu.Unlock()

	// Publish before the payload becomes reservable: job:queued must
	// precede every other event for the job.
	p.cfg.metrics.observeEnqueued()
	p.emitJob(emit.JobQueued, snap, nil)

	if err := p.queue.Enqueue(ctx, payload, &queue.EnqueueOptions{Priority: job.Priority}); err != nil {
		p.jobsMu.Lock()
		delete(p.jobs, job.ID)
		p.jobsMu.Unlock()
		return "", fmt.Errorf("enqueue job: %w", err)
	}

	p.send(message{kind: msgSchedule})
	return job.ID, nil
}

// Cancel aborts a job. Queued jobs are removed from the queue; running
// jobs get a best-effort interrupt and transition immediately, with any
// later backend event for that prompt ignored. Terminal jobs return
// ErrInvalidState. The dispatcher resolves cancellations, so Cancel on a
// pool that was never started returns ErrNotStarted rather than blocking.
func (p *Pool) Cancel(ctx context.Context, jobID string) error {
	p.stateMu.Lock()
	started, closed := p.started, p.closed
	p.stateMu.Unlock()
	if closed {
		return ErrPoolClosed
	}
	if !started {
		return ErrNotStarted
	}
	reply := make(chan error, 1)
	select {
	case p.wake <- message{kind: msgCancel, jobID: jobID, reply: reply}:
	case <-p.done:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a snapshot of the job record.
func (p *Pool) Status(jobID string) (*Job, error) {
	p.jobsMu.Lock()
	defer p.jobsMu.Unlock()
	job, ok := p.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.snapshot(), nil
}

// Forget drops a terminal job's record along with any queue state still
// keyed by it, such as a dead-letter entry or sequence assignment.
// Long-lived pools call this after consuming a result so the job store
// does not grow without bound. Returns ErrInvalidState for jobs that are
// still queued or running.
func (p *Pool) Forget(ctx context.Context, jobID string) error {
	p.jobsMu.Lock()
	job, ok := p.jobs[jobID]
	if !ok {
		p.jobsMu.Unlock()
		return ErrJobNotFound
	}
	if !job.Status.Terminal() {
		p.jobsMu.Unlock()
		return ErrInvalidState
	}
	delete(p.jobs, jobID)
	if job.PromptID != "" {
		delete(p.promptIndex, job.PromptID)
	}
	p.jobsMu.Unlock()

	_, err := p.queue.Remove(ctx, jobID)
	return err
}

// DeclareAffinity whitelists fingerprints for a backend. A non-empty set
// restricts the backend to exactly those fingerprints; an empty set
// removes the restriction.
func (p *Pool) DeclareAffinity(backendID string, fingerprints []string) error {
	if err := p.registry.setAffinity(backendID, fingerprints); err != nil {
		return err
	}
	p.send(message{kind: msgSchedule})
	return nil
}

// DeclareCheckpoints names the models resident on a backend. The queue
// only hands out jobs whose checkpoint key some ready backend declared,
// plus jobs with no checkpoint at all.
func (p *Pool) DeclareCheckpoints(backendID string, checkpoints []string) error {
	if err := p.registry.setCheckpoints(backendID, normalizeAll(checkpoints)); err != nil {
		return err
	}
	p.send(message{kind: msgSchedule})
	return nil
}

// ResetFingerprint clears failover blocks for a fingerprint across all
// backends, emitting an unblocked event per pair.
func (p *Pool) ResetFingerprint(fingerprint string) {
	p.send(message{kind: msgResetFingerprint, fingerprint: fingerprint})
}

// Backends returns a snapshot of every registered backend.
func (p *Pool) Backends() []BackendInfo {
	return p.registry.snapshot()
}

// Stats aggregates queue occupancy with job-store counts.
type Stats struct {
	Queue     queue.Stats `json:"queue"`
	Jobs      int         `json:"jobs"`
	Running   int         `json:"running"`
	Completed int         `json:"completed"`
	Failed    int         `json:"failed"`
	Cancelled int         `json:"cancelled"`
}

// Stats reports current pool occupancy.
func (p *Pool) Stats(ctx context.Context) (Stats, error) {
	qs, err := p.queue.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{Queue: qs}
	p.jobsMu.Lock()
	s.Jobs = len(p.jobs)
	for _, job := range p.jobs {
		switch job.Status {
		case StatusRunning:
			s.Running++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		case StatusCancelled:
			s.Cancelled++
		}
	}
	p.jobsMu.Unlock()
	return s, nil
}

// FetchResult resolves an artifact reference from a completed job's
// result against the backend that produced it.
func (p *Pool) FetchResult(ctx context.Context, jobID, filename, subfolder, artifactType string) ([]byte, error) {
	p.jobsMu.Lock()
	job, ok := p.jobs[jobID]
	var backendID string
	if ok {
		backendID = job.BackendID
	}
	p.jobsMu.Unlock()
	if !ok {
		return nil, ErrJobNotFound
	}
	rec, found := p.registry.get(backendID)
	if !found {
		return nil, ErrBackendNotFound
	}
	return rec.client.FetchArtifact(ctx, filename, subfolder, artifactType)
}

func (p *Pool) isClosed() bool {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.closed
}

// send delivers a message unless the pool is shut down.
func (p *Pool) send(m message) {
	select {
	case p.wake <- m:
	case <-p.done:
	}
}

// connectBackend establishes the transport, resyncs counters from the
// backend's queue snapshot, and starts forwarding its event stream into
// the loop.
func (p *Pool) connectBackend(rec *backendRecord) {
	ctx := p.runCtx
	if _, err := rec.client.Connect(ctx, p.cfg.connectTimeout); err != nil {
		p.cfg.logger.Warn("pool: backend connect failed", "backend", rec.id, "error", err)
		p.send(message{kind: msgBackendOffline, backendID: rec.id})
		return
	}

	if snap, err := rec.client.QueueSnapshot(ctx); err == nil {
		p.registry.reconcile(rec.id, snap)
	}

	go func() {
		for ev := range rec.client.Events() {
			p.send(message{kind: msgBackendEvent, backendID: rec.id, ev: ev})
		}
	}()

	p.send(message{kind: msgBackendReady, backendID: rec.id})
}

// loop is the dispatcher. It is the single owner of job state
// transitions; nothing outside it mutates a job past construction.
func (p *Pool) loop() {
	defer close(p.loopDone)
	for {
		select {
		case <-p.done:
			return
		case m := <-p.wake:
			p.handle(m)
		}
	}
}

func (p *Pool) handle(m message) {
	switch m.kind {
	case msgSchedule:
		p.dispatchReady()
	case msgCancel:
		m.reply <- p.cancelJob(m.jobID)
	case msgBackendEvent:
		p.handleBackendEvent(m.backendID, m.ev)
	case msgSubmitResult:
		p.handleSubmitResult(m.jobID, m.backendID, m.submit)
		p.dispatchReady()
	case msgStartTimeout:
		p.handleStartTimeout(m.jobID, m.seq)
	case msgFailoverExpiry:
		p.handleFailoverExpiry()
	case msgBackendReady:
		p.handleBackendReady(m.backendID)
	case msgBackendOffline:
		p.setBackendState(m.backendID, BackendOffline)
	case msgResetFingerprint:
		p.handleResetFingerprint(m.fingerprint)
	}
}

// dispatchReady reserves jobs and hands them to idle backends until the
// queue runs dry or no backend can take the next job.
func (p *Pool) dispatchReady() {
	ctx := p.runCtx
	for {
		checkpoints, hasReady := p.registry.readyCheckpoints()
		if !hasReady {
			return
		}

		res, err := p.queue.Reserve(ctx, checkpoints)
		if err != nil {
			p.cfg.logger.Error("pool: queue reserve failed", "error", err)
			return
		}
		if res == nil {
			return
		}

		p.jobsMu.Lock()
		job, ok := p.jobs[res.Payload.JobID]
		if !ok || job.Status.Terminal() {
			p.jobsMu.Unlock()
			// Stale entry; the job store no longer wants it.
			_ = p.queue.Commit(ctx, res.ID)
			continue
		}

		backendID := p.registry.pickBackendFor(job, p.policy)
		if backendID == "" {
			p.jobsMu.Unlock()
			// Nothing idle and eligible right now. Put it back visible
			// and wait for the next wake.
			_ = p.queue.Retry(ctx, res.ID, 0)
			return
		}

		job.Attempts++
		job.BackendID = backendID
		job.reservationID = res.ID
		workflow := CloneWorkflow(job.Workflow)
		attachments := job.Attachments
		metadata := job.Metadata
		jobID := job.ID
		p.jobsMu.Unlock()

		// Busy from this point so the next iteration picks elsewhere.
		p.registry.adjustRunning(backendID, 1)
		go p.submitJob(ctx, jobID, backendID, res.ID, workflow, attachments, metadata)
	}
}

// submitJob runs off-loop: uploads attachments, submits, and posts the
// outcome back as a message. It never touches job state directly.
func (p *Pool) submitJob(ctx context.Context, jobID, backendID, reservationID string, workflow map[string]interface{}, attachments []Attachment, metadata map[string]interface{}) {
	rec, ok := p.registry.get(backendID)
	if !ok {
		p.send(message{kind: msgSubmitResult, jobID: jobID, backendID: backendID, submit: submitResult{
			reservationID: reservationID,
			err:           &backend.Error{Transport: true, Message: "backend disappeared before submit"},
		}})
		return
	}

	started := time.Now()
	var submitErr error
	var promptID string

	for _, att := range attachments {
		storedName, err := rec.client.UploadAttachment(ctx, att.Filename, att.Data)
		if err != nil {
			submitErr = err
			break
		}
		patchAttachmentInput(workflow, att.NodeID, att.InputName, storedName)
	}

	if submitErr == nil {
		promptID, submitErr = rec.client.Submit(ctx, workflow, metadata)
	}

	p.send(message{kind: msgSubmitResult, jobID: jobID, backendID: backendID, submit: submitResult{
		reservationID: reservationID,
		promptID:      promptID,
		err:           submitErr,
		elapsed:       time.Since(started),
	}})
}

// patchAttachmentInput rewrites workflow[nodeID].inputs[inputName] to the
// stored upload name.
func patchAttachmentInput(workflow map[string]interface{}, nodeID, inputName, storedName string) {
	node, ok := workflow[nodeID].(map[string]interface{})
	if !ok {
		return
	}
	inputs, ok := node["inputs"].(map[string]interface{})
	if !ok {
		return
	}
	inputs[inputName] = storedName
}

// handleSubmitResult resolves one submission attempt: commit and run on
// success, or classify the failure and decide discard, failover, or
// delayed retry.
func (p *Pool) handleSubmitResult(jobID, backendID string, res submitResult) {
	ctx := p.runCtx

	p.jobsMu.Lock()
	job, ok := p.jobs[jobID]
	if !ok {
		p.jobsMu.Unlock()
		_ = p.queue.Commit(ctx, res.reservationID)
		p.registry.adjustRunning(backendID, -1)
		return
	}

	p.cfg.metrics.observeSubmit(res.elapsed)

	if job.cancelled {
		// Cancelled while the submit was in flight. Swallow the attempt.
		p.jobsMu.Unlock()
		_ = p.queue.Commit(ctx, res.reservationID)
		p.registry.adjustRunning(backendID, -1)
		if res.err == nil && res.promptID != "" {
			go p.interruptBackend(backendID, res.promptID)
		}
		return
	}

	if res.err == nil {
		_ = p.queue.Commit(ctx, res.reservationID)
		job.reservationID = ""
		job.PromptID = res.promptID
		job.Status = StatusRunning
		job.StartedAt = p.cfg.now()
		job.startTimerSeq++
		seq := job.startTimerSeq
		p.promptIndex[res.promptID] = jobID
		snap := job.snapshot()
		p.jobsMu.Unlock()

		p.backendJob[backendID] = jobID
		p.cfg.metrics.observeStarted()
		p.emitJob(emit.JobStarted, snap, map[string]interface{}{"backend_id": backendID})

		timeout := p.cfg.executionStartTimeout
		time.AfterFunc(timeout, func() {
			p.send(message{kind: msgStartTimeout, jobID: jobID, seq: seq})
		})
		return
	}

	// Submission failed. The job never reached running, so this resolves
	// through the queue rather than a terminal failed emission, unless
	// the classification rules out retrying entirely.
	classification := Classify(res.err)
	job.LastError = &classification
	job.reservationID = ""
	job.BackendID = ""
	fingerprint := job.Fingerprint
	attempts := job.Attempts
	maxAttempts := job.MaxAttempts
	retryDelay := job.RetryDelay
	p.jobsMu.Unlock()

	p.registry.adjustRunning(backendID, -1)

	switch classification.Type {
	case FailureWorkflowInvalid:
		_ = p.queue.Discard(ctx, res.reservationID, classification.Reason)
		p.finishFailed(jobID, classification)

	case FailureBackendIncompatible:
		p.recordBlock(backendID, fingerprint, classification)
		p.jobsMu.Lock()
		eligible := p.registry.anyEligible(job, p.policy)
		p.jobsMu.Unlock()
		if !eligible {
			_ = p.queue.Discard(ctx, res.reservationID, classification.Reason)
			p.finishFailed(jobID, classification)
			return
		}
		_ = p.queue.Retry(ctx, res.reservationID, 0)
		p.requeueJob(jobID, 0)

	default: // transient, unknown
		p.recordBlock(backendID, fingerprint, classification)
		if attempts >= maxAttempts {
			_ = p.queue.Discard(ctx, res.reservationID, classification.Reason)
			p.finishFailed(jobID, classification)
			return
		}
		_ = p.queue.Retry(ctx, res.reservationID, retryDelay)
		p.requeueJob(jobID, retryDelay)
		p.armRetryWake(retryDelay)
	}
}

// requeueJob moves a job back to queued after a submit-time failure and
// announces the retry.
func (p *Pool) requeueJob(jobID string, delay time.Duration) {
	p.jobsMu.Lock()
	job, ok := p.jobs[jobID]
	if !ok {
		p.jobsMu.Unlock()
		return
	}
	job.Status = StatusQueued
	snap := job.snapshot()
	p.jobsMu.Unlock()

	p.cfg.metrics.observeRetry()
	p.emitJob(emit.JobRetrying, snap, map[string]interface{}{"delay_ms": delay.Milliseconds()})
}

// armRetryWake schedules a wake for when a delayed retry becomes visible.
// The queue holds the entry until then; without a wake nothing would
// reserve it.
func (p *Pool) armRetryWake(delay time.Duration) {
	if delay <= 0 {
		p.send(message{kind: msgSchedule})
		return
	}
	time.AfterFunc(delay+10*time.Millisecond, func() {
		p.send(message{kind: msgSchedule})
	})
}

// recordBlock records a failure with the failover policy and announces
// any block it placed.
func (p *Pool) recordBlock(backendID, fingerprint string, c Classification) {
	until, blocked := p.policy.RecordFailure(backendID, fingerprint, c)
	if !blocked {
		return
	}
	p.cfg.metrics.observeBlock(c.BlockBackend)

	meta := map[string]interface{}{"fingerprint": fingerprint}
	if until.Equal(blockForever) {
		meta["until"] = "permanent"
	} else {
		meta["until"] = until
	}
	p.emit(emit.Event{Name: emit.BackendBlocked, BackendID: backendID, Meta: meta})

	if !until.Equal(blockForever) {
		p.rearmFailoverTimer()
	}
}

// rearmFailoverTimer points the single expiry timer at the earliest
// temporary block still pending.
func (p *Pool) rearmFailoverTimer() {
	next := p.policy.NextExpiry()
	p.failTimerMu.Lock()
	defer p.failTimerMu.Unlock()
	if p.failTimer != nil {
		p.failTimer.Stop()
		p.failTimer = nil
	}
	if next.IsZero() {
		return
	}
	wait := next.Sub(p.cfg.now())
	if wait < 0 {
		wait = 0
	}
	p.failTimer = time.AfterFunc(wait+10*time.Millisecond, func() {
		p.send(message{kind: msgFailoverExpiry})
	})
}

func (p *Pool) handleFailoverExpiry() {
	for _, pair := range p.policy.ExpireDue() {
		p.emit(emit.Event{
			Name:      emit.BackendUnblocked,
			BackendID: pair.BackendID,
			Meta:      map[string]interface{}{"fingerprint": pair.Fingerprint},
		})
	}
	p.rearmFailoverTimer()
	p.dispatchReady()
}

func (p *Pool) handleResetFingerprint(fingerprint string) {
	for _, backendID := range p.policy.ResetForFingerprint(fingerprint) {
		p.emit(emit.Event{
			Name:      emit.BackendUnblocked,
			BackendID: backendID,
			Meta:      map[string]interface{}{"fingerprint": fingerprint},
		})
	}
	p.rearmFailoverTimer()
	p.dispatchReady()
}

func (p *Pool) handleBackendReady(backendID string) {
	p.setBackendState(backendID, BackendReady)

	p.stateMu.Lock()
	first := !p.readySent
	p.readySent = true
	p.stateMu.Unlock()
	if first {
		p.emit(emit.Event{
			Name: emit.PoolReady,
			Meta: map[string]interface{}{"backend_ids": p.registry.readyIDs()},
		})
	}
	p.dispatchReady()
}

// setBackendState transitions a backend, announces the change, and keeps
// the ready gauge balanced.
func (p *Pool) setBackendState(backendID string, state BackendState) {
	prev, changed := p.registry.setState(backendID, state)
	if !changed {
		return
	}
	if state == BackendReady {
		p.cfg.metrics.observeBackendReady(1)
	} else if prev == BackendReady {
		p.cfg.metrics.observeBackendReady(-1)
	}
	p.emit(emit.Event{
		Name:      emit.BackendState,
		BackendID: backendID,
		Meta:      map[string]interface{}{"state": string(state)},
	})
}

// handleBackendEvent routes one stream event. Events carrying a prompt ID
// resolve to the owning job; binary previews without one resolve to the
// backend's current job.
func (p *Pool) handleBackendEvent(backendID string, ev backend.Event) {
	switch ev.Kind {
	case backend.EventStatusUpdate:
		p.registry.setQueued(backendID, ev.QueueRemaining)
		p.dispatchReady()

	case backend.EventDisconnected:
		p.setBackendState(backendID, BackendOffline)

	case backend.EventReconnected:
		p.setBackendState(backendID, BackendReady)
		p.dispatchReady()

	case backend.EventExecutionStart:
		p.jobsMu.Lock()
		if job := p.jobForPrompt(ev.PromptID); job != nil {
			// Execution observed; the stall timer no longer applies.
			job.startTimerSeq++
		}
		p.jobsMu.Unlock()

	case backend.EventExecuting:
		// Liveness only. Per-node progress arrives as progress events.

	case backend.EventPending:
		// The backend queued the prompt; nothing to record.

	case backend.EventProgress:
		if jobID := p.lookupPrompt(ev.PromptID); jobID != "" {
			p.emit(emit.Event{Name: emit.JobProgress, JobID: jobID, NodeID: ev.NodeID, Value: ev.Value, Max: ev.Max})
		}

	case backend.EventPreview:
		jobID := p.lookupPrompt(ev.PromptID)
		if jobID == "" {
			jobID = p.backendJob[backendID]
		}
		if jobID != "" {
			p.emit(emit.Event{Name: emit.JobPreview, JobID: jobID, Data: ev.Data, Meta: ev.Meta})
		}

	case backend.EventNodeExecuted:
		p.jobsMu.Lock()
		job := p.jobForPrompt(ev.PromptID)
		if job != nil {
			job.outputs[ev.NodeID] = ev.Output
		}
		p.jobsMu.Unlock()
		if job != nil {
			p.emit(emit.Event{
				Name:   emit.JobNodeDone,
				JobID:  job.ID,
				NodeID: ev.NodeID,
				Meta:   map[string]interface{}{"output": ev.Output},
			})
		}

	case backend.EventExecutionSuccess:
		p.completeJob(backendID, ev.PromptID)

	case backend.EventExecutionError:
		p.failRunningJob(backendID, ev.PromptID, classifyPayload(ev.Err))
	}
}

// jobForPrompt resolves a prompt ID to its live job. Caller holds jobsMu.
// Cancelled jobs resolve to nil so late events fall on the floor.
func (p *Pool) jobForPrompt(promptID string) *Job {
	jobID, ok := p.promptIndex[promptID]
	if !ok {
		return nil
	}
	job, ok := p.jobs[jobID]
	if !ok || job.cancelled || job.Status != StatusRunning {
		return nil
	}
	return job
}

func (p *Pool) lookupPrompt(promptID string) string {
	if promptID == "" {
		return ""
	}
	p.jobsMu.Lock()
	defer p.jobsMu.Unlock()
	if job := p.jobForPrompt(promptID); job != nil {
		return job.ID
	}
	return ""
}

// completeJob finishes a running job on execution success: collect the
// requested outputs, clear failover history, free the backend.
func (p *Pool) completeJob(backendID, promptID string) {
	p.jobsMu.Lock()
	job := p.jobForPrompt(promptID)
	if job == nil {
		p.jobsMu.Unlock()
		return
	}
	job.collectResult()
	job.Status = StatusCompleted
	job.CompletedAt = p.cfg.now()
	job.startTimerSeq++
	delete(p.promptIndex, promptID)
	fingerprint := job.Fingerprint
	snap := job.snapshot()
	p.jobsMu.Unlock()

	delete(p.backendJob, backendID)
	p.policy.RecordSuccess(backendID, fingerprint)
	p.registry.adjustRunning(backendID, -1)
	p.cfg.metrics.observeStopped()
	p.cfg.metrics.observeTerminal(snap)
	p.emitJob(emit.JobCompleted, snap, nil)
	p.dispatchReady()
}

// failRunningJob handles an execution failure (error event or start
// timeout) for a running job: record the failure, then either re-enqueue
// with the retry delay or finish failed.
func (p *Pool) failRunningJob(backendID, promptID string, classification Classification) {
	ctx := p.runCtx

	p.jobsMu.Lock()
	job := p.jobForPrompt(promptID)
	if job == nil {
		p.jobsMu.Unlock()
		return
	}
	job.LastError = &classification
	job.startTimerSeq++
	delete(p.promptIndex, promptID)
	job.PromptID = ""
	fingerprint := job.Fingerprint
	willRetry := classification.Retryable && job.Attempts < job.MaxAttempts
	retryDelay := job.RetryDelay
	workflow := job.Workflow
	priority := job.Priority
	jobID := job.ID
	if willRetry {
		job.Status = StatusQueued
		job.BackendID = ""
	}
	snap := job.snapshot()
	p.jobsMu.Unlock()

	delete(p.backendJob, backendID)
	p.registry.adjustRunning(backendID, -1)
	p.cfg.metrics.observeStopped()
	p.recordBlock(backendID, fingerprint, classification)

	if !willRetry {
		p.finishFailed(jobID, classification)
		p.dispatchReady()
		return
	}

	p.emitJob(emit.JobFailed, snap, map[string]interface{}{
		"will_retry":     true,
		"classification": classification,
	})

	// Re-enqueue under the same job ID; the queue preserves the original
	// sequence number so the retry keeps its FIFO position.
	data, err := json.Marshal(workflow)
	if err != nil {
		p.finishFailed(jobID, classification)
		return
	}
	payload := queue.Payload{
		JobID:         jobID,
		CheckpointKey: queue.CheckpointKeyFor(workflow),
		Data:          data,
	}
	if err := p.queue.Enqueue(ctx, payload, &queue.EnqueueOptions{Priority: priority, Delay: retryDelay}); err != nil {
		p.cfg.logger.Error("pool: retry enqueue failed", "job", jobID, "error", err)
		p.finishFailed(jobID, classification)
		return
	}
	p.cfg.metrics.observeRetry()
	p.emitJob(emit.JobRetrying, snap, map[string]interface{}{"delay_ms": retryDelay.Milliseconds()})
	p.armRetryWake(retryDelay)
}

// finishFailed moves a job to its failed terminal state.
func (p *Pool) finishFailed(jobID string, classification Classification) {
	p.jobsMu.Lock()
	job, ok := p.jobs[jobID]
	if !ok || job.Status.Terminal() {
		p.jobsMu.Unlock()
		return
	}
	job.Status = StatusFailed
	job.CompletedAt = p.cfg.now()
	job.LastError = &classification
	snap := job.snapshot()
	p.jobsMu.Unlock()

	p.cfg.metrics.observeTerminal(snap)
	p.emitJob(emit.JobFailed, snap, map[string]interface{}{
		"will_retry":     false,
		"classification": classification,
	})
}

// handleStartTimeout fires when a submitted job saw no execution_start in
// time. Stale timers (sequence moved on) are ignored.
func (p *Pool) handleStartTimeout(jobID string, seq uint64) {
	p.jobsMu.Lock()
	job, ok := p.jobs[jobID]
	if !ok || job.startTimerSeq != seq || job.Status != StatusRunning {
		p.jobsMu.Unlock()
		return
	}
	backendID := job.BackendID
	promptID := job.PromptID
	p.jobsMu.Unlock()

	p.cfg.logger.Warn("pool: execution start timeout", "job", jobID, "backend", backendID)
	go p.interruptBackend(backendID, promptID)
	p.failRunningJob(backendID, promptID, Classification{
		Type:         FailureTransient,
		Retryable:    true,
		BlockBackend: BlockTemporary,
		Reason:       "execution start timeout",
	})
	p.dispatchReady()
}

func (p *Pool) interruptBackend(backendID, promptID string) {
	rec, ok := p.registry.get(backendID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rec.client.Interrupt(ctx, promptID); err != nil {
		p.cfg.logger.Warn("pool: interrupt failed", "backend", backendID, "error", err)
	}
}

// cancelJob implements Cancel inside the loop.
func (p *Pool) cancelJob(jobID string) error {
	ctx := p.runCtx

	p.jobsMu.Lock()
	job, ok := p.jobs[jobID]
	if !ok {
		p.jobsMu.Unlock()
		return ErrJobNotFound
	}
	if job.Status.Terminal() {
		p.jobsMu.Unlock()
		return ErrInvalidState
	}

	wasRunning := job.Status == StatusRunning
	hadReservation := job.reservationID != ""
	backendID := job.BackendID
	promptID := job.PromptID
	job.cancelled = true
	job.Status = StatusCancelled
	job.CompletedAt = p.cfg.now()
	job.startTimerSeq++
	if promptID != "" {
		delete(p.promptIndex, promptID)
	}
	snap := job.snapshot()
	p.jobsMu.Unlock()

	switch {
	case wasRunning:
		delete(p.backendJob, backendID)
		p.registry.adjustRunning(backendID, -1)
		p.cfg.metrics.observeStopped()
		go p.interruptBackend(backendID, promptID)
	case hadReservation:
		// A submit is in flight; handleSubmitResult cleans up when it
		// lands.
	default:
		if _, err := p.queue.Remove(ctx, jobID); err != nil {
			p.cfg.logger.Warn("pool: cancel queue remove failed", "job", jobID, "error", err)
		}
	}

	p.cfg.metrics.observeTerminal(snap)
	p.emitJob(emit.JobCancelled, snap, nil)
	p.dispatchReady()
	return nil
}

// emit publishes on the internal bus and the configured emitter, in that
// order, synchronously. Per-job ordering follows from the loop's serial
// processing.
func (p *Pool) emit(ev emit.Event) {
	p.bus.Emit(ev)
	p.emitter.Emit(ev)
}

// emitJob publishes a job lifecycle event carrying the job snapshot.
func (p *Pool) emitJob(name string, snap *Job, extra map[string]interface{}) {
	meta := map[string]interface{}{"job": snap}
	for k, v := range extra {
		meta[k] = v
	}
	p.emit(emit.Event{Name: name, JobID: snap.ID, BackendID: snap.BackendID, Meta: meta})
}

func normalizeAll(checkpoints []string) []string {
	if len(checkpoints) == 0 {
		return nil
	}
	out := make([]string, 0, len(checkpoints))
	for _, ckpt := range checkpoints {
		out = append(out, queue.NormalizeCheckpoint(ckpt))
	}
	return out
}
