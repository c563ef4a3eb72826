// Package job owns the lifecycle of the single in-flight manifestation:
// submission, polling, timeout, cancellation and reconciliation into the
// gallery. All state lives in one Controller guarded by a mutex that is
// never held across a network call.
package job

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/c360studio/manifestme/apiclient"
	"github.com/c360studio/manifestme/jobstore"
)

// API is the subset of the backend client the controller drives.
type API interface {
	Manifest(ctx context.Context, token string, req apiclient.ManifestRequest) (*apiclient.ManifestResult, error)
	JobStatus(ctx context.Context, token, jobID string) (*apiclient.JobStatus, error)
}

// GalleryRefresher reloads the gallery after a job completes.
type GalleryRefresher interface {
	Refresh(ctx context.Context, token string) error
}

const galleryRefreshTimeout = 30 * time.Second

// Controller manages the active job slot.
type Controller struct {
	api      API
	gallery  GalleryRefresher
	store    jobstore.Store
	poll     PollConfig
	progress ProgressConfig

	clock         clockwork.Clock
	progressClock clockwork.Clock
	logger        *slog.Logger
	metrics       *Metrics
	onAuthFailure func(token string, cause error)
	notifier      *notifier

	ctx    context.Context
	cancel context.CancelFunc

	// storeMu orders job record writes against terminal clears.
	// Lock order is storeMu then mu.
	storeMu sync.Mutex

	mu     sync.Mutex
	job    Job
	run    *run
	gen    uint64
	closed bool
}

// run is one submission or resume. It is replaced, never reused.
//
// The post-completion gallery refresh runs under refreshCtx, which outlives
// cancel so that a terminal transition does not abort it. Discard and Close
// stop it.
type run struct {
	gen    uint64
	token  string
	cancel context.CancelFunc
	done   chan struct{}

	refreshCtx  context.Context
	stopRefresh context.CancelFunc
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock sets the clock used for poll scheduling and the wait budget.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Controller) {
		c.clock = clock
	}
}

// WithProgressClock sets the clock driving simulated progress.
func WithProgressClock(clock clockwork.Clock) Option {
	return func(c *Controller) {
		c.progressClock = clock
	}
}

// WithPollConfig sets the polling policy.
func WithPollConfig(cfg PollConfig) Option {
	return func(c *Controller) {
		c.poll = cfg
	}
}

// WithProgressConfig sets the progress simulation. A zero Tick disables it.
func WithProgressConfig(cfg ProgressConfig) Option {
	return func(c *Controller) {
		c.progress = cfg
	}
}

// WithJobStore persists the accepted job id so polling can resume after a restart.
func WithJobStore(store jobstore.Store) Option {
	return func(c *Controller) {
		c.store = store
	}
}

// WithGallery sets the gallery refreshed when a job completes.
func WithGallery(g GalleryRefresher) Option {
	return func(c *Controller) {
		c.gallery = g
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithOnAuthFailure registers a hook invoked whenever the backend rejects
// a credential. token is the one the run was started with, which may no
// longer be the session's current token.
func WithOnAuthFailure(fn func(token string, cause error)) Option {
	return func(c *Controller) {
		c.onAuthFailure = fn
	}
}

// NewController creates a controller in the idle state.
func NewController(api API, opts ...Option) *Controller {
	c := &Controller{
		api:      api,
		store:    jobstore.NewMemoryStore(),
		poll:     DefaultPollConfig(),
		progress: DefaultProgressConfig(),
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
		job:      Job{Status: StatusIdle},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.progressClock == nil {
		c.progressClock = c.clock
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	c.notifier = newNotifier(c.logger)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// Events returns the ordered notification stream. It is closed by Close.
func (c *Controller) Events() <-chan Event {
	return c.notifier.out
}

// Snapshot returns a copy of the current job.
func (c *Controller) Snapshot() Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.job
}

// State returns the current status.
func (c *Controller) State() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.job.Status
}

// Submit starts a new job and returns without waiting for the backend.
// An empty prompt is rejected with a validation error and no network call.
// While a job is submitting or polling, Submit returns ErrBusy and the
// current job. A terminal job is replaced.
func (c *Controller) Submit(ctx context.Context, token string, req SubmitRequest) (Job, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		c.metrics.submitted(submitInvalid)
		return Job{}, apiclient.NewValidationError("prompt", "Please describe what you want to manifest.")
	}
	if token == "" {
		return Job{}, ErrNotAuthenticated
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Job{}, ErrClosed
	}
	if c.job.Status.Active() {
		snap := c.job
		c.mu.Unlock()
		c.metrics.submitted(submitBusy)
		c.logger.Debug("Submit ignored, job in progress", "job_id", snap.ID, "status", snap.Status)
		return snap, ErrBusy
	}

	r, runCtx := c.newRunLocked(ctx, token)
	c.job = Job{
		Prompt:      prompt,
		Template:    strings.TrimSpace(req.Template),
		Status:      StatusSubmitting,
		SubmittedAt: c.clock.Now(),
	}
	snap := c.job
	c.publishLocked(EventStateChanged)
	c.mu.Unlock()

	c.metrics.submitted(submitAccepted)
	c.metrics.setActive(true)
	c.logger.Info("Submitting manifestation", "template", snap.Template)

	go c.execute(runCtx, r, snap)
	return snap, nil
}

// Resume picks up a job persisted by a previous process and polls it
// immediately. It reports false when there is nothing to resume.
func (c *Controller) Resume(ctx context.Context, token string) (Job, bool, error) {
	if token == "" {
		return Job{}, false, ErrNotAuthenticated
	}

	c.storeMu.Lock()
	defer c.storeMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Job{}, false, ErrClosed
	}
	if c.job.Status.Active() {
		snap := c.job
		c.mu.Unlock()
		return snap, false, ErrBusy
	}
	c.mu.Unlock()

	rec, err := c.store.Load(ctx)
	if errors.Is(err, jobstore.ErrNotFound) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}

	c.mu.Lock()
	if c.job.Status.Active() {
		snap := c.job
		c.mu.Unlock()
		return snap, false, ErrBusy
	}
	r, runCtx := c.newRunLocked(ctx, token)
	c.job = Job{
		ID:          rec.JobID,
		Prompt:      rec.Prompt,
		Template:    rec.Template,
		Status:      StatusPolling,
		SubmittedAt: rec.SubmittedAt,
	}
	snap := c.job
	c.publishLocked(EventStateChanged)
	c.mu.Unlock()

	c.metrics.setActive(true)
	c.logger.Info("Resuming job", "job_id", rec.JobID, "submitted_at", rec.SubmittedAt)

	go func() {
		defer close(r.done)
		defer r.cancel()
		c.startProgress(runCtx, r.gen)
		c.pollLoop(runCtx, r, rec.JobID, rec.SubmittedAt, true)
	}()
	return snap, true, nil
}

// ApplyStatus reconciles a status report for jobID into the current job.
// It returns true only when the report changed the state. Reports for a
// stale job, or for a job already in a terminal state, are ignored, so
// applying the same completion twice refreshes the gallery once.
func (c *Controller) ApplyStatus(jobID string, st apiclient.JobStatus) bool {
	c.mu.Lock()
	r := c.run
	c.mu.Unlock()
	if r == nil || jobID == "" {
		return false
	}
	terminal, changed := c.applyStatus(r, jobID, st)
	if terminal && changed {
		r.cancel()
	}
	return changed
}

// Discard abandons the active job. In-flight requests are cancelled and
// their responses are dropped. The durable record is cleared.
func (c *Controller) Discard() {
	c.storeMu.Lock()
	defer c.storeMu.Unlock()

	c.mu.Lock()
	r := c.run
	wasActive := c.job.Status.Active()
	prev := c.job
	c.job = Job{Status: StatusIdle}
	if prev.Status != StatusIdle {
		c.publishLocked(EventStateChanged)
	}
	c.mu.Unlock()

	if r != nil {
		r.cancel()
		r.stopRefresh()
	}
	if wasActive {
		c.metrics.setActive(false)
		c.logger.Info("Job discarded", "job_id", prev.ID, "status", prev.Status)
	}
	if err := c.store.Clear(c.ctx); err != nil {
		c.logger.Warn("Failed to clear job record", "error", err)
	}
}

// Reset returns a terminal job slot to idle.
func (c *Controller) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.job.Status.Active() {
		return ErrBusy
	}
	if c.job.Status == StatusIdle {
		return nil
	}
	c.job = Job{Status: StatusIdle}
	c.publishLocked(EventStateChanged)
	return nil
}

// Await blocks until the current run finishes or ctx is done, then
// returns the job snapshot.
func (c *Controller) Await(ctx context.Context) (Job, error) {
	c.mu.Lock()
	r := c.run
	c.mu.Unlock()
	if r == nil {
		return c.Snapshot(), nil
	}
	select {
	case <-r.done:
		return c.Snapshot(), nil
	case <-ctx.Done():
		return c.Snapshot(), ctx.Err()
	}
}

// Close cancels any run and closes the event stream.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	r := c.run
	c.mu.Unlock()

	if r != nil {
		r.cancel()
		r.stopRefresh()
		<-r.done
	}
	c.cancel()
	c.notifier.close()
}

// newRunLocked replaces the run. The run context keeps the caller's values
// but not its cancellation; it ends on Discard, Close or a terminal
// transition.
func (c *Controller) newRunLocked(ctx context.Context, token string) (*run, context.Context) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(c.ctx, cancel)
	refreshCtx, stopRefresh := context.WithCancel(c.ctx)

	c.gen++
	r := &run{
		gen:   c.gen,
		token: token,
		done:  make(chan struct{}),
		cancel: func() {
			stop()
			cancel()
		},
		refreshCtx:  refreshCtx,
		stopRefresh: stopRefresh,
	}
	c.run = r
	return r, runCtx
}

// execute performs the submission and, for accepted jobs, the poll loop.
func (c *Controller) execute(ctx context.Context, r *run, submitted Job) {
	defer close(r.done)
	defer r.cancel()

	c.startProgress(ctx, r.gen)

	res, err := c.api.Manifest(ctx, r.token, apiclient.ManifestRequest{
		Prompt:   submitted.Prompt,
		Template: submitted.Template,
	})
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		c.logger.Warn("Manifest request failed", "error", err)
		c.fail(r, "", kindOf(err), err)
		return
	}

	if !res.Accepted {
		c.complete(r, "", res.VideoURL)
		return
	}

	if !c.accept(ctx, r, res.JobID, submitted) {
		return
	}
	c.pollLoop(ctx, r, res.JobID, submitted.SubmittedAt, false)
}

// accept persists the record, then moves the job to polling. Observers of
// the polling state can rely on the record already being stored. It
// reports false when the run was discarded while the request was in flight.
func (c *Controller) accept(ctx context.Context, r *run, jobID string, submitted Job) bool {
	c.storeMu.Lock()
	defer c.storeMu.Unlock()

	if !c.isCurrent(r.gen, "") {
		return false
	}

	rec := jobstore.Record{
		JobID:       jobID,
		Prompt:      submitted.Prompt,
		Template:    submitted.Template,
		SubmittedAt: submitted.SubmittedAt,
	}
	// The job exists on the backend now; a Close racing this write must not lose it.
	if err := c.store.Save(context.WithoutCancel(ctx), rec); err != nil {
		c.logger.Warn("Failed to persist job record, job will not survive restart",
			"job_id", jobID, "error", err)
	}

	c.mu.Lock()
	if !c.currentLocked(r.gen, "") {
		c.mu.Unlock()
		return false
	}
	c.job.ID = jobID
	c.job.Status = StatusPolling
	c.publishLocked(EventStateChanged)
	c.mu.Unlock()

	c.logger.Info("Job accepted", "job_id", jobID)
	return true
}

// currentLocked reports whether gen is the live run and its job is still
// in flight. A non-empty jobID must also match.
func (c *Controller) currentLocked(gen uint64, jobID string) bool {
	if c.run == nil || c.run.gen != gen || !c.job.Status.Active() {
		return false
	}
	return jobID == "" || c.job.ID == jobID
}

func (c *Controller) publishLocked(t EventType) {
	c.notifier.publish(Event{Type: t, Job: c.job, Time: c.clock.Now()})
}
