package job

import (
	"context"
	"fmt"
	"time"

	"github.com/c360studio/manifestme/apiclient"
)

const (
	reasonTimeout    = "Your manifestation took too long. Please try again."
	reasonGeneration = "The video could not be generated."
)

// pollLoop checks jobID on a fixed interval until a terminal state, the
// wait budget runs out, or ctx is cancelled. Only one status request is
// ever outstanding.
func (c *Controller) pollLoop(ctx context.Context, r *run, jobID string, submittedAt time.Time, immediate bool) {
	transportErrors := 0
	first := true

	for {
		if !(immediate && first) {
			select {
			case <-ctx.Done():
				return
			case <-c.clock.After(c.poll.Interval):
			}
		}
		first = false

		if !c.isCurrent(r.gen, jobID) {
			return
		}

		if elapsed := c.clock.Since(submittedAt); elapsed >= c.poll.MaxWait {
			c.logger.Warn("Job exceeded wait budget", "job_id", jobID, "elapsed", elapsed)
			c.fail(r, jobID, FailureTimeout,
				fmt.Errorf("job %s not finished after %s", jobID, c.poll.MaxWait))
			return
		}

		st, err := c.api.JobStatus(ctx, r.token, jobID)
		if ctx.Err() != nil {
			return
		}

		if err != nil {
			switch {
			case apiclient.IsAuth(err):
				c.metrics.polled(pollAuth)
				c.fail(r, jobID, FailureAuth, err)
				return

			case apiclient.IsTransport(err):
				c.metrics.polled(pollTransport)
				transportErrors++
				if transportErrors > c.poll.MaxTransportErrors {
					c.logger.Warn("Giving up after consecutive transport errors",
						"job_id", jobID, "count", transportErrors, "error", err)
					c.fail(r, jobID, FailureTransport, err)
					return
				}
				c.logger.Debug("Status poll transport error, retrying",
					"job_id", jobID, "attempt", transportErrors, "error", err)

			default:
				c.metrics.polled(pollServer)
				c.logger.Debug("Status poll failed, retrying", "job_id", jobID, "error", err)
			}
			continue
		}

		transportErrors = 0
		if terminal, _ := c.applyStatus(r, jobID, *st); terminal {
			return
		}
	}
}

// applyStatus folds one status report into the job. terminal reports that
// the run is over, either because this report finished it or because it
// was already finished or replaced. changed reports whether state moved.
func (c *Controller) applyStatus(r *run, jobID string, st apiclient.JobStatus) (terminal, changed bool) {
	if !c.isCurrent(r.gen, jobID) {
		return true, false
	}

	switch st.Normalized() {
	case apiclient.StatusPending, apiclient.StatusProcessing:
		c.metrics.polled(pollPending)
		c.logger.Debug("Job still processing", "job_id", jobID, "status", st.Status)
		return false, false

	case apiclient.StatusCompleted:
		if st.VideoURL == "" {
			c.metrics.polled(pollServer)
			c.logger.Warn("Completed status without video URL, retrying", "job_id", jobID)
			return false, false
		}
		c.metrics.polled(pollCompleted)
		changed := c.complete(r, jobID, st.VideoURL)
		return true, changed

	case apiclient.StatusFailed:
		c.metrics.polled(pollFailed)
		err := fmt.Errorf("job %s failed", jobID)
		if st.Error != "" {
			err = fmt.Errorf("job %s failed: %s", jobID, st.Error)
		}
		changed := c.fail(r, jobID, FailureGeneration, err)
		return true, changed

	default:
		// Unknown values are treated as still pending; the wait budget bounds them.
		c.metrics.polled(pollUnknown)
		c.logger.Warn("Unknown job status", "job_id", jobID, "status", st.Status)
		return false, false
	}
}

func (c *Controller) isCurrent(gen uint64, jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentLocked(gen, jobID)
}

// complete records the result and refreshes the gallery exactly once.
func (c *Controller) complete(r *run, jobID, videoURL string) bool {
	snap, ok := c.finish(r, jobID, func(j *Job) {
		j.Status = StatusCompleted
		j.ResultURL = videoURL
	})
	if !ok {
		return false
	}
	defer r.stopRefresh()

	c.logger.Info("Manifestation completed", "job_id", snap.ID, "video_url", videoURL,
		"duration", snap.FinishedAt.Sub(snap.SubmittedAt))

	if c.gallery != nil {
		ctx, cancel := context.WithTimeout(r.refreshCtx, galleryRefreshTimeout)
		err := c.gallery.Refresh(ctx, r.token)
		cancel()
		if err != nil {
			c.logger.Warn("Gallery refresh after completion failed", "error", err)
			if apiclient.IsAuth(err) {
				c.authFailed(r.token, err)
			}
		}
		c.notifier.publish(Event{Type: EventGalleryRefreshed, Job: snap, Err: err, Time: c.clock.Now()})
	}
	return true
}

// fail records a terminal failure with a display reason.
func (c *Controller) fail(r *run, jobID string, kind FailureKind, cause error) bool {
	reason := apiclient.Reason(cause)
	switch kind {
	case FailureTimeout:
		reason = reasonTimeout
	case FailureGeneration:
		reason = reasonGeneration
	}

	snap, ok := c.finish(r, jobID, func(j *Job) {
		j.Status = StatusFailed
		j.FailureKind = kind
		j.ErrorReason = reason
		j.Err = cause
	})
	if !ok {
		return false
	}
	r.stopRefresh()

	c.logger.Warn("Manifestation failed", "job_id", snap.ID, "kind", kind, "error", cause)
	if kind == FailureAuth {
		c.authFailed(r.token, cause)
	}
	return true
}

// finish applies a terminal transition if r is still live, then clears the
// durable record. storeMu stays held until the clear so a following run
// cannot persist its record first.
func (c *Controller) finish(r *run, jobID string, fn func(*Job)) (Job, bool) {
	c.storeMu.Lock()
	defer c.storeMu.Unlock()

	c.mu.Lock()
	if !c.currentLocked(r.gen, jobID) {
		c.mu.Unlock()
		return Job{}, false
	}
	fn(&c.job)
	c.job.Progress = 1
	c.job.FinishedAt = c.clock.Now()
	snap := c.job
	c.publishLocked(EventStateChanged)
	c.mu.Unlock()

	c.metrics.setActive(false)
	c.metrics.finished(snap)

	if err := c.store.Clear(c.ctx); err != nil {
		c.logger.Warn("Failed to clear job record", "job_id", snap.ID, "error", err)
	}
	return snap, true
}

func (c *Controller) authFailed(token string, err error) {
	if c.onAuthFailure != nil {
		c.onAuthFailure(token, err)
	}
}

// startProgress advances the simulated progress while gen is live.
func (c *Controller) startProgress(ctx context.Context, gen uint64) {
	if c.progress.Tick <= 0 {
		return
	}
	ticker := c.progressClock.NewTicker(c.progress.Tick)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				c.tickProgress(gen)
			}
		}
	}()
}

func (c *Controller) tickProgress(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.currentLocked(gen, "") {
		return
	}
	next := c.progress.next(c.job.Progress)
	if next == c.job.Progress {
		return
	}
	c.job.Progress = next
	c.publishLocked(EventProgress)
}

// kindOf classifies a request error.
func kindOf(err error) FailureKind {
	switch {
	case apiclient.IsAuth(err):
		return FailureAuth
	case apiclient.IsTransport(err):
		return FailureTransport
	case apiclient.IsDecode(err):
		return FailureDecode
	default:
		return FailureServer
	}
}
