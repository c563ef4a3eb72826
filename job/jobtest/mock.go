// Package jobtest provides fakes for exercising the job controller.
package jobtest

import (
	"context"
	"sync"

	"github.com/c360studio/manifestme/apiclient"
)

// StatusReply is one scripted answer to a status poll.
type StatusReply struct {
	Status *apiclient.JobStatus
	Err    error
}

// Pending, Processing, Completed and Failed build common replies.
func Pending() StatusReply {
	return StatusReply{Status: &apiclient.JobStatus{Status: apiclient.StatusPending}}
}

func Processing() StatusReply {
	return StatusReply{Status: &apiclient.JobStatus{Status: apiclient.StatusProcessing}}
}

func Completed(url string) StatusReply {
	return StatusReply{Status: &apiclient.JobStatus{Status: apiclient.StatusCompleted, VideoURL: url}}
}

func Failed(reason string) StatusReply {
	return StatusReply{Status: &apiclient.JobStatus{Status: apiclient.StatusFailed, Error: reason}}
}

// MockAPI is a thread-safe scripted backend.
//
// Usage:
//
//	api := &jobtest.MockAPI{
//	    Result: &apiclient.ManifestResult{Accepted: true, JobID: "job-1"},
//	    Statuses: []jobtest.StatusReply{
//	        jobtest.Processing(),
//	        jobtest.Completed("https://cdn/v.mp4"),
//	    },
//	}
type MockAPI struct {
	// Result and ResultErr answer Manifest.
	Result    *apiclient.ManifestResult
	ResultErr error

	// Gate, when non-nil, holds Manifest until it is closed or ctx ends.
	Gate chan struct{}

	// Statuses answer JobStatus in order. The last reply repeats.
	Statuses []StatusReply

	mu            sync.Mutex
	manifestCalls int
	statusCalls   int
	inflight      int
	maxInflight   int
	requests      []apiclient.ManifestRequest
}

// Manifest implements job.API.
func (m *MockAPI) Manifest(ctx context.Context, _ string, req apiclient.ManifestRequest) (*apiclient.ManifestResult, error) {
	m.mu.Lock()
	m.manifestCalls++
	m.requests = append(m.requests, req)
	gate := m.Gate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, apiclient.NewTransportError(ctx.Err())
		}
	}

	if m.ResultErr != nil {
		return nil, m.ResultErr
	}
	res := *m.Result
	return &res, nil
}

// JobStatus implements job.API.
func (m *MockAPI) JobStatus(_ context.Context, _ string, _ string) (*apiclient.JobStatus, error) {
	m.mu.Lock()
	m.inflight++
	if m.inflight > m.maxInflight {
		m.maxInflight = m.inflight
	}
	idx := m.statusCalls
	m.statusCalls++
	reply := Pending()
	if n := len(m.Statuses); n > 0 {
		reply = m.Statuses[min(idx, n-1)]
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inflight--
		m.mu.Unlock()
	}()

	if reply.Err != nil {
		return nil, reply.Err
	}
	st := *reply.Status
	return &st, nil
}

// ManifestCalls returns how many submissions reached the backend.
func (m *MockAPI) ManifestCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.manifestCalls
}

// StatusCalls returns how many status polls reached the backend.
func (m *MockAPI) StatusCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusCalls
}

// MaxConcurrentPolls returns the highest number of overlapping status polls.
func (m *MockAPI) MaxConcurrentPolls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInflight
}

// Requests returns the captured submissions.
func (m *MockAPI) Requests() []apiclient.ManifestRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]apiclient.ManifestRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// MockGallery counts refreshes.
type MockGallery struct {
	Err error
	// Gate, when non-nil, holds Refresh until it is closed or ctx ends.
	Gate chan struct{}

	mu        sync.Mutex
	refreshes int
}

// Refresh implements job.GalleryRefresher.
func (g *MockGallery) Refresh(ctx context.Context, _ string) error {
	g.mu.Lock()
	g.refreshes++
	gate, err := g.Gate, g.Err
	g.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Refreshes returns how many times Refresh was called.
func (g *MockGallery) Refreshes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refreshes
}
