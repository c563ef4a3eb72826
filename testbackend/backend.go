// Package testbackend is an in-memory stand-in for the manifestation backend.
// It serves every endpoint the client uses and can be scripted to answer
// submissions synchronously or asynchronously, to fail, or to walk a job
// through a sequence of statuses.
package testbackend

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/c360studio/manifestme/apiclient"
)

// Mode selects the submission contract.
type Mode string

const (
	// ModeAsync answers 202 with a job id and expects polling.
	ModeAsync Mode = "async"
	// ModeSync answers 200 with the finished video URL.
	ModeSync Mode = "sync"
)

// DefaultStatusScript is walked by every async job unless overridden.
var DefaultStatusScript = []string{apiclient.StatusProcessing, apiclient.StatusCompleted}

type fakeJob struct {
	id       string
	owner    string
	prompt   string
	template string
	polls    int
	videoURL string
}

// Backend is a scriptable fake. All methods are safe for concurrent use.
type Backend struct {
	logger     *slog.Logger
	signingKey []byte
	tokenTTL   time.Duration
	mediaBase  string

	mu           sync.Mutex
	mode         Mode
	script       []string
	manifestFail int
	statusFail   int
	users        map[string]string
	invites      map[string]bool
	revoked      map[string]bool
	jobs         map[string]*fakeJob
	videos       map[string][]apiclient.Video
	profiles     map[string]string
	nextID       int

	manifestCalls int
	statusCalls   int
	listCalls     int
}

// Option configures a Backend.
type Option func(*Backend)

// WithMode sets the submission contract.
func WithMode(m Mode) Option {
	return func(b *Backend) {
		b.mode = m
	}
}

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) {
		b.logger = logger
	}
}

// WithSigningKey sets the HMAC key for issued tokens.
func WithSigningKey(key []byte) Option {
	return func(b *Backend) {
		b.signingKey = key
	}
}

// WithTokenTTL sets the lifetime of issued tokens.
func WithTokenTTL(d time.Duration) Option {
	return func(b *Backend) {
		b.tokenTTL = d
	}
}

// WithMediaBase sets the URL prefix of generated videos.
func WithMediaBase(base string) Option {
	return func(b *Backend) {
		b.mediaBase = base
	}
}

// New creates an empty backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		logger:     slog.Default(),
		signingKey: []byte("manifestme-test-key"),
		tokenTTL:   time.Hour,
		mediaBase:  "https://media.example.com",
		mode:       ModeAsync,
		script:     DefaultStatusScript,
		users:      make(map[string]string),
		invites:    make(map[string]bool),
		revoked:    make(map[string]bool),
		jobs:       make(map[string]*fakeJob),
		videos:     make(map[string][]apiclient.Video),
		profiles:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Handler returns the routed HTTP handler.
func (b *Backend) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)

	r.Post("/register/", b.handleRegister)
	r.Post("/login/", b.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(b.authenticate)
		r.Post("/manifest/", b.handleManifest)
		r.Get("/videos/", b.handleListVideos)
		r.Get("/videos/status/{id}/", b.handleJobStatus)
		r.Get("/profile/status/", b.handleProfileStatus)
		r.Post("/profile/upload/", b.handleProfileUpload)
	})

	return r
}

// AddUser registers an account directly.
func (b *Backend) AddUser(email, password string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users[email] = password
}

// AddInvite makes code usable for one registration.
func (b *Backend) AddInvite(code string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.invites[code] = true
}

// SetMode switches the submission contract.
func (b *Backend) SetMode(m Mode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mode = m
}

// SetStatusScript sets the statuses returned by successive polls of each
// new job. The last entry repeats.
func (b *Backend) SetStatusScript(statuses ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.script = append([]string(nil), statuses...)
}

// FailManifest makes submissions answer with code. Zero restores success.
func (b *Backend) FailManifest(code int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.manifestFail = code
}

// FailStatus makes status polls answer with code. Zero restores success.
func (b *Backend) FailStatus(code int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statusFail = code
}

// Revoke invalidates a previously issued token.
func (b *Backend) Revoke(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.revoked[token] = true
}

// AddVideo seeds a finished video for email.
func (b *Backend) AddVideo(email string, v apiclient.Video) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.videos[email] = append(b.videos[email], v)
}

// Videos returns the finished videos for email.
func (b *Backend) Videos(email string) []apiclient.Video {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]apiclient.Video(nil), b.videos[email]...)
}

// ManifestCalls returns the number of submissions received.
func (b *Backend) ManifestCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.manifestCalls
}

// StatusCalls returns the number of status polls received.
func (b *Backend) StatusCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statusCalls
}

// ListCalls returns the number of gallery listings served.
func (b *Backend) ListCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listCalls
}

func (b *Backend) newJobLocked(owner, prompt, template string) *fakeJob {
	b.nextID++
	j := &fakeJob{
		id:       fmt.Sprintf("%d", b.nextID),
		owner:    owner,
		prompt:   prompt,
		template: template,
	}
	j.videoURL = fmt.Sprintf("%s/videos/%s.mp4", b.mediaBase, j.id)
	b.jobs[j.id] = j
	return j
}

// finishLocked publishes the job's video to its owner's gallery once.
func (b *Backend) finishLocked(j *fakeJob) {
	for _, v := range b.videos[j.owner] {
		if v.URL == j.videoURL {
			return
		}
	}
	b.videos[j.owner] = append(b.videos[j.owner], apiclient.Video{URL: j.videoURL, Name: j.prompt})
}
