// Package session ties the credential, the job controller and the gallery
// together for one signed-in user. A Session is created once per process
// and passed to whatever presents it.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"

	"github.com/c360studio/manifestme/apiclient"
	"github.com/c360studio/manifestme/credstore"
	"github.com/c360studio/manifestme/gallery"
	"github.com/c360studio/manifestme/job"
	"github.com/c360studio/manifestme/jobstore"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInviteRejected     = errors.New("invalid or expired invite code")
	ErrRegistrationFailed = errors.New("registration failed")
	ErrReauthenticate     = errors.New("your session has expired, please log in again")
	ErrNotAuthenticated   = job.ErrNotAuthenticated
)

// Templates are the scene presets the backend accepts alongside a prompt.
var Templates = []string{"beach", "work", "wildlife"}

var validate = validator.New()

// Credentials is a login form.
type Credentials struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required"`
}

// Registration is a sign-up form.
type Registration struct {
	Email      string `validate:"required,email"`
	Password   string `validate:"required"`
	InviteCode string `validate:"required"`
}

// API is the backend surface a session uses.
type API interface {
	job.API
	gallery.Lister
	Register(ctx context.Context, req apiclient.RegisterRequest) (string, error)
	Login(ctx context.Context, req apiclient.LoginRequest) (string, error)
	ProfileStatus(ctx context.Context, token string) (*apiclient.Profile, error)
	UploadProfileImage(ctx context.Context, token, filename string, r io.Reader) error
}

// Options configures New.
type Options struct {
	API         API
	Credentials credstore.Store
	Jobs        jobstore.Store
	Logger      *slog.Logger

	// JobOptions are appended after the session's own controller options.
	JobOptions []job.Option
}

// Session is the signed-in user's state.
type Session struct {
	api     API
	creds   credstore.Store
	gallery *gallery.Cache
	ctrl    *job.Controller
	logger  *slog.Logger

	// credMu orders sign-in, sign-out and invalidation so a stale
	// rejection cannot delete a credential stored after it.
	credMu sync.Mutex

	mu    sync.RWMutex
	token string
}

// New builds a session. A stored credential marks the session
// authenticated without contacting the backend.
func New(opts Options) (*Session, error) {
	if opts.API == nil {
		return nil, fmt.Errorf("session: API is required")
	}
	if opts.Credentials == nil {
		opts.Credentials = credstore.NewMemoryStore()
	}
	if opts.Jobs == nil {
		opts.Jobs = jobstore.NewMemoryStore()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Session{
		api:    opts.API,
		creds:  opts.Credentials,
		logger: opts.Logger,
	}
	s.gallery = gallery.New(opts.API, gallery.WithLogger(opts.Logger))

	jobOpts := []job.Option{
		job.WithGallery(s.gallery),
		job.WithJobStore(opts.Jobs),
		job.WithLogger(opts.Logger),
		job.WithOnAuthFailure(s.invalidate),
	}
	s.ctrl = job.NewController(opts.API, append(jobOpts, opts.JobOptions...)...)

	token, err := s.creds.Read()
	switch {
	case err == nil:
		s.token = token
		s.logger.Debug("Restored stored credential")
	case errors.Is(err, credstore.ErrNotFound):
	default:
		s.logger.Warn("Failed to read stored credential", "error", err)
	}

	return s, nil
}

// Login exchanges credentials for a token and stores it.
func (s *Session) Login(ctx context.Context, c Credentials) error {
	c.Email = strings.TrimSpace(c.Email)
	if err := validate.Struct(c); err != nil {
		return apiclient.NewValidationError("credentials", err.Error())
	}

	token, err := s.api.Login(ctx, apiclient.LoginRequest{Username: c.Email, Password: c.Password})
	if err != nil {
		if apiclient.StatusCode(err) != 0 {
			return ErrInvalidCredentials
		}
		return err
	}
	return s.signIn(token)
}

// Register creates an account with an invite code and signs in.
func (s *Session) Register(ctx context.Context, r Registration) error {
	r.Email = strings.TrimSpace(r.Email)
	r.InviteCode = strings.TrimSpace(r.InviteCode)
	if err := validate.Struct(r); err != nil {
		return apiclient.NewValidationError("registration", err.Error())
	}

	token, err := s.api.Register(ctx, apiclient.RegisterRequest{
		Email:      r.Email,
		Password:   r.Password,
		InviteCode: r.InviteCode,
	})
	if err != nil {
		switch code := apiclient.StatusCode(err); {
		case code == http.StatusForbidden:
			return ErrInviteRejected
		case code != 0:
			return fmt.Errorf("%w (status %d)", ErrRegistrationFailed, code)
		}
		return err
	}
	return s.signIn(token)
}

func (s *Session) signIn(token string) error {
	s.credMu.Lock()
	defer s.credMu.Unlock()

	if err := s.creds.Save(token); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	s.logger.Info("Signed in")
	return nil
}

// Logout discards any job, forgets the credential and empties the gallery.
func (s *Session) Logout() error {
	s.credMu.Lock()
	defer s.credMu.Unlock()

	s.ctrl.Discard()
	s.gallery.Clear()

	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()

	if err := s.creds.Delete(); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	s.logger.Info("Signed out")
	return nil
}

// invalidate drops a credential the backend rejected. The failed job stays
// visible so its reason can be shown. A rejection of a token that has since
// been replaced by a new sign-in is ignored.
func (s *Session) invalidate(token string, cause error) {
	s.credMu.Lock()
	defer s.credMu.Unlock()

	s.mu.Lock()
	if token == "" || token != s.token {
		s.mu.Unlock()
		s.logger.Debug("Ignoring rejection of a superseded credential", "error", cause)
		return
	}
	s.token = ""
	s.mu.Unlock()

	s.logger.Warn("Credential rejected by backend", "error", cause)

	s.gallery.Clear()
	if err := s.creds.Delete(); err != nil {
		s.logger.Warn("Failed to delete credential", "error", err)
	}
}

// Authenticated reports whether a credential is held.
func (s *Session) Authenticated() bool {
	return s.Token() != ""
}

// Token returns the current credential, or "".
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// TokenExpiry reads the exp claim of the credential without verifying it.
// It is for display only.
func (s *Session) TokenExpiry() (time.Time, bool) {
	token := s.Token()
	if token == "" {
		return time.Time{}, false
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// Manifest submits a prompt with an optional template.
func (s *Session) Manifest(ctx context.Context, prompt, template string) (job.Job, error) {
	template = strings.ToLower(strings.TrimSpace(template))
	if template != "" && !slices.Contains(Templates, template) {
		return job.Job{}, apiclient.NewValidationError("template",
			fmt.Sprintf("must be one of %s", strings.Join(Templates, ", ")))
	}
	return s.ctrl.Submit(ctx, s.Token(), job.SubmitRequest{Prompt: prompt, Template: template})
}

// Resume continues polling a job left by a previous run, if any.
func (s *Session) Resume(ctx context.Context) (job.Job, bool, error) {
	if !s.Authenticated() {
		return job.Job{}, false, nil
	}
	return s.ctrl.Resume(ctx, s.Token())
}

// RefreshGallery reloads the video list.
func (s *Session) RefreshGallery(ctx context.Context) error {
	token := s.Token()
	if token == "" {
		return ErrNotAuthenticated
	}
	return s.authErr(token, s.gallery.Refresh(ctx, token))
}

// Profile reports the user's profile picture.
func (s *Session) Profile(ctx context.Context) (*apiclient.Profile, error) {
	token := s.Token()
	if token == "" {
		return nil, ErrNotAuthenticated
	}
	p, err := s.api.ProfileStatus(ctx, token)
	if err != nil {
		return nil, s.authErr(token, err)
	}
	return p, nil
}

// UploadProfileImage replaces the user's profile picture.
func (s *Session) UploadProfileImage(ctx context.Context, filename string, r io.Reader) error {
	token := s.Token()
	if token == "" {
		return ErrNotAuthenticated
	}
	return s.authErr(token, s.api.UploadProfileImage(ctx, token, filename, r))
}

// WatchCredentials signs the session out when the stored credential is
// removed by another process. It blocks until ctx is cancelled.
func (s *Session) WatchCredentials(ctx context.Context) error {
	w, ok := s.creds.(interface {
		Watch(ctx context.Context, onRemoved func()) error
	})
	if !ok {
		return fmt.Errorf("credential store does not support watching")
	}
	return w.Watch(ctx, func() {
		if !s.Authenticated() {
			return
		}
		s.logger.Info("Credential removed, signing out")
		s.ctrl.Discard()
		s.gallery.Clear()
		s.mu.Lock()
		s.token = ""
		s.mu.Unlock()
	})
}

// Controller exposes the job controller for observation.
func (s *Session) Controller() *job.Controller {
	return s.ctrl
}

// Gallery exposes the gallery cache for reading.
func (s *Session) Gallery() *gallery.Cache {
	return s.gallery
}

// Close stops any running job.
func (s *Session) Close() {
	s.ctrl.Close()
}

func (s *Session) authErr(token string, err error) error {
	if err != nil && apiclient.IsAuth(err) {
		s.invalidate(token, err)
		return fmt.Errorf("%w: %w", ErrReauthenticate, err)
	}
	return err
}
