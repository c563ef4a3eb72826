package session_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/manifestme/apiclient"
	"github.com/c360studio/manifestme/credstore"
	"github.com/c360studio/manifestme/job"
	"github.com/c360studio/manifestme/jobstore"
	"github.com/c360studio/manifestme/session"
	"github.com/c360studio/manifestme/testbackend"
)

const (
	email    = "ada@example.com"
	password = "correct horse"
)

type fixture struct {
	backend *testbackend.Backend
	client  *apiclient.Client
	creds   credstore.Store
	jobs    jobstore.Store
	sess    *session.Session
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, creds credstore.Store, opts ...testbackend.Option) *fixture {
	t.Helper()

	b := testbackend.New(append([]testbackend.Option{testbackend.WithLogger(quietLogger())}, opts...)...)
	b.AddUser(email, password)
	srv := httptest.NewServer(b.Handler())
	t.Cleanup(srv.Close)

	if creds == nil {
		creds = credstore.NewMemoryStore()
	}
	f := &fixture{
		backend: b,
		client:  apiclient.NewClient(srv.URL, apiclient.WithLogger(quietLogger())),
		creds:   creds,
		jobs:    jobstore.NewMemoryStore(),
	}
	f.sess = f.open(t)
	return f
}

// open builds a session over the fixture's stores, as a fresh process would.
func (f *fixture) open(t *testing.T) *session.Session {
	t.Helper()
	s, err := session.New(session.Options{
		API:         f.client,
		Credentials: f.creds,
		Jobs:        f.jobs,
		Logger:      quietLogger(),
		JobOptions: []job.Option{
			job.WithPollConfig(job.PollConfig{Interval: 10 * time.Millisecond, MaxWait: 5 * time.Second, MaxTransportErrors: 2}),
			job.WithProgressConfig(job.ProgressConfig{}),
		},
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func (f *fixture) login(t *testing.T) {
	t.Helper()
	require.NoError(t, f.sess.Login(context.Background(), session.Credentials{Email: email, Password: password}))
}

func await(t *testing.T, s *session.Session) job.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	j, err := s.Controller().Await(ctx)
	require.NoError(t, err)
	return j
}

func TestLogin(t *testing.T) {
	f := newFixture(t, nil)
	assert.False(t, f.sess.Authenticated())

	f.login(t)
	assert.True(t, f.sess.Authenticated())

	stored, err := f.creds.Read()
	require.NoError(t, err)
	assert.Equal(t, f.sess.Token(), stored)
}

func TestLogin_Rejected(t *testing.T) {
	f := newFixture(t, nil)

	err := f.sess.Login(context.Background(), session.Credentials{Email: email, Password: "wrong"})
	assert.ErrorIs(t, err, session.ErrInvalidCredentials)
	assert.False(t, f.sess.Authenticated())
}

func TestLogin_Validation(t *testing.T) {
	f := newFixture(t, nil)

	tests := []session.Credentials{
		{Email: "", Password: "x"},
		{Email: "not-an-email", Password: "x"},
		{Email: email, Password: ""},
	}
	for _, c := range tests {
		err := f.sess.Login(context.Background(), c)
		assert.True(t, apiclient.IsValidation(err), "expected validation error for %+v", c)
	}
}

func TestRegister(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.AddInvite("WELCOME")
	ctx := context.Background()

	err := f.sess.Register(ctx, session.Registration{Email: "new@example.com", Password: "pw", InviteCode: "NOPE"})
	assert.ErrorIs(t, err, session.ErrInviteRejected)
	assert.False(t, f.sess.Authenticated())

	err = f.sess.Register(ctx, session.Registration{Email: "new@example.com", Password: "pw", InviteCode: "WELCOME"})
	require.NoError(t, err)
	assert.True(t, f.sess.Authenticated())
}

func TestRegister_ExistingUser(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.AddInvite("WELCOME")

	err := f.sess.Register(context.Background(), session.Registration{Email: email, Password: "pw", InviteCode: "WELCOME"})
	assert.ErrorIs(t, err, session.ErrRegistrationFailed)
}

func TestStoredCredentialRestored(t *testing.T) {
	f := newFixture(t, nil)
	f.login(t)

	restored := f.open(t)
	assert.True(t, restored.Authenticated())
	assert.Equal(t, f.sess.Token(), restored.Token())
}

func TestManifest_AsyncCompletesIntoGallery(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.SetStatusScript(apiclient.StatusPending, apiclient.StatusProcessing, apiclient.StatusCompleted)
	f.login(t)

	submitted, err := f.sess.Manifest(context.Background(), "a fox in snow", "Wildlife")
	require.NoError(t, err)
	assert.Equal(t, "wildlife", submitted.Template)

	j := await(t, f.sess)
	require.Equal(t, job.StatusCompleted, j.Status, "reason: %s", j.ErrorReason)
	assert.True(t, f.sess.Gallery().Contains(j.ResultURL))
	assert.Equal(t, 1, f.sess.Gallery().Len())
	assert.Equal(t, 3, f.backend.StatusCalls())
	assert.Equal(t, 1, f.backend.ListCalls())
}

func TestManifest_Sync(t *testing.T) {
	f := newFixture(t, nil, testbackend.WithMode(testbackend.ModeSync))
	f.login(t)

	_, err := f.sess.Manifest(context.Background(), "an office at dawn", "work")
	require.NoError(t, err)

	j := await(t, f.sess)
	assert.Equal(t, job.StatusCompleted, j.Status)
	assert.True(t, f.sess.Gallery().Contains(j.ResultURL))
	assert.Equal(t, 0, f.backend.StatusCalls())
}

func TestManifest_Rejections(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.sess.Manifest(ctx, "a fox", "")
	assert.ErrorIs(t, err, session.ErrNotAuthenticated)

	f.login(t)
	_, err = f.sess.Manifest(ctx, "   ", "")
	assert.True(t, apiclient.IsValidation(err))

	_, err = f.sess.Manifest(ctx, "a fox", "underwater")
	assert.True(t, apiclient.IsValidation(err))

	assert.Equal(t, 0, f.backend.ManifestCalls())
}

func TestManifest_RevokedTokenSignsOut(t *testing.T) {
	f := newFixture(t, nil)
	f.login(t)
	f.backend.Revoke(f.sess.Token())

	_, err := f.sess.Manifest(context.Background(), "a fox", "")
	require.NoError(t, err)

	j := await(t, f.sess)
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, job.FailureAuth, j.FailureKind)
	assert.False(t, f.sess.Authenticated())

	_, err = f.creds.Read()
	assert.ErrorIs(t, err, credstore.ErrNotFound)
}

func TestManifest_StaleTokenRejectionKeepsNewCredential(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.SetStatusScript(apiclient.StatusProcessing)
	f.login(t)
	oldToken := f.sess.Token()

	_, err := f.sess.Manifest(context.Background(), "a fox", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := f.jobs.Load(context.Background())
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	f.login(t)
	newToken := f.sess.Token()
	require.NotEqual(t, oldToken, newToken)
	f.backend.Revoke(oldToken)

	j := await(t, f.sess)
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, job.FailureAuth, j.FailureKind)

	assert.True(t, f.sess.Authenticated())
	assert.Equal(t, newToken, f.sess.Token())
	stored, err := f.creds.Read()
	require.NoError(t, err)
	assert.Equal(t, newToken, stored)
}

func TestResumeAfterRestart(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.SetStatusScript(apiclient.StatusProcessing)
	f.login(t)

	_, err := f.sess.Manifest(context.Background(), "tidal wave", "beach")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := f.jobs.Load(context.Background())
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	// Simulate the process dying: the first session stops, the record survives.
	rec, err := f.jobs.Load(context.Background())
	require.NoError(t, err)
	f.sess.Close()
	require.NoError(t, f.jobs.Save(context.Background(), *rec))

	f.backend.SetStatusScript(apiclient.StatusCompleted)
	restarted := f.open(t)
	j, resumed, err := restarted.Resume(context.Background())
	require.NoError(t, err)
	require.True(t, resumed)
	assert.Equal(t, rec.JobID, j.ID)

	j = await(t, restarted)
	assert.Equal(t, job.StatusCompleted, j.Status)
	assert.Equal(t, "tidal wave", j.Prompt)
}

func TestLogout(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.SetStatusScript(apiclient.StatusProcessing)
	f.login(t)

	f.backend.AddVideo(email, apiclient.Video{URL: "https://media.example.com/old.mp4"})
	require.NoError(t, f.sess.RefreshGallery(context.Background()))
	require.Equal(t, 1, f.sess.Gallery().Len())

	_, err := f.sess.Manifest(context.Background(), "a fox", "")
	require.NoError(t, err)

	require.NoError(t, f.sess.Logout())
	assert.False(t, f.sess.Authenticated())
	assert.Equal(t, job.StatusIdle, f.sess.Controller().State())
	assert.Equal(t, 0, f.sess.Gallery().Len())

	_, err = f.creds.Read()
	assert.ErrorIs(t, err, credstore.ErrNotFound)
	_, err = f.jobs.Load(context.Background())
	assert.ErrorIs(t, err, jobstore.ErrNotFound)
}

// heldLister holds the first video listing until released, ignoring ctx.
type heldLister struct {
	*apiclient.Client
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (h *heldLister) ListVideos(ctx context.Context, token string) ([]apiclient.Video, error) {
	h.once.Do(func() { close(h.started) })
	<-h.release
	return h.Client.ListVideos(context.WithoutCancel(ctx), token)
}

func TestLogout_DuringCompletionRefresh(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.SetStatusScript(apiclient.StatusCompleted)

	api := &heldLister{Client: f.client, started: make(chan struct{}), release: make(chan struct{})}
	sess, err := session.New(session.Options{
		API:         api,
		Credentials: f.creds,
		Jobs:        f.jobs,
		Logger:      quietLogger(),
		JobOptions: []job.Option{
			job.WithPollConfig(job.PollConfig{Interval: 10 * time.Millisecond, MaxWait: 5 * time.Second, MaxTransportErrors: 2}),
			job.WithProgressConfig(job.ProgressConfig{}),
		},
	})
	require.NoError(t, err)
	t.Cleanup(sess.Close)
	require.NoError(t, sess.Login(context.Background(), session.Credentials{Email: email, Password: password}))

	_, err = sess.Manifest(context.Background(), "a fox", "")
	require.NoError(t, err)

	select {
	case <-api.started:
	case <-time.After(5 * time.Second):
		t.Fatal("gallery refresh never started")
	}

	require.NoError(t, sess.Logout())
	close(api.release)
	await(t, sess)

	assert.False(t, sess.Authenticated())
	assert.Equal(t, 0, sess.Gallery().Len())
	assert.NotEmpty(t, f.backend.Videos(email))
}

func TestRefreshGallery_Reauthenticate(t *testing.T) {
	f := newFixture(t, nil)
	f.login(t)
	f.backend.Revoke(f.sess.Token())

	err := f.sess.RefreshGallery(context.Background())
	assert.ErrorIs(t, err, session.ErrReauthenticate)
	assert.True(t, apiclient.IsAuth(err))
	assert.False(t, f.sess.Authenticated())
}

func TestProfile(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.sess.Profile(ctx)
	assert.ErrorIs(t, err, session.ErrNotAuthenticated)

	f.login(t)
	p, err := f.sess.Profile(ctx)
	require.NoError(t, err)
	assert.False(t, p.HasImage)

	require.NoError(t, f.sess.UploadProfileImage(ctx, "avatar.jpg", strings.NewReader("jpeg")))
	p, err = f.sess.Profile(ctx)
	require.NoError(t, err)
	assert.True(t, p.HasImage)
}

func TestTokenExpiry(t *testing.T) {
	f := newFixture(t, nil, testbackend.WithTokenTTL(2*time.Hour))

	_, ok := f.sess.TokenExpiry()
	assert.False(t, ok)

	f.login(t)
	exp, ok := f.sess.TokenExpiry()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), exp, time.Minute)
}

func TestWatchCredentials_ExternalRemoval(t *testing.T) {
	store := credstore.NewFileStore(t.TempDir(), quietLogger())
	f := newFixture(t, store)
	f.login(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sess.WatchCredentials(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher time to register before removing the file.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.Remove(store.Path()))

	assert.Eventually(t, func() bool { return !f.sess.Authenticated() }, 2*time.Second, 10*time.Millisecond)
}

func TestWatchCredentials_Unsupported(t *testing.T) {
	f := newFixture(t, nil)
	err := f.sess.WatchCredentials(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, context.Canceled))
}
