package testbackend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/c360studio/manifestme/apiclient"
)

type ctxKey struct{}

type errorBody struct {
	Detail string `json:"detail"`
}

func (b *Backend) json(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		b.logger.Warn("Failed to write response", "error", err)
	}
}

func (b *Backend) error(w http.ResponseWriter, status int, detail string) {
	b.json(w, status, errorBody{Detail: detail})
}

// IssueToken signs an access token for email.
func (b *Backend) IssueToken(email string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   email,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(b.tokenTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.signingKey)
}

func (b *Backend) subject(raw string) (string, error) {
	b.mu.Lock()
	revoked := b.revoked[raw]
	b.mu.Unlock()
	if revoked {
		return "", errors.New("token revoked")
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return b.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

func (b *Backend) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			b.error(w, http.StatusUnauthorized, "authentication credentials were not provided")
			return
		}
		email, err := b.subject(raw)
		if err != nil {
			b.logger.Debug("Rejected token", "error", err)
			b.error(w, http.StatusUnauthorized, "token is invalid or expired")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, email)))
	})
}

func currentUser(r *http.Request) string {
	email, _ := r.Context().Value(ctxKey{}).(string)
	return email
}

type accessResponse struct {
	Access string `json:"access"`
}

func (b *Backend) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req apiclient.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		b.error(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.Email == "" || req.Password == "" {
		b.error(w, http.StatusBadRequest, "email and password are required")
		return
	}

	b.mu.Lock()
	if !b.invites[req.InviteCode] {
		b.mu.Unlock()
		b.error(w, http.StatusForbidden, "invalid or expired invite")
		return
	}
	if _, exists := b.users[req.Email]; exists {
		b.mu.Unlock()
		b.error(w, http.StatusBadRequest, "user already exists")
		return
	}
	delete(b.invites, req.InviteCode)
	b.users[req.Email] = req.Password
	b.mu.Unlock()

	token, err := b.IssueToken(req.Email)
	if err != nil {
		b.error(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	b.json(w, http.StatusCreated, accessResponse{Access: token})
}

func (b *Backend) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req apiclient.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		b.error(w, http.StatusBadRequest, "invalid payload")
		return
	}

	b.mu.Lock()
	password, ok := b.users[req.Username]
	b.mu.Unlock()
	if !ok || password != req.Password {
		b.error(w, http.StatusUnauthorized, "no active account found with the given credentials")
		return
	}

	token, err := b.IssueToken(req.Username)
	if err != nil {
		b.error(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	b.json(w, http.StatusOK, accessResponse{Access: token})
}

func (b *Backend) handleManifest(w http.ResponseWriter, r *http.Request) {
	var req apiclient.ManifestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		b.error(w, http.StatusBadRequest, "invalid payload")
		return
	}

	b.mu.Lock()
	b.manifestCalls++
	if code := b.manifestFail; code != 0 {
		b.mu.Unlock()
		b.error(w, code, http.StatusText(code))
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		b.mu.Unlock()
		b.error(w, http.StatusBadRequest, "prompt is required")
		return
	}
	j := b.newJobLocked(currentUser(r), req.Prompt, req.Template)
	mode := b.mode
	if mode == ModeSync {
		b.finishLocked(j)
	}
	b.mu.Unlock()

	b.logger.Debug("Manifest received", "job_id", j.id, "mode", mode, "template", req.Template)

	if mode == ModeSync {
		b.json(w, http.StatusOK, map[string]string{"video_url": j.videoURL})
		return
	}
	b.json(w, http.StatusAccepted, map[string]string{"video_id": j.id})
}

func (b *Backend) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	b.mu.Lock()
	b.statusCalls++
	if code := b.statusFail; code != 0 {
		b.mu.Unlock()
		b.error(w, code, http.StatusText(code))
		return
	}
	j, ok := b.jobs[id]
	if !ok || j.owner != currentUser(r) {
		b.mu.Unlock()
		b.error(w, http.StatusNotFound, "not found")
		return
	}
	status := apiclient.StatusPending
	if n := len(b.script); n > 0 {
		status = b.script[min(j.polls, n-1)]
	}
	j.polls++

	resp := apiclient.JobStatus{Status: status}
	switch status {
	case apiclient.StatusCompleted:
		b.finishLocked(j)
		resp.VideoURL = j.videoURL
	case apiclient.StatusFailed:
		resp.Error = "generation failed"
	}
	b.mu.Unlock()

	b.json(w, http.StatusOK, resp)
}

func (b *Backend) handleListVideos(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.listCalls++
	videos := append([]apiclient.Video{}, b.videos[currentUser(r)]...)
	b.mu.Unlock()

	b.json(w, http.StatusOK, videos)
}

func (b *Backend) handleProfileStatus(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	url, ok := b.profiles[currentUser(r)]
	b.mu.Unlock()

	b.json(w, http.StatusOK, apiclient.Profile{HasImage: ok, ImageURL: url})
}

func (b *Backend) handleProfileUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		b.error(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		b.error(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	url := b.mediaBase + "/profiles/" + uuid.NewString() + "-" + header.Filename

	b.mu.Lock()
	b.profiles[currentUser(r)] = url
	b.mu.Unlock()

	b.json(w, http.StatusOK, map[string]string{"image_url": url})
}
