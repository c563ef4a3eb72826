package apiclient_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c360studio/manifestme/apiclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Login_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/login/", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Empty(t, r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "nick@example.com", body["username"])
		assert.Equal(t, "secret", body["password"])

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"access": "token-123"})
	}))
	defer server.Close()

	client := apiclient.NewClient(server.URL + "/api/")

	token, err := client.Login(context.Background(), apiclient.LoginRequest{
		Username: "nick@example.com",
		Password: "secret",
	})

	require.NoError(t, err)
	assert.Equal(t, "token-123", token)
}

func TestClient_Login_MissingToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	_, err := apiclient.NewClient(server.URL).Login(context.Background(), apiclient.LoginRequest{Username: "a", Password: "b"})

	require.Error(t, err)
	assert.True(t, apiclient.IsDecode(err))
}

func TestClient_Register_InviteRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "BADCODE", body["invite_code"])
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"detail":"invalid invite"}`))
	}))
	defer server.Close()

	_, err := apiclient.NewClient(server.URL).Register(context.Background(), apiclient.RegisterRequest{
		Email:      "nick@example.com",
		Password:   "secret",
		InviteCode: "BADCODE",
	})

	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, apiclient.StatusCode(err))
}

func TestClient_Manifest(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantResult *apiclient.ManifestResult
		check      func(t *testing.T, err error)
	}{
		{
			name:       "synchronous result",
			status:     http.StatusOK,
			body:       `{"status":"success","video_url":"https://x/a.mp4"}`,
			wantResult: &apiclient.ManifestResult{VideoURL: "https://x/a.mp4"},
		},
		{
			name:       "accepted with string id",
			status:     http.StatusAccepted,
			body:       `{"video_id":"job-1"}`,
			wantResult: &apiclient.ManifestResult{Accepted: true, JobID: "job-1"},
		},
		{
			name:       "accepted with numeric id",
			status:     http.StatusAccepted,
			body:       `{"video_id":42}`,
			wantResult: &apiclient.ManifestResult{Accepted: true, JobID: "42"},
		},
		{
			name:   "accepted without id",
			status: http.StatusAccepted,
			body:   `{}`,
			check: func(t *testing.T, err error) {
				assert.True(t, apiclient.IsDecode(err))
			},
		},
		{
			name:   "ok without url",
			status: http.StatusOK,
			body:   `{"status":"success"}`,
			check: func(t *testing.T, err error) {
				assert.True(t, apiclient.IsDecode(err))
			},
		},
		{
			name:   "malformed body",
			status: http.StatusOK,
			body:   `not json`,
			check: func(t *testing.T, err error) {
				assert.True(t, apiclient.IsDecode(err))
			},
		},
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			body:   `{"detail":"token expired"}`,
			check: func(t *testing.T, err error) {
				assert.True(t, apiclient.IsAuth(err))
				assert.False(t, apiclient.IsServer(err))
			},
		},
		{
			name:   "server error",
			status: http.StatusInternalServerError,
			body:   `boom`,
			check: func(t *testing.T, err error) {
				assert.True(t, apiclient.IsServer(err))
				assert.Equal(t, "Server error (500).", apiclient.Reason(err))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/manifest/", r.URL.Path)
				assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			result, err := apiclient.NewClient(server.URL).Manifest(context.Background(), "tok", apiclient.ManifestRequest{Prompt: "a sunrise"})
			if tt.check != nil {
				require.Error(t, err)
				tt.check(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantResult, result)
		})
	}
}

func TestClient_Manifest_SendsTemplate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "walking on sand", body["prompt"])
		assert.Equal(t, "beach", body["template"])
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"video_id":"job-9"}`))
	}))
	defer server.Close()

	result, err := apiclient.NewClient(server.URL).Manifest(context.Background(), "tok", apiclient.ManifestRequest{
		Prompt:   "walking on sand",
		Template: "beach",
	})

	require.NoError(t, err)
	assert.Equal(t, "job-9", result.JobID)
}

func TestClient_JobStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/videos/status/job-1/", r.URL.Path)
		w.Write([]byte(`{"status":"Completed","video_url":"https://x/a.mp4"}`))
	}))
	defer server.Close()

	status, err := apiclient.NewClient(server.URL).JobStatus(context.Background(), "tok", "job-1")

	require.NoError(t, err)
	assert.Equal(t, apiclient.StatusCompleted, status.Normalized())
	assert.Equal(t, "https://x/a.mp4", status.VideoURL)
}

func TestClient_JobStatus_EmptyIDNeverCallsNetwork(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	_, err := apiclient.NewClient(server.URL).JobStatus(context.Background(), "tok", "  ")

	require.Error(t, err)
	assert.True(t, apiclient.IsValidation(err))
	assert.Equal(t, int32(0), calls.Load())
}

func TestClient_ListVideos(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/videos/", r.URL.Path)
		w.Write([]byte(`[{"url":"https://x/1.mp4","name":"First"},{"url":"https://x/2.mp4","name":"Second"}]`))
	}))
	defer server.Close()

	videos, err := apiclient.NewClient(server.URL).ListVideos(context.Background(), "tok")

	require.NoError(t, err)
	require.Len(t, videos, 2)
	assert.Equal(t, "https://x/1.mp4", videos[0].URL)
	assert.Equal(t, "Second", videos[1].Name)
}

func TestClient_ListVideos_NullBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`null`))
	}))
	defer server.Close()

	videos, err := apiclient.NewClient(server.URL).ListVideos(context.Background(), "tok")

	require.NoError(t, err)
	assert.NotNil(t, videos)
	assert.Empty(t, videos)
}

func TestClient_ProfileStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/profile/status/", r.URL.Path)
		w.Write([]byte(`{"has_image":true,"image_url":"https://x/me.jpg"}`))
	}))
	defer server.Close()

	profile, err := apiclient.NewClient(server.URL).ProfileStatus(context.Background(), "tok")

	require.NoError(t, err)
	assert.True(t, profile.HasImage)
	assert.Equal(t, "https://x/me.jpg", profile.ImageURL)
}

func TestClient_UploadProfileImage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/profile/upload/", r.URL.Path)
		assert.True(t, strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		data, err := io.ReadAll(file)
		require.NoError(t, err)
		assert.Equal(t, "avatar.jpg", header.Filename)
		assert.Equal(t, "jpeg-bytes", string(data))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	err := apiclient.NewClient(server.URL).UploadProfileImage(context.Background(), "tok", "avatar.jpg", strings.NewReader("jpeg-bytes"))

	require.NoError(t, err)
}

func TestClient_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := apiclient.NewClient(url).ListVideos(context.Background(), "tok")

	require.Error(t, err)
	assert.True(t, apiclient.IsTransport(err))
	assert.Equal(t, "Could not reach the server. Check your connection.", apiclient.Reason(err))
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := apiclient.NewClient(server.URL, apiclient.WithTimeout(50*time.Millisecond))
	_, err := client.ProfileStatus(context.Background(), "tok")

	require.Error(t, err)
	assert.True(t, apiclient.IsTransport(err))
}

func TestClient_WithTimeoutLeavesSharedClientAlone(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	shared := &http.Client{Timeout: time.Minute}
	client := apiclient.NewClient(server.URL,
		apiclient.WithHTTPClient(shared),
		apiclient.WithTimeout(50*time.Millisecond))

	assert.Equal(t, time.Minute, shared.Timeout)

	_, err := client.ProfileStatus(context.Background(), "tok")
	require.Error(t, err)
	assert.True(t, apiclient.IsTransport(err))
}
