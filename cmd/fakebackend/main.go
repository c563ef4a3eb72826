// Package main runs the in-memory manifestation backend as a standalone
// server so the CLI can be exercised end to end without the real service.
//
// Usage:
//
//	fakebackend -addr :8000 -seed seed.yaml -mode async
//
// The seed file lists accounts, invite codes and pre-existing videos:
//
//	users:
//	  ada@example.com: correct horse
//	invites: [WELCOME]
//	videos:
//	  ada@example.com:
//	    - url: https://media.example.com/videos/old.mp4
//	      name: an old one
//	script: [pending, processing, completed]
//
// The API is served under /api, matching the client's default base URL.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/manifestme/apiclient"
	"github.com/c360studio/manifestme/testbackend"
)

// seed is the initial backend state.
type seed struct {
	Users   map[string]string `yaml:"users"`
	Invites []string          `yaml:"invites"`
	Videos  map[string][]struct {
		URL  string `yaml:"url"`
		Name string `yaml:"name"`
	} `yaml:"videos"`
	Script []string `yaml:"script"`
}

func loadSeed(path string) (*seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	var s seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse seed %s: %w", path, err)
	}
	for _, st := range s.Script {
		switch st {
		case apiclient.StatusPending, apiclient.StatusProcessing, apiclient.StatusCompleted, apiclient.StatusFailed:
		default:
			return nil, fmt.Errorf("seed script: unknown status %q", st)
		}
	}
	return &s, nil
}

func (s *seed) apply(b *testbackend.Backend) {
	for email, password := range s.Users {
		b.AddUser(email, password)
	}
	for _, code := range s.Invites {
		b.AddInvite(code)
	}
	for email, videos := range s.Videos {
		for _, v := range videos {
			b.AddVideo(email, apiclient.Video{URL: v.URL, Name: v.Name})
		}
	}
	if len(s.Script) > 0 {
		b.SetStatusScript(s.Script...)
	}
}

func newRouter(b *testbackend.Backend) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	// Call counts for test assertions.
	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int{
			"manifest_calls": b.ManifestCalls(),
			"status_calls":   b.StatusCalls(),
			"list_calls":     b.ListCalls(),
		})
	})
	r.Mount("/api", b.Handler())
	return r
}

func main() {
	addr := flag.String("addr", ":8000", "address to listen on")
	seedPath := flag.String("seed", "", "YAML file with users, invites, videos and status script")
	mode := flag.String("mode", string(testbackend.ModeAsync), "submission contract: async or sync")
	user := flag.String("user", "", "extra account as email:password")
	ttl := flag.Duration("token-ttl", time.Hour, "access token lifetime")
	flag.Parse()

	if env := os.Getenv("FAKEBACKEND_SEED"); env != "" && *seedPath == "" {
		*seedPath = env
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	m := testbackend.Mode(*mode)
	if m != testbackend.ModeAsync && m != testbackend.ModeSync {
		logger.Error("Unknown mode", "mode", *mode)
		os.Exit(1)
	}

	b := testbackend.New(
		testbackend.WithMode(m),
		testbackend.WithLogger(logger),
		testbackend.WithTokenTTL(*ttl),
	)

	if *seedPath != "" {
		s, err := loadSeed(*seedPath)
		if err != nil {
			logger.Error("Failed to load seed", "error", err)
			os.Exit(1)
		}
		s.apply(b)
		logger.Info("Loaded seed", "path", *seedPath, "users", len(s.Users), "invites", len(s.Invites))
	}
	if *user != "" {
		email, password, ok := strings.Cut(*user, ":")
		if !ok {
			logger.Error("-user must be email:password")
			os.Exit(1)
		}
		b.AddUser(email, password)
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           newRouter(b),
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("Fake backend listening", "addr", *addr, "mode", m)
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}
