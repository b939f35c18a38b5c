package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/aura-client/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/google/go-cmp/cmp"
)

type fakeCredentials struct {
	mu       sync.Mutex
	token    string
	rejected []string
}

func (f *fakeCredentials) Credential() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *fakeCredentials) CredentialRejected(token string, err *RemoteError) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected = append(f.rejected, token)
}

func (f *fakeCredentials) rejections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rejected)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHTTPServer(t *testing.T, h http.Handler) string {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv.URL
}

func newTestClient(t *testing.T, r http.Handler) (*Client, string) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BaseURL = newHTTPServer(t, r)
	cfg.Timeout = 2 * time.Second
	cfg.RequestsPerSecond = 0
	c, err := New(cfg, quietLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c, cfg.BaseURL
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	for _, raw := range []string{"ftp://example.com", "://bad", ""} {
		if _, err := New(Config{BaseURL: raw}, quietLogger()); err == nil {
			t.Errorf("New(%q) expected error", raw)
		}
	}
}

func TestAuthenticateSuccess(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode login: %v", err)
		}
		if req.Email != "learner@example.com" || req.Password != "passw0rdok" {
			t.Errorf("unexpected login body: %+v", req)
		}
		if r.Header.Get("Authorization") != "" {
			t.Error("login must not carry a bearer credential")
		}
		profile := `{"pace":"steady"}`
		writeJSON(w, http.StatusOK, authResponse{
			User:    wireUser{ID: "u-1", Name: "Ada", Email: "learner@example.com", LearningProfile: &profile},
			Token:   "tok-1",
			Success: true,
			Message: "Login successful",
		})
	})

	c, _ := newTestClient(t, r)
	c.UseCredentials(&fakeCredentials{token: "stale"})

	res, err := c.Authenticate(context.Background(), "learner@example.com", "passw0rdok")
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	want := domain.Identity{
		UserID:          "u-1",
		Name:            "Ada",
		Email:           "learner@example.com",
		Credential:      "tok-1",
		LearningProfile: `{"pace":"steady"}`,
	}
	if diff := cmp.Diff(want, res.Identity); diff != "" {
		t.Errorf("identity mismatch (-want +got):\n%s", diff)
	}
}

func TestAuthenticateRejectedSurfacesDetailVerbatim(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Invalid email or password"})
	})

	c, _ := newTestClient(t, r)
	creds := &fakeCredentials{}
	c.UseCredentials(creds)

	_, err := c.Authenticate(context.Background(), "a@b.io", "x")
	var rerr *RemoteError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if rerr.Kind != KindAuth || rerr.Status != http.StatusUnauthorized {
		t.Errorf("unexpected error classification: %+v", rerr)
	}
	if UserMessage(err) != "Invalid email or password" {
		t.Errorf("UserMessage = %q", UserMessage(err))
	}
	if creds.rejections() != 0 {
		t.Error("sign-in failures must not be reported as credential rejection")
	}
}

func TestRegisterAndFederatedPaths(t *testing.T) {
	var hits []string
	var mu sync.Mutex
	handler := func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits = append(hits, r.URL.Path)
		mu.Unlock()
		writeJSON(w, http.StatusOK, authResponse{User: wireUser{ID: "u-2", Name: "N", Email: "n@x.io"}, Token: "t", Success: true})
	}
	r := chi.NewRouter()
	r.Post("/api/auth/signup", handler)
	r.Post("/api/auth/google", handler)

	c, _ := newTestClient(t, r)
	if _, err := c.Register(context.Background(), "N", "n@x.io", "passw0rdok"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := c.AuthenticateFederated(context.Background(), "id-token"); err != nil {
		t.Fatalf("AuthenticateFederated failed: %v", err)
	}
	if diff := cmp.Diff([]string{"/api/auth/signup", "/api/auth/google"}, hits); diff != "" {
		t.Errorf("paths mismatch (-want +got):\n%s", diff)
	}
}

func TestAuthenticateIncompleteResponse(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	})
	c, _ := newTestClient(t, r)

	_, err := c.Authenticate(context.Background(), "a@b.io", "x")
	if KindOf(err) != KindServer {
		t.Fatalf("expected server kind, got %v", err)
	}
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   Kind
	}{
		{status: http.StatusUnauthorized, want: KindAuth},
		{status: http.StatusForbidden, want: KindAuth},
		{status: http.StatusBadRequest, want: KindClient},
		{status: http.StatusNotFound, want: KindClient},
		{status: http.StatusTooManyRequests, want: KindClient},
		{status: http.StatusInternalServerError, want: KindServer},
		{status: http.StatusBadGateway, want: KindServer},
	}
	for _, tt := range tests {
		r := chi.NewRouter()
		r.Get("/api/agents/capabilities", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		})
		c, _ := newTestClient(t, r)
		_, err := c.FetchCapabilities(context.Background())
		if KindOf(err) != tt.want {
			t.Errorf("status %d: kind = %q, want %q", tt.status, KindOf(err), tt.want)
		}
	}
}

func TestTransportFailureIsNetworkKind(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(Config{BaseURL: url, Timeout: time.Second}, quietLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	_, err = c.FetchMemories(context.Background(), "u-1", 10)
	if KindOf(err) != KindNetwork {
		t.Fatalf("expected network kind, got %v", err)
	}
}

func TestMalformedBodyIsServerKind(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/memories/{id}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>oops</html>"))
	})
	c, _ := newTestClient(t, r)

	_, err := c.FetchMemories(context.Background(), "u-1", 10)
	if KindOf(err) != KindServer {
		t.Fatalf("expected server kind, got %v", err)
	}
}

func TestSendChatSuccessWithRouting(t *testing.T) {
	creds := &fakeCredentials{token: "tok-1"}
	r := chi.NewRouter()
	r.Post("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("Authorization = %q", got)
		}
		var req chatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.UserID != "u-1" || req.Message != "what is a derivative?" {
			t.Errorf("unexpected chat body: %+v", req)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"response": "A rate of change.",
			"success":  true,
			"routing":  map[string]any{"selected_agent": "general_tutor", "confidence": 1.4},
		})
	})
	c, _ := newTestClient(t, r)
	c.UseCredentials(creds)

	res := c.SendChat(context.Background(), "what is a derivative?", "u-1")
	if !res.Success || res.Err != nil {
		t.Fatalf("expected success, got %+v", res)
	}
	want := &domain.Routing{Agent: "general_tutor", Confidence: 1}
	if diff := cmp.Diff(want, res.Routing); diff != "" {
		t.Errorf("routing mismatch (-want +got):\n%s", diff)
	}
}

func TestSendChatFlatRoutingFields(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"response":       "ok",
			"success":        true,
			"selected_agent": "coding_tutor",
			"confidence":     0.5,
		})
	})
	c, _ := newTestClient(t, r)

	res := c.SendChat(context.Background(), "loops", "u-1")
	if res.Routing == nil || res.Routing.Agent != "coding_tutor" || res.Routing.Confidence != 0.5 {
		t.Fatalf("unexpected routing: %+v", res.Routing)
	}
}

func TestSendChatNeverFails(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		kind    Kind
	}{
		{
			name: "success false",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, map[string]any{"response": "", "success": false, "error": "model offline"})
			},
			kind: KindServer,
		},
		{
			name: "empty response",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, map[string]any{"response": "", "success": true})
			},
			kind: KindServer,
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
			kind: KindServer,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := chi.NewRouter()
			r.Post("/api/chat", tt.handler)
			c, _ := newTestClient(t, r)

			res := c.SendChat(context.Background(), "hi", "u-1")
			if res.Success {
				t.Fatal("expected failure")
			}
			if res.Response != domain.FallbackApology {
				t.Errorf("Response = %q, want fallback", res.Response)
			}
			if KindOf(res.Err) != tt.kind {
				t.Errorf("kind = %q, want %q", KindOf(res.Err), tt.kind)
			}
		})
	}
}

func TestSendChatTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c, err := New(Config{BaseURL: srv.URL, Timeout: time.Second}, quietLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	res := c.SendChat(context.Background(), "hi", "u-1")
	if res.Success || res.Response != domain.FallbackApology || KindOf(res.Err) != KindNetwork {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestAuthErrorOnCredentialedCallIsReported(t *testing.T) {
	creds := &fakeCredentials{token: "expired"}
	r := chi.NewRouter()
	r.Post("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Token expired"})
	})
	c, _ := newTestClient(t, r)
	c.UseCredentials(creds)

	res := c.SendChat(context.Background(), "hi", "u-1")
	if res.Success || !IsAuth(res.Err) {
		t.Fatalf("expected auth failure, got %+v", res)
	}
	if creds.rejections() != 1 {
		t.Fatalf("expected one credential rejection, got %d", creds.rejections())
	}
	if creds.rejected[0] != "expired" {
		t.Errorf("rejected token = %q, want the one sent", creds.rejected[0])
	}
}

func TestAuthErrorWithoutCredentialIsNotReported(t *testing.T) {
	creds := &fakeCredentials{}
	r := chi.NewRouter()
	r.Post("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Errorf("unexpected Authorization header %q", r.Header.Get("Authorization"))
		}
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Not authenticated"})
	})
	c, _ := newTestClient(t, r)
	c.UseCredentials(creds)

	res := c.SendChat(context.Background(), "hi", "u-1")
	if !IsAuth(res.Err) {
		t.Fatalf("expected auth failure, got %+v", res)
	}
	if creds.rejections() != 0 {
		t.Fatalf("expected no credential rejection, got %d", creds.rejections())
	}
}

func TestFetchMemories(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/memories/{id}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "id") != "u-1" {
			t.Errorf("id = %q", chi.URLParam(r, "id"))
		}
		if r.URL.Query().Get("limit") != "2" {
			t.Errorf("limit = %q", r.URL.Query().Get("limit"))
		}
		_, _ = w.Write([]byte(`{"memories":[
			{"id":"m-2","prompt":"p2","response":"r2","timestamp":"2026-01-02T10:00:00.123456"},
			{"id":7,"prompt":"p1","response":"r1","timestamp":"2026-01-01T09:00:00Z"},
			{"id":"","prompt":"skip","response":"","timestamp":"2026-01-01T09:00:00Z"}
		]}`))
	})
	c, _ := newTestClient(t, r)

	got, err := c.FetchMemories(context.Background(), "u-1", 2)
	if err != nil {
		t.Fatalf("FetchMemories failed: %v", err)
	}
	want := []domain.Memory{
		{ID: "7", Prompt: "p1", Response: "r1", Timestamp: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)},
		{ID: "m-2", Prompt: "p2", Response: "r2", Timestamp: time.Date(2026, 1, 2, 10, 0, 0, 123456000, time.UTC)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("memories mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchMemoriesBareArray(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/memories/{id}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"a","prompt":"p","response":"r","timestamp":1767261600}]`))
	})
	c, _ := newTestClient(t, r)

	got, err := c.FetchMemories(context.Background(), "u-1", 0)
	if err != nil {
		t.Fatalf("FetchMemories failed: %v", err)
	}
	if len(got) != 1 || !got[0].Timestamp.Equal(time.Unix(1767261600, 0)) {
		t.Fatalf("unexpected memories: %+v", got)
	}
}

func TestFetchMemoriesWithoutIdentity(t *testing.T) {
	c, _ := newTestClient(t, chi.NewRouter())
	if _, err := c.FetchMemories(context.Background(), "", 10); !IsAuth(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestFetchCapabilities(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{name: "agents object", body: `{"agents":{"coding_tutor":{},"general_tutor":{}}}`, want: []string{"coding_tutor", "general_tutor"}},
		{name: "agents list", body: `{"agents":["motivation_coach",{"name":"assessment_specialist"}]}`, want: []string{"assessment_specialist", "motivation_coach"}},
		{name: "top level", body: `{"routing":true,"memory":false}`, want: []string{"memory", "routing"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := chi.NewRouter()
			r.Get("/api/agents/capabilities", func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			})
			c, _ := newTestClient(t, r)

			caps, err := c.FetchCapabilities(context.Background())
			if err != nil {
				t.Fatalf("FetchCapabilities failed: %v", err)
			}
			if diff := cmp.Diff(tt.want, caps.AgentNames()); diff != "" {
				t.Errorf("agents mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestHealthCheck(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	c, _ := newTestClient(t, r)
	if !c.HealthCheck(context.Background()) {
		t.Fatal("expected healthy")
	}

	down, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	if down.HealthCheck(context.Background()) {
		t.Fatal("expected unhealthy")
	}
}

func TestConnectivityWithoutProbe(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/api/agents/capabilities", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"agents":["general_tutor"]}`))
	})
	c, _ := newTestClient(t, r)

	st := c.Connectivity(context.Background())
	if !st.Online || st.Agent != AgentUnknown {
		t.Fatalf("unexpected status: %+v", st)
	}
	if diff := cmp.Diff([]string{"general_tutor"}, st.Agents); diff != "" {
		t.Errorf("agents mismatch (-want +got):\n%s", diff)
	}
}
