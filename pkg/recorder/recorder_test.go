package recorder

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/httprunner/devicesim/pkg/hubapi"
	"github.com/httprunner/devicesim/pkg/protocol"
)

type stubPoster struct {
	mu      sync.Mutex
	urls    []string
	actions []protocol.Action
	err     error
}

func (s *stubPoster) CreateCommand(ctx context.Context, sessionURL string, action protocol.Action) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.urls = append(s.urls, sessionURL)
	s.actions = append(s.actions, action)
	return "cmd-1", nil
}

func TestRecordDropsBeforeSessionBegan(t *testing.T) {
	poster := &stubPoster{}
	rec := New(poster)
	id, err := rec.Record(context.Background(), protocol.Action{Type: protocol.ActionTap})
	if err != nil || id != "" {
		t.Fatalf("expected silent no-op, got id=%q err=%v", id, err)
	}
	if len(poster.actions) != 0 {
		t.Fatalf("no post expected before base url is set, got %d", len(poster.actions))
	}
}

func TestRecordPostsToSessionCommands(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"id":"77"}`))
	}))
	defer srv.Close()

	client, err := hubapi.New(srv.URL+"/v1", "tok", srv.Client())
	if err != nil {
		t.Fatalf("hubapi.New: %v", err)
	}
	rec := New(client)
	rec.SetBaseURL(srv.URL + "/v1/sessions/42/")
	id, err := rec.Record(context.Background(), protocol.Action{Type: protocol.ActionTap, Value: protocol.Point{X: 1, Y: 2}})
	if err != nil {
		t.Fatalf("Record returned error: %v", err)
	}
	if id != "77" || rec.LastCommandID() != "77" {
		t.Fatalf("unexpected command id %q / %q", id, rec.LastCommandID())
	}
	if gotPath != "/v1/sessions/42/commands" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
}

func TestRecordFailsOnNonSuccessStatus(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusMultipleChoices)
	}))
	defer srv.Close()

	client, _ := hubapi.New(srv.URL, "tok", srv.Client())
	rec := New(client)
	rec.SetBaseURL(srv.URL + "/sessions/1")
	_, err := rec.Record(context.Background(), protocol.Action{Type: protocol.TypePressButton, Value: "HOME"})
	if err == nil {
		t.Fatal("expected error for status 300")
	}
	if calls != 1 {
		t.Fatalf("record must not retry, got %d calls", calls)
	}
	if !hubapi.IsStatus(err, http.StatusMultipleChoices) {
		t.Fatalf("status error should be preserved, got %v", err)
	}
	if rec.LastCommandID() != "" {
		t.Fatalf("failed record must not set a command id, got %q", rec.LastCommandID())
	}
}
