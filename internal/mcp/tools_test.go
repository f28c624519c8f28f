package mcp

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/forest6511/passrunner/internal/runner"
	"github.com/forest6511/passrunner/pkg/vault"
)

type fakeBackend struct {
	matches []runner.Match
	status  vault.Status
	err     error
	queries []string
}

func (b *fakeBackend) Query(_ context.Context, text string) ([]runner.Match, error) {
	b.queries = append(b.queries, text)
	return b.matches, b.err
}

func (b *fakeBackend) Status(context.Context) (vault.Status, error) {
	return b.status, b.err
}

func newTestServer(b *fakeBackend) *Server {
	return NewServer(b, "test", zap.NewNop())
}

func TestHandleVaultSearch(t *testing.T) {
	b := &fakeBackend{matches: []runner.Match{
		{ID: "i1", Text: "github", Type: runner.ExactMatch, Relevance: 0.8,
			Properties: map[string]string{"subtext": "joe github"}},
		{ID: "i2", Text: "gitlab", Type: runner.HelperMatch, Relevance: 0.6},
	}}
	s := newTestServer(b)

	_, out, err := s.handleVaultSearch(context.Background(), nil, VaultSearchInput{Query: "git"})
	if err != nil {
		t.Fatalf("handleVaultSearch() error = %v", err)
	}

	if len(out.Matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(out.Matches))
	}
	want := MatchInfo{Label: "github", Subtext: "joe github", Relevance: 0.8, Tier: 100}
	if out.Matches[0] != want {
		t.Errorf("Matches[0] = %+v, want %+v", out.Matches[0], want)
	}
	if out.Notice != "" {
		t.Errorf("Notice = %q, want empty", out.Notice)
	}
	if len(b.queries) != 1 || b.queries[0] != "git" {
		t.Errorf("queries = %v, want [git]", b.queries)
	}
}

func TestHandleVaultSearch_Limit(t *testing.T) {
	b := &fakeBackend{matches: []runner.Match{
		{ID: "a", Text: "a"}, {ID: "b", Text: "b"}, {ID: "c", Text: "c"},
	}}
	s := newTestServer(b)

	_, out, err := s.handleVaultSearch(context.Background(), nil, VaultSearchInput{Query: "x", Limit: 2})
	if err != nil {
		t.Fatalf("handleVaultSearch() error = %v", err)
	}
	if len(out.Matches) != 2 {
		t.Errorf("got %d matches, want 2", len(out.Matches))
	}
}

func TestHandleVaultSearch_Locked(t *testing.T) {
	b := &fakeBackend{matches: []runner.Match{
		{ID: runner.UnlockID, Text: "Unlock password manager", Type: runner.HelperMatch, Relevance: 1},
	}}
	s := newTestServer(b)

	_, out, err := s.handleVaultSearch(context.Background(), nil, VaultSearchInput{Query: "git"})
	if err != nil {
		t.Fatalf("handleVaultSearch() error = %v", err)
	}
	if len(out.Matches) != 0 {
		t.Errorf("got %d matches, want 0", len(out.Matches))
	}
	if out.Notice != "Unlock password manager" {
		t.Errorf("Notice = %q", out.Notice)
	}
}

func TestHandleVaultSearch_Validation(t *testing.T) {
	s := newTestServer(&fakeBackend{})

	tests := []struct {
		name  string
		input VaultSearchInput
	}{
		{"empty query", VaultSearchInput{}},
		{"negative limit", VaultSearchInput{Query: "git", Limit: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := s.handleVaultSearch(context.Background(), nil, tt.input); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestHandleVaultSearch_BackendError(t *testing.T) {
	s := newTestServer(&fakeBackend{err: context.DeadlineExceeded})

	_, _, err := s.handleVaultSearch(context.Background(), nil, VaultSearchInput{Query: "git"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want deadline exceeded", err)
	}
}

func TestHandleVaultStatus(t *testing.T) {
	tests := []struct {
		status vault.Status
		want   VaultStatusOutput
	}{
		{vault.StatusOK, VaultStatusOutput{Status: "ok", Usable: true}},
		{vault.StatusLocked, VaultStatusOutput{Status: "locked"}},
		{vault.StatusNoProvider, VaultStatusOutput{Status: "no-provider"}},
	}
	for _, tt := range tests {
		t.Run(tt.want.Status, func(t *testing.T) {
			s := newTestServer(&fakeBackend{status: tt.status})
			_, out, err := s.handleVaultStatus(context.Background(), nil, VaultStatusInput{})
			if err != nil {
				t.Fatalf("handleVaultStatus() error = %v", err)
			}
			if out != tt.want {
				t.Errorf("got %+v, want %+v", out, tt.want)
			}
		})
	}
}
