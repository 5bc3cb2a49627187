package context

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCompose_AllSourcesEmpty(t *testing.T) {
	dir := t.TempDir()
	o := New(Config{
		InnerStatePath:  filepath.Join(dir, "inner.json"),
		SelfPath:        filepath.Join(dir, "SELF.md"),
		ExplorationsDir: filepath.Join(dir, "explorations"),
	})
	if got := o.Compose(context.Background(), "hello"); got != "" {
		t.Fatalf("expected empty block, got %q", got)
	}
}

func TestCompose_InnerStateAndSelf(t *testing.T) {
	dir := t.TempDir()
	innerPath := filepath.Join(dir, "inner.json")
	selfPath := filepath.Join(dir, "SELF.md")

	inner := map[string]any{
		"mood":            "curious",
		"energy":          "high",
		"on_my_mind":      []string{"the weather project"},
		"curious_about":   []string{"rust", "lisp", "forth", "prolog"},
		"notable_moments": []string{"shipped the gateway"},
	}
	data, _ := json.Marshal(inner)
	os.WriteFile(innerPath, data, 0o644)

	self := "# Title\n\n## Who I am\nI build things.\nI like precision.\n\n## What I value\nClarity.\n\n## Ignored\nShould not appear.\n"
	os.WriteFile(selfPath, []byte(self), 0o644)

	o := New(Config{InnerStatePath: innerPath, SelfPath: selfPath})
	got := o.Compose(context.Background(), "hi")

	if !strings.Contains(got, "Mood: curious") {
		t.Fatalf("expected mood in block, got %q", got)
	}
	if !strings.Contains(got, "Curious about: rust, lisp, forth") {
		t.Fatalf("expected curious_about truncated to 3, got %q", got)
	}
	if strings.Contains(got, "Should not appear") {
		t.Fatalf("expected third section excluded, got %q", got)
	}
}

func TestFetchDashboard_SoftFailOnNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	o := New(Config{DashboardURL: srv.URL})
	got := o.fetchDashboard(context.Background(), "weather in paris")
	if got != "" {
		t.Fatalf("expected empty result on dashboard failure, got %q", got)
	}
}

func TestRenderExplorations_ScoresByTokenAndTopic(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.md"), []byte("---\ntopic: weather patterns\n---\nnothing relevant here"), 0o644)
	os.WriteFile(filepath.Join(dir, "b.md"), []byte("---\ntopic: cooking\n---\ndiscussion of weather and clouds"), 0o644)

	o := New(Config{ExplorationsDir: dir})
	got := o.renderExplorations("tell me about the weather")
	if !strings.Contains(got, "weather patterns") && !strings.Contains(got, "clouds") {
		t.Fatalf("expected at least one scored exploration, got %q", got)
	}
}
