package embed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newOllamaServer(t *testing.T, handler http.HandlerFunc) *Ollama {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOllama(srv.URL, "nomic-embed-text")
}

func TestEmbed(t *testing.T) {
	c := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.Model != "nomic-embed-text" || req.Input != "hello" {
			t.Errorf("request = %+v", req)
		}
		json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{0.1, 0.2, 0.3}}})
	})

	vec, err := c.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 || vec[0] != 0.1 {
		t.Errorf("vec = %v", vec)
	}
}

func TestEmbedErrors(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		c := newOllamaServer(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})
		if _, err := c.Embed(context.Background(), "x"); err == nil {
			t.Error("500 response accepted")
		}
	})

	t.Run("empty embeddings", func(t *testing.T) {
		c := newOllamaServer(t, func(w http.ResponseWriter, _ *http.Request) {
			json.NewEncoder(w).Encode(embedResponse{})
		})
		if _, err := c.Embed(context.Background(), "x"); err == nil {
			t.Error("empty embeddings array accepted")
		}
	})
}

func TestIsRunning(t *testing.T) {
	c := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(tagsResponse{})
	})
	if !c.IsRunning(context.Background()) {
		t.Error("running server reported as down")
	}

	down := NewOllama("http://127.0.0.1:1", "m")
	if down.IsRunning(context.Background()) {
		t.Error("unreachable server reported as running")
	}
}

func TestHasModel(t *testing.T) {
	c := newOllamaServer(t, func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(tagsResponse{Models: []modelEntry{
			{Name: "llama3:8b"},
			{Name: "nomic-embed-text:latest"},
		}})
	})
	if !c.HasModel(context.Background()) {
		t.Error("tag-suffixed model name not matched")
	}

	missing := newOllamaServer(t, func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(tagsResponse{Models: []modelEntry{{Name: "llama3:8b"}}})
	})
	if missing.HasModel(context.Background()) {
		t.Error("absent model reported present")
	}
}

func TestBatch(t *testing.T) {
	c := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{float32(len(req.Input))}}})
	})

	vecs, err := Batch(context.Background(), c, []string{"a", "bb", "ccc"})
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("got %d vectors, want 3", len(vecs))
	}
	// Results must line up with inputs despite concurrent execution.
	for i, want := range []float32{1, 2, 3} {
		if vecs[i][0] != want {
			t.Errorf("vecs[%d] = %v, want [%v]", i, vecs[i], want)
		}
	}
}

type failingBackend struct{}

func (failingBackend) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("down")
}
func (failingBackend) IsRunning(context.Context) bool { return false }
func (failingBackend) Model() string                  { return "none" }

func TestBatchPropagatesError(t *testing.T) {
	if _, err := Batch(context.Background(), failingBackend{}, []string{"a"}); err == nil {
		t.Error("backend error swallowed")
	}
}
