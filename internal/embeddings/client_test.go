package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Akshat74747/argus/internal/faults"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float32
	}{
		{
			name:     "identical",
			a:        []float32{1, 0, 0},
			b:        []float32{1, 0, 0},
			expected: 1.0,
		},
		{
			name:     "orthogonal",
			a:        []float32{1, 0},
			b:        []float32{0, 1},
			expected: 0.0,
		},
		{
			name:     "opposite",
			a:        []float32{1, 1},
			b:        []float32{-1, -1},
			expected: -1.0,
		},
		{
			name:     "mismatched length",
			a:        []float32{1},
			b:        []float32{1, 2},
			expected: 0.0,
		},
		{
			name:     "zero vector",
			a:        []float32{0, 0},
			b:        []float32{1, 1},
			expected: 0.0,
		},
	}

	for _, tc := range tests {
		got := CosineSimilarity(tc.a, tc.b)
		if math.Abs(float64(got-tc.expected)) > 1e-5 {
			t.Errorf("%s: CosineSimilarity = %v, want %v", tc.name, got, tc.expected)
		}
	}
}

func TestTopK(t *testing.T) {
	query := []float32{1, 0}
	vectors := [][]float32{
		{0, 1},      // orthogonal
		{1, 0},      // identical
		{0.9, 0.1},  // close
		{-1, 0},     // opposite
	}

	got := TopK(query, vectors, 2)
	if len(got) != 2 {
		t.Fatalf("TopK returned %d indices, want 2", len(got))
	}
	if got[0] != 1 || got[1] != 2 {
		t.Errorf("TopK = %v, want [1 2]", got)
	}
}

func TestTopKFewerVectorsThanK(t *testing.T) {
	got := TopK([]float32{1}, [][]float32{{1}}, 5)
	if len(got) != 1 {
		t.Errorf("TopK = %v, want one index", got)
	}
}

func TestGenerate(t *testing.T) {
	vec := make([]float32, 8)
	vec[0] = 0.5

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "test-embed" || req.Prompt != "dentist appointment" {
			t.Errorf("request = %+v", req)
		}
		json.NewEncoder(w).Encode(embedResponse{Embedding: vec})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Model: "test-embed", Dimension: 8})
	got, err := c.Generate(context.Background(), "dentist appointment")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(got) != 8 || got[0] != 0.5 {
		t.Errorf("embedding = %v", got)
	}
}

func TestGenerateDimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResponse{Embedding: make([]float32, 4)})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Dimension: 8})
	if _, err := c.Generate(context.Background(), "x"); err == nil {
		t.Error("expected error for wrong dimension")
	}
}

func TestGenerateUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "loading model", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.Generate(context.Background(), "x")

	var ue *faults.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("error = %v, want UpstreamError", err)
	}
	if !ue.Retryable() {
		t.Error("500 should be retryable")
	}
}

func TestDefaults(t *testing.T) {
	c := New(Config{})
	if c.Dimension() != DefaultDimension {
		t.Errorf("dimension = %d, want %d", c.Dimension(), DefaultDimension)
	}
	if c.model != "nomic-embed-text" {
		t.Errorf("model = %q", c.model)
	}
}
