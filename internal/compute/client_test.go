package compute

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmacedo/galton/internal/model"
)

func testRequest() Request {
	return Request{
		Data: []map[string]any{
			{"revenue": 120.5, "price": 9.99},
			{"revenue": 98.0, "price": 12.50},
		},
		DependentVar:    "revenue",
		IndependentVars: []string{"price"},
	}
}

func TestRunSuccess(t *testing.T) {
	var received Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"tidy": []map[string]any{
				{"term": "price", "estimate": -2.1, "p.value": 0.003},
			},
			"glance": map[string]any{"r.squared": 0.87},
		})
	}))
	defer server.Close()

	client := NewClient()
	results, err := client.Run(context.Background(), server.URL, testRequest())
	require.NoError(t, err)

	assert.Equal(t, "revenue", received.DependentVar)
	assert.Len(t, received.Data, 2)

	// The payload passes through verbatim.
	assert.Contains(t, results, "tidy")
	assert.Contains(t, results, "glance")
	glance, ok := results["glance"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 0.87, glance["r.squared"])
}

func TestRunStructuredError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Workers report model failures with a 200 and an error payload.
		json.NewEncoder(w).Encode(map[string]any{
			"error":   "singular matrix",
			"message": "independent variables are collinear",
		})
	}))
	defer server.Close()

	client := NewClient()
	_, err := client.Run(context.Background(), server.URL, testRequest())
	require.Error(t, err)

	failure := AsFailure(err)
	assert.Equal(t, model.FailureCompute, failure.Kind)
	assert.Contains(t, failure.Message, "singular matrix")
	assert.Contains(t, failure.Message, "collinear")
}

func TestRunStructuredErrorOnNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]any{"error": "fit failed"})
	}))
	defer server.Close()

	client := NewClient()
	_, err := client.Run(context.Background(), server.URL, testRequest())
	require.Error(t, err)
	assert.Equal(t, model.FailureCompute, AsFailure(err).Kind)
}

func TestRunNon2xxWithoutError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(map[string]any{"detail": "upstream hiccup"})
	}))
	defer server.Close()

	client := NewClient()
	_, err := client.Run(context.Background(), server.URL, testRequest())
	require.Error(t, err)

	failure := AsFailure(err)
	assert.Equal(t, model.FailureUnexpectedResponse, failure.Kind)
	assert.Contains(t, failure.Message, "502")
}

func TestRunUndecodableBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	}))
	defer server.Close()

	client := NewClient()
	_, err := client.Run(context.Background(), server.URL, testRequest())
	require.Error(t, err)
	assert.Equal(t, model.FailureUnexpectedResponse, AsFailure(err).Kind)
}

func TestRunMissingResultShape(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 200 with neither tidy nor glance is not a usable result.
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer server.Close()

	client := NewClient()
	_, err := client.Run(context.Background(), server.URL, testRequest())
	require.Error(t, err)
	assert.Equal(t, model.FailureUnexpectedResponse, AsFailure(err).Kind)
}

func TestRunTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	client := NewClient()
	_, err := client.Run(ctx, server.URL, testRequest())
	require.Error(t, err)
	assert.Equal(t, model.FailureTimeout, AsFailure(err).Kind)
}

func TestRunUnreachableWorker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client := NewClient()
	_, err := client.Run(context.Background(), server.URL, testRequest())
	require.Error(t, err)
	assert.Equal(t, model.FailureUnavailable, AsFailure(err).Kind)
}

func TestAsFailureWrapsUnclassified(t *testing.T) {
	failure := AsFailure(assert.AnError)
	assert.Equal(t, model.FailureUnexpectedResponse, failure.Kind)
	assert.Contains(t, failure.Message, assert.AnError.Error())
}
