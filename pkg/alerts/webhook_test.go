package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HatiCode/vigil/pkg/severity"
)

func TestWebhookSink(t *testing.T) {
	var got severity.Record
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	rec := testRecord("web", 3, true, severity.High)
	sink := NewWebhookSink(server.URL, nil, map[string]string{"Authorization": "Bearer t"})
	require.NoError(t, sink.Send(context.Background(), rec))

	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, severity.High, got.Severity)
	assert.True(t, got.Anomalous())
	assert.Equal(t, "Bearer t", auth)
}

func TestWebhookSink_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer server.Close()

	err := NewWebhookSink(server.URL, server.Client(), nil).Send(context.Background(), testRecord("web", 1, true, severity.Low))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
	assert.Contains(t, err.Error(), "nope")
}

func TestWebhookSink_Canceled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, NewWebhookSink(server.URL, nil, nil).Send(ctx, testRecord("web", 1, true, severity.Low)))
}
