package services

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vision-api/internal/config"
	"vision-api/internal/pkg/errors"
)

func newInferenceConfig(baseURL string) config.InferenceConfig {
	return config.InferenceConfig{
		BaseURL:          baseURL,
		APIKey:           "test-key",
		Model:            "vision-model",
		SystemPrompt:     "You analyze images.",
		DefaultPrompt:    "Describe the layout.",
		FailureThreshold: 2,
		OpenTimeout:      time.Minute,
	}
}

func TestInference_BuildsVisionRequest(t *testing.T) {
	received := make(chan chatRequest, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req chatRequest
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &req))
		received <- req

		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, completeStream)
	}))
	defer server.Close()

	svc := NewInferenceService(newInferenceConfig(server.URL+"/"), server.Client())
	temperature := 0.2
	stream, err := svc.Stream(context.Background(), AnalyzeRequest{
		Prompt:  "Build this page",
		Images:  []string{"data:image/png;base64,AAA", "https://example.com/b.png"},
		Options: AnalyzeOptions{Temperature: &temperature, MaxTokens: 256},
	})
	require.NoError(t, err)
	defer stream.Close()

	body, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, completeStream, string(body))

	got := <-received
	assert.Equal(t, "vision-model", got.Model)
	assert.True(t, got.Stream)
	assert.Equal(t, 256, got.MaxTokens)
	require.NotNil(t, got.Temperature)
	assert.Equal(t, 0.2, *got.Temperature)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "You analyze images.", got.Messages[0].Content)

	parts, ok := got.Messages[1].Content.([]interface{})
	require.True(t, ok)
	require.Len(t, parts, 3)
	text := parts[0].(map[string]interface{})
	assert.Equal(t, "text", text["type"])
	assert.Equal(t, "Build this page", text["text"])
	image := parts[2].(map[string]interface{})
	assert.Equal(t, "image_url", image["type"])
	assert.Equal(t, "https://example.com/b.png", image["image_url"].(map[string]interface{})["url"])
}

func TestInference_OmitsAuthorizationWithoutKey(t *testing.T) {
	authorization := make(chan []string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authorization <- r.Header.Values("Authorization")
		io.WriteString(w, completeStream)
	}))
	defer server.Close()

	cfg := newInferenceConfig(server.URL)
	cfg.APIKey = ""
	stream, err := NewInferenceService(cfg, server.Client()).Stream(context.Background(), AnalyzeRequest{
		Images: []string{"https://example.com/a.png"},
	})
	require.NoError(t, err)
	stream.Close()

	assert.Empty(t, <-authorization)
}

func TestInference_DefaultPrompt(t *testing.T) {
	svc := NewInferenceService(newInferenceConfig("http://unused"), nil).(*inferenceService)

	req := svc.buildRequest(AnalyzeRequest{Images: []string{"img"}})
	parts := req.Messages[1].Content.([]chatContentPart)
	assert.Equal(t, "Describe the layout.", parts[0].Text)
}

func TestInference_RejectsRequestWithoutImages(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer server.Close()

	svc := NewInferenceService(newInferenceConfig(server.URL), server.Client())
	_, err := svc.Stream(context.Background(), AnalyzeRequest{Prompt: "hi"})

	assert.ErrorIs(t, err, errors.ErrValidation)
	assert.Equal(t, int32(0), atomic.LoadInt32(&hits))
}

func TestInference_MapsUpstreamStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"bad request", http.StatusBadRequest, errors.ErrValidation},
		{"unauthorized", http.StatusUnauthorized, errors.ErrUpstreamFailure},
		{"rate limited", http.StatusTooManyRequests, errors.ErrUpstreamFailure},
		{"server error", http.StatusBadGateway, errors.ErrUpstreamFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"error":"nope"}`, tt.status)
			}))
			defer server.Close()

			svc := NewInferenceService(newInferenceConfig(server.URL), server.Client())
			_, err := svc.Stream(context.Background(), AnalyzeRequest{Images: []string{"img"}})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestInference_BreakerOpensAfterFailures(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	svc := NewInferenceService(newInferenceConfig(server.URL), server.Client())
	req := AnalyzeRequest{Images: []string{"img"}}

	for i := 0; i < 2; i++ {
		_, err := svc.Stream(context.Background(), req)
		assert.ErrorIs(t, err, errors.ErrUpstreamFailure)
	}

	_, err := svc.Stream(context.Background(), req)
	assert.ErrorIs(t, err, errors.ErrUpstreamFailure)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits), "open breaker must not reach upstream")
}

func TestInference_ValidationErrorsDoNotTripBreaker(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		io.WriteString(w, completeStream)
	}))
	defer server.Close()

	svc := NewInferenceService(newInferenceConfig(server.URL), server.Client())
	req := AnalyzeRequest{Images: []string{"img"}}

	for i := 0; i < 5; i++ {
		_, err := svc.Stream(context.Background(), req)
		assert.ErrorIs(t, err, errors.ErrValidation)
	}

	fail.Store(false)
	stream, err := svc.Stream(context.Background(), req)
	require.NoError(t, err)
	stream.Close()
}
