package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"

	"vision-api/internal/config"
	"vision-api/internal/logger"
	"vision-api/internal/pkg/errors"
)

const maxImagesPerRequest = 10

type AnalyzeOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"maxTokens,omitempty"`
}

// AnalyzeRequest is the body of the protected action.
type AnalyzeRequest struct {
	Prompt  string         `json:"prompt"`
	Images  []string       `json:"images"`
	Options AnalyzeOptions `json:"options"`
}

func (r *AnalyzeRequest) Validate() error {
	if len(r.Images) == 0 {
		return errors.Wrap(errors.ErrValidation, "no images provided")
	}
	if len(r.Images) > maxImagesPerRequest {
		return errors.Wrap(errors.ErrValidation, fmt.Sprintf("at most %d images are allowed", maxImagesPerRequest))
	}
	for _, image := range r.Images {
		if strings.TrimSpace(image) == "" {
			return errors.Wrap(errors.ErrValidation, "image must not be empty")
		}
	}
	if r.Options.MaxTokens < 0 {
		return errors.Wrap(errors.ErrValidation, "maxTokens must not be negative")
	}
	return nil
}

// InferenceService opens a streamed completion against the vision model.
// The caller owns the returned body and must close it.
type InferenceService interface {
	Stream(ctx context.Context, req AnalyzeRequest) (io.ReadCloser, error)
}

type chatContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type inferenceService struct {
	cfg        config.InferenceConfig
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[io.ReadCloser]
}

func NewInferenceService(cfg config.InferenceConfig, httpClient *http.Client) InferenceService {
	if httpClient == nil {
		// No client timeout: streams are bounded by the relay.
		httpClient = &http.Client{}
	}
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}

	settings := gobreaker.Settings{
		Name:        "inference",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// Rejected input says nothing about upstream health.
			return err == nil || errors.Is(err, errors.ErrValidation)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.LogEvent(logrus.WarnLevel, "Circuit breaker state changed", logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	}

	return &inferenceService{
		cfg:        cfg,
		httpClient: httpClient,
		breaker:    gobreaker.NewCircuitBreaker[io.ReadCloser](settings),
	}
}

func (s *inferenceService) Stream(ctx context.Context, req AnalyzeRequest) (io.ReadCloser, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	body, err := s.breaker.Execute(func() (io.ReadCloser, error) {
		return s.open(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errors.Join(errors.ErrUpstreamFailure, err)
		}
		return nil, err
	}
	return body, nil
}

func (s *inferenceService) open(ctx context.Context, req AnalyzeRequest) (io.ReadCloser, error) {
	jsonBody, err := json.Marshal(s.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal inference request: %v", err)
	}

	url := strings.TrimRight(s.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create inference request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	// Self-hosted OpenAI-compatible servers often run without a key.
	if s.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Join(errors.ErrUpstreamFailure, err)
	}

	if err := mapHTTPError(resp); err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (s *inferenceService) buildRequest(req AnalyzeRequest) chatRequest {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		prompt = s.cfg.DefaultPrompt
	}

	parts := make([]chatContentPart, 0, len(req.Images)+1)
	parts = append(parts, chatContentPart{Type: "text", Text: prompt})
	for _, image := range req.Images {
		parts = append(parts, chatContentPart{
			Type:     "image_url",
			ImageURL: &chatImageURL{URL: image},
		})
	}

	return chatRequest{
		Model: s.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: s.cfg.SystemPrompt},
			{Role: "user", Content: parts},
		},
		Stream:      true,
		Temperature: req.Options.Temperature,
		MaxTokens:   req.Options.MaxTokens,
	}
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	resp.Body.Close()

	logger.LogEvent(logrus.WarnLevel, "Inference upstream returned an error", logrus.Fields{
		"status": resp.StatusCode,
		"body":   string(body),
	})

	if resp.StatusCode == http.StatusBadRequest {
		return errors.Wrap(errors.ErrValidation, "the model rejected the request")
	}
	return errors.Join(errors.ErrUpstreamFailure, fmt.Errorf("upstream status %d", resp.StatusCode))
}
