package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"codegate/activation/internal/config"
	"codegate/activation/internal/metrics"
)

const maxUpstreamBody = 8 << 20

// UpstreamResponse is the relayed answer of the generation endpoint.
type UpstreamResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
	KeyIndex    int
}

type GenerationService interface {
	Generate(ctx context.Context, body []byte) (*UpstreamResponse, error)
}

type generationService struct {
	rotator     *KeyRotator
	client      *http.Client
	endpoint    string
	maxAttempts int
	logger      *zap.Logger
}

func NewGenerationService(rotator *KeyRotator, cfg config.UpstreamConfig, logger *zap.Logger) (GenerationService, error) {
	return newGenerationService(rotator, &http.Client{Timeout: cfg.Timeout}, cfg, logger)
}

func newGenerationService(rotator *KeyRotator, client *http.Client, cfg config.UpstreamConfig, logger *zap.Logger) (*generationService, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base url: %w", err)
	}
	base.Path = strings.TrimSuffix(base.Path, "/") + "/models/" + cfg.Model + ":generateContent"

	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return &generationService{
		rotator:     rotator,
		client:      client,
		endpoint:    base.String(),
		maxAttempts: attempts,
		logger:      logger,
	}, nil
}

// Generate forwards body with a rotator key, moving to the next key when the
// upstream rejects the key or fails. The last upstream answer is returned once
// attempts run out.
func (s *generationService) Generate(ctx context.Context, body []byte) (*UpstreamResponse, error) {
	var (
		last    *UpstreamResponse
		lastErr error
	)
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		cred, err := s.rotator.Select()
		if err != nil {
			return nil, err
		}

		start := time.Now()
		resp, err := s.call(ctx, cred, body)
		elapsed := time.Since(start)

		if err != nil {
			s.rotator.ReportFailure(cred)
			metrics.UpstreamDuration.WithLabelValues("error").Observe(elapsed.Seconds())
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", ErrUpstreamFailed, ctx.Err())
			}
			s.logger.Warn("upstream call failed",
				zap.Int("key_index", cred.Index), zap.Int("attempt", attempt+1), zap.Error(err))
			lastErr = err
			continue
		}

		if keyFailure(resp.StatusCode) {
			s.rotator.ReportFailure(cred)
			metrics.UpstreamDuration.WithLabelValues("failure").Observe(elapsed.Seconds())
			s.logger.Warn("upstream rejected request",
				zap.Int("key_index", cred.Index), zap.Int("attempt", attempt+1), zap.Int("status", resp.StatusCode))
			last = resp
			continue
		}

		s.rotator.ReportSuccess(cred, elapsed)
		metrics.UpstreamDuration.WithLabelValues("success").Observe(elapsed.Seconds())
		return resp, nil
	}

	if last != nil {
		return last, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUpstreamFailed, lastErr)
}

func (s *generationService) call(ctx context.Context, cred Credential, body []byte) (*UpstreamResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", cred.Key)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return nil, err
	}
	return &UpstreamResponse{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        data,
		KeyIndex:    cred.Index,
	}, nil
}

// keyFailure marks answers that say something about the key or the provider,
// not about the request body.
func keyFailure(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return status >= http.StatusInternalServerError
}
