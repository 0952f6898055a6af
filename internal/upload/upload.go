// Package upload ships merged coverage reports to an external collector.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/ZackBotkin/SimQLe/internal/coverage"
)

// Payload is the JSON body sent to the collector.
type Payload struct {
	RunID    string          `json:"run_id"`
	RepoURL  string          `json:"repo_url"`
	Commit   string          `json:"commit,omitempty"`
	Report   coverage.Report `json:"report"`
	SentAt   time.Time       `json:"sent_at"`
	Uploader string          `json:"uploader"`
}

// Uploader posts coverage reports over HTTP.
type Uploader struct {
	client  *http.Client
	logger  *slog.Logger
	timeout time.Duration
}

// New returns an Uploader with the given overall timeout.
func New(timeout time.Duration, logger *slog.Logger) *Uploader {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{
		client:  &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
		timeout: timeout,
	}
}

// Send posts the payload to url, reading the bearer token from tokenEnv when
// set. Transient failures and 5xx responses are retried with backoff until
// the uploader's timeout elapses.
func (u *Uploader) Send(ctx context.Context, url, tokenEnv string, payload Payload) error {
	if url == "" {
		return fmt.Errorf("empty upload url")
	}
	payload.SentAt = time.Now().UTC()
	payload.Uploader = "simqle-ci"
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	token := ""
	if tokenEnv != "" {
		token = os.Getenv(tokenEnv)
		if token == "" {
			u.logger.Warn("upload token variable is empty", "var", tokenEnv)
		}
	}

	backoff := retry.WithMaxDuration(u.timeout, retry.NewExponential(time.Second))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := u.post(ctx, url, token, body); err != nil {
			u.logger.Warn("coverage upload attempt failed", "url", url, "error", err)
			return err
		}
		return nil
	})
}

func (u *Uploader) post(ctx context.Context, url, token string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return retry.RetryableError(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return retry.RetryableError(fmt.Errorf("collector returned %s", resp.Status))
	default:
		// 4xx will not improve on retry.
		return fmt.Errorf("collector rejected upload: %s", resp.Status)
	}
}
