package submit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("submission rejected: status %d", e.Code)
	}
	return fmt.Sprintf("submission rejected: status %d: %s", e.Code, e.Body)
}

// HTTPConfig configures the backend endpoint.
type HTTPConfig struct {
	URL     string
	Timeout time.Duration
	Headers map[string]string
}

// HTTPEndpoint POSTs records as JSON.
type HTTPEndpoint struct {
	client *resty.Client
	url    string
	logger *zap.Logger
}

// NewHTTPEndpoint creates an endpoint. Retries are left to the operator.
func NewHTTPEndpoint(cfg HTTPConfig, logger *zap.Logger) *HTTPEndpoint {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	for k, v := range cfg.Headers {
		client.SetHeader(k, v)
	}

	return &HTTPEndpoint{
		client: client,
		url:    cfg.URL,
		logger: logger,
	}
}

// Submit implements Endpoint.
func (e *HTTPEndpoint) Submit(ctx context.Context, rec Record) error {
	req := e.client.R().
		SetContext(ctx).
		SetBody(rec)
	if rec.FlowID != "" {
		req.SetHeader("X-Request-ID", rec.FlowID)
	}

	resp, err := req.Post(e.url)
	if err != nil {
		e.logger.Error("submission request failed",
			zap.String("flow_id", rec.FlowID),
			zap.Error(err),
		)
		return fmt.Errorf("post record: %w", err)
	}

	if !resp.IsSuccess() {
		e.logger.Warn("submission rejected",
			zap.String("flow_id", rec.FlowID),
			zap.Int("status_code", resp.StatusCode()),
		)
		return &StatusError{Code: resp.StatusCode(), Body: truncate(resp.String(), 256)}
	}

	e.logger.Info("record submitted",
		zap.String("flow_id", rec.FlowID),
		zap.String("subject_id", rec.SubjectID),
		zap.Int("status_code", resp.StatusCode()),
	)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
