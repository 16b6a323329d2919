package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"evlogai/internal/config"
	"evlogai/internal/model"
)

const maxAckBody = 4 * 1024

// AckKind classifies the synchronous response to a dispatch.
type AckKind int

const (
	Accepted AckKind = iota
	Rejected
	TimedOut
	Unreachable
)

func (k AckKind) String() string {
	switch k {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case TimedOut:
		return "timed_out"
	default:
		return "unreachable"
	}
}

// AckResult is the outcome of one dispatch.
type AckResult struct {
	Kind       AckKind
	Endpoint   string
	StatusCode int    // set for Accepted and Rejected
	Body       string // response body of a Rejected dispatch, capped at 4 KiB
	Detail     string // transport error text for TimedOut and Unreachable
}

// Err returns nil for Accepted and a *model.DispatchError otherwise.
func (a AckResult) Err() error {
	if a.Kind == Accepted {
		return nil
	}
	e := &model.DispatchError{Endpoint: a.Endpoint, StatusCode: a.StatusCode, Detail: a.Detail}
	switch a.Kind {
	case Rejected:
		e.Kind = model.DispatchRejected
		e.Detail = a.Body
	case TimedOut:
		e.Kind = model.DispatchTimedOut
	default:
		e.Kind = model.DispatchUnreachable
	}
	return e
}

type Client struct {
	http   *http.Client
	cfg    config.DispatchConfig
	logger arbor.ILogger
}

// NewClient builds HTTP client honoring proxy env. Timeouts are applied per
// request so one client serves any endpoint.
func NewClient(cfg config.DispatchConfig, logger arbor.ILogger) *Client {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &Client{
		http:   &http.Client{Transport: tr},
		cfg:    cfg,
		logger: logger,
	}
}

// CloseIdleConnections releases pooled connections to the endpoint.
func (c *Client) CloseIdleConnections() {
	c.http.CloseIdleConnections()
}

// Send posts job to the configured endpoint.
func (c *Client) Send(ctx context.Context, job model.Job) AckResult {
	return c.SendTo(ctx, job, c.cfg.Endpoint, c.cfg.DispatchTimeout())
}

// SendTo posts job to endpoint once. It blocks for at most timeout and never retries.
func (c *Client) SendTo(ctx context.Context, job model.Job, endpoint string, timeout time.Duration) AckResult {
	res := c.send(ctx, job, endpoint, timeout)
	res.Endpoint = endpoint

	ev := c.logger.Info()
	if res.Kind != Accepted {
		ev = c.logger.Warn()
	}
	ev.Str("job_id", job.ID).
		Str("endpoint", endpoint).
		Str("ack", res.Kind.String()).
		Int("status", res.StatusCode).
		Int("records", len(job.Records)).
		Msg("Dispatch finished")
	return res
}

func (c *Client) send(ctx context.Context, job model.Job, endpoint string, timeout time.Duration) AckResult {
	body, err := json.Marshal(NewPayload(job))
	if err != nil {
		return AckResult{Kind: Unreachable, Detail: fmt.Sprintf("marshal payload: %v", err)}
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return AckResult{Kind: Unreachable, Detail: err.Error()}
	}
	hreq.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		hreq.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(hreq)
	if err != nil {
		if isTimeout(ctx, err) {
			return AckResult{Kind: TimedOut, Detail: err.Error()}
		}
		return AckResult{Kind: Unreachable, Detail: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxAckBody))
		return AckResult{Kind: Accepted, StatusCode: resp.StatusCode}
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxAckBody))
	return AckResult{Kind: Rejected, StatusCode: resp.StatusCode, Body: string(data)}
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
