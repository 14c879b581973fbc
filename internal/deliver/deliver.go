// ABOUTME: Outbound webhook delivery: HTTP execution, HMAC signing, and
// ABOUTME: classification of results into success / retryable / permanent.
package deliver

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Result classifies one delivery attempt.
type Result int

const (
	// Success: 2xx response.
	Success Result = iota
	// RetryableFailure: transport errors, timeouts, 408, 429, 5xx.
	RetryableFailure
	// PermanentFailure: any other 4xx — the destination will never accept
	// this payload, regardless of how often it is resent.
	PermanentFailure
)

// Outcome is the attempt result handed back to the worker.
type Outcome struct {
	Result     Result
	StatusCode int // zero when the request never produced a response
	// RetryAfter is the destination's requested delay, from the Retry-After
	// header on 429/503 responses. Zero when absent.
	RetryAfter time.Duration
	// Reason describes the failure for last_error. Empty on success.
	Reason string
}

// Request is one delivery: the job's target plus per-job metadata.
type Request struct {
	Target  string
	Method  string // defaults to POST
	Headers map[string]string
	Payload []byte
}

// Deliverer executes webhook deliveries. Implementations must be safe for
// concurrent use; the worker dispatches many deliveries in parallel.
type Deliverer interface {
	Deliver(ctx context.Context, req Request) Outcome
}

// deniedHeaders are per-job header keys callers must not override.
var deniedHeaders = map[string]bool{
	"host":                  true,
	"content-type":          true,
	"content-length":        true,
	"transfer-encoding":     true,
	"connection":            true,
	"x-hookrelay-timestamp": true,
	"x-hookrelay-signature": true,
}

// HTTPDeliverer delivers webhooks over an injected *http.Client. Construct
// the client once at startup (production: the safeurl-wrapped client from
// NewSafeClient; tests: a plain client, since safeurl blocks loopback).
type HTTPDeliverer struct {
	client *http.Client
	// signingSecret, when non-empty, adds HMAC-SHA256 signature headers over
	// "timestamp.body" so receivers can authenticate the sender.
	signingSecret string
	timeout       time.Duration
}

// NewHTTPDeliverer creates an HTTPDeliverer. timeout bounds each attempt;
// signingSecret may be empty to disable signing.
func NewHTTPDeliverer(client *http.Client, timeout time.Duration, signingSecret string) *HTTPDeliverer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPDeliverer{client: client, signingSecret: signingSecret, timeout: timeout}
}

// Deliver posts req.Payload to req.Target and classifies the response.
// The response body is drained and discarded to allow connection reuse.
func (d *HTTPDeliverer) Deliver(ctx context.Context, req Request) Outcome {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.Target, bytes.NewReader(req.Payload))
	if err != nil {
		// A target that cannot even form a request will never deliver.
		return Outcome{Result: PermanentFailure, Reason: fmt.Sprintf("build request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	for k, v := range req.Headers {
		if !deniedHeaders[strings.ToLower(k)] {
			httpReq.Header.Set(k, v)
		}
	}

	if d.signingSecret != "" {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		mac := hmac.New(sha256.New, []byte(d.signingSecret))
		mac.Write([]byte(ts + "."))
		mac.Write(req.Payload)
		httpReq.Header.Set("X-HookRelay-Timestamp", ts)
		httpReq.Header.Set("X-HookRelay-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		// Transport-level errors (DNS, refused connections, timeouts) are
		// all retryable; the destination may simply be down.
		return Outcome{Result: RetryableFailure, Reason: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close() //nolint:errcheck
	// Cap at 4 KiB; webhook receivers should not send meaningful bodies.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck

	return classify(resp)
}

// classify maps a received HTTP response to an Outcome.
func classify(resp *http.Response) Outcome {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return Outcome{Result: Success, StatusCode: code}
	case code == http.StatusRequestTimeout,
		code == http.StatusTooManyRequests,
		code >= 500:
		return Outcome{
			Result:     RetryableFailure,
			StatusCode: code,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Reason:     fmt.Sprintf("received status %d", code),
		}
	default:
		return Outcome{
			Result:     PermanentFailure,
			StatusCode: code,
			Reason:     fmt.Sprintf("received status %d", code),
		}
	}
}

// parseRetryAfter handles both forms of the header: delay-seconds and
// HTTP-date. Returns zero when absent or unparseable.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
