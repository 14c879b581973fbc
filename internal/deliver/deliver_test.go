// ABOUTME: Tests for outbound delivery: classification matrix, HMAC signing,
// ABOUTME: Retry-After parsing, header denylist, body drain.
package deliver_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookrelay/hookrelay/internal/deliver"
)

func plainClient() *http.Client {
	// In tests use a plain http.Client (safeurl blocks loopback addresses
	// used by httptest).
	return &http.Client{
		Timeout: 5 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func TestDeliver_SuccessOn2xx(t *testing.T) {
	var gotMethod, gotContentType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := deliver.NewHTTPDeliverer(plainClient(), 5*time.Second, "")
	out := d.Deliver(context.Background(), deliver.Request{
		Target:  srv.URL,
		Payload: []byte(`{"event":"signup"}`),
	})

	assert.Equal(t, deliver.Success, out.Result)
	assert.Equal(t, http.StatusOK, out.StatusCode)
	assert.Empty(t, out.Reason)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "application/json", gotContentType)
	assert.JSONEq(t, `{"event":"signup"}`, string(gotBody))
}

func TestDeliver_ClassificationMatrix(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   deliver.Result
	}{
		{"200 ok", http.StatusOK, deliver.Success},
		{"204 no content", http.StatusNoContent, deliver.Success},
		{"400 bad request", http.StatusBadRequest, deliver.PermanentFailure},
		{"404 not found", http.StatusNotFound, deliver.PermanentFailure},
		{"408 request timeout", http.StatusRequestTimeout, deliver.RetryableFailure},
		{"410 gone", http.StatusGone, deliver.PermanentFailure},
		{"429 too many requests", http.StatusTooManyRequests, deliver.RetryableFailure},
		{"500 internal error", http.StatusInternalServerError, deliver.RetryableFailure},
		{"503 unavailable", http.StatusServiceUnavailable, deliver.RetryableFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			d := deliver.NewHTTPDeliverer(plainClient(), 5*time.Second, "")
			out := d.Deliver(context.Background(), deliver.Request{
				Target:  srv.URL,
				Payload: []byte(`{}`),
			})
			assert.Equal(t, tt.want, out.Result)
			assert.Equal(t, tt.status, out.StatusCode)
		})
	}
}

func TestDeliver_ConnectionErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	srv.Close() // nothing listening anymore

	d := deliver.NewHTTPDeliverer(plainClient(), 5*time.Second, "")
	out := d.Deliver(context.Background(), deliver.Request{
		Target:  srv.URL,
		Payload: []byte(`{}`),
	})

	assert.Equal(t, deliver.RetryableFailure, out.Result)
	assert.Zero(t, out.StatusCode)
	assert.NotEmpty(t, out.Reason)
}

func TestDeliver_TimeoutIsRetryable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(release)

	d := deliver.NewHTTPDeliverer(plainClient(), 100*time.Millisecond, "")
	out := d.Deliver(context.Background(), deliver.Request{
		Target:  srv.URL,
		Payload: []byte(`{}`),
	})

	assert.Equal(t, deliver.RetryableFailure, out.Result)
}

func TestDeliver_RetryAfterSeconds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "42")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	d := deliver.NewHTTPDeliverer(plainClient(), 5*time.Second, "")
	out := d.Deliver(context.Background(), deliver.Request{
		Target:  srv.URL,
		Payload: []byte(`{}`),
	})

	assert.Equal(t, deliver.RetryableFailure, out.Result)
	assert.Equal(t, 42*time.Second, out.RetryAfter)
}

func TestDeliver_RetryAfterHTTPDate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", time.Now().Add(90*time.Second).UTC().Format(http.TimeFormat))
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := deliver.NewHTTPDeliverer(plainClient(), 5*time.Second, "")
	out := d.Deliver(context.Background(), deliver.Request{
		Target:  srv.URL,
		Payload: []byte(`{}`),
	})

	assert.Greater(t, out.RetryAfter, 80*time.Second)
	assert.LessOrEqual(t, out.RetryAfter, 90*time.Second)
}

func TestDeliver_HMACHeadersCorrect(t *testing.T) {
	var gotTS, gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTS = r.Header.Get("X-HookRelay-Timestamp")
		gotSig = r.Header.Get("X-HookRelay-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	payload := []byte(`{"event":"invoice.paid"}`)
	secret := "0123456789abcdef0123456789abcdef"

	d := deliver.NewHTTPDeliverer(plainClient(), 5*time.Second, secret)
	out := d.Deliver(context.Background(), deliver.Request{Target: srv.URL, Payload: payload})
	require.Equal(t, deliver.Success, out.Result)

	require.NotEmpty(t, gotTS)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(gotTS + "." + string(gotBody)))
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	assert.Equal(t, expected, gotSig)
}

func TestDeliver_CustomHeadersAppliedAndDenylistEnforced(t *testing.T) {
	var gotCustom, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCustom = r.Header.Get("X-Event-Kind")
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := deliver.NewHTTPDeliverer(plainClient(), 5*time.Second, "")
	out := d.Deliver(context.Background(), deliver.Request{
		Target: srv.URL,
		Headers: map[string]string{
			"X-Event-Kind": "signup",
			"Content-Type": "text/plain", // denied: must not override
		},
		Payload: []byte(`{}`),
	})

	require.Equal(t, deliver.Success, out.Result)
	assert.Equal(t, "signup", gotCustom)
	assert.Equal(t, "application/json", gotContentType)
}

func TestDeliver_CustomMethod(t *testing.T) {
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := deliver.NewHTTPDeliverer(plainClient(), 5*time.Second, "")
	out := d.Deliver(context.Background(), deliver.Request{
		Target:  srv.URL,
		Method:  http.MethodPut,
		Payload: []byte(`{}`),
	})

	require.Equal(t, deliver.Success, out.Result)
	assert.Equal(t, http.MethodPut, gotMethod)
}

func TestDeliver_LargeResponseBodyDrained(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.Copy(w, strings.NewReader(strings.Repeat("x", 1<<20))) //nolint:errcheck
	}))
	defer srv.Close()

	d := deliver.NewHTTPDeliverer(plainClient(), 5*time.Second, "")
	out := d.Deliver(context.Background(), deliver.Request{
		Target:  srv.URL,
		Payload: []byte(`{}`),
	})
	assert.Equal(t, deliver.Success, out.Result)
}
