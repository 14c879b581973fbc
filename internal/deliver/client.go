// ABOUTME: Constructs the production SSRF-safe HTTP client for webhook delivery.
// ABOUTME: Uses doyensec/safeurl with redirect following disabled.
package deliver

import (
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
)

// NewSafeClient returns an SSRF-safe *http.Client for production webhook
// delivery: private and loopback address ranges are rejected and redirects
// are not followed, so a target cannot bounce the worker onto internal
// infrastructure.
func NewSafeClient(timeout time.Duration) *http.Client {
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetCheckRedirect(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}).
		Build()
	return safeurl.Client(cfg).Client
}
