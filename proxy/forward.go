package proxy

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/Laisky/errors/v2"

	"github.com/claude-nexus/proxy/common/config"
)

// hopByHopHeaders must not be forwarded verbatim in either direction
// (RFC 7230 §6.1), and the client's own Authorization header is always
// replaced by the resolved upstream credential.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailers":            true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Authorization":       true,
	"Host":                true,
	"Content-Length":      true,
}

// buildUpstreamRequest prepares the outbound call to the configured
// Anthropic base URL, substituting the domain's credential for the
// caller's own Authorization header (spec.md §6).
func buildUpstreamRequest(ctx context.Context, method, path string, clientHeaders http.Header, body []byte, accessToken string) (*http.Request, error) {
	url := strings.TrimRight(config.AnthropicBaseURL, "/") + path

	req, err := http.NewRequestWithContext(ctx, method, url, strings.NewReader(string(body)))
	if err != nil {
		return nil, errors.Wrap(err, "build upstream request")
	}

	for k, values := range clientHeaders {
		if hopByHopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("anthropic-version", config.AnthropicVersion)
	req.Header.Set("Content-Type", "application/json")
	req.ContentLength = int64(len(body))

	return req, nil
}

// copyResponseHeaders copies non-hop-by-hop headers from an upstream
// response onto the client-facing writer (spec.md §6).
func copyResponseHeaders(dst http.Header, src http.Header) {
	for k, values := range src {
		if hopByHopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}

// flushWriter wraps an http.ResponseWriter so every Write is flushed
// immediately, keeping SSE passthrough responsive (spec.md §5).
type flushWriter struct {
	w http.ResponseWriter
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if f, ok := fw.w.(http.Flusher); ok {
		f.Flush()
	}
	return n, err
}

var _ io.Writer = flushWriter{}
