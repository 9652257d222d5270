package proxy

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/claude-nexus/proxy/common/config"
)

func TestBuildUpstreamRequestStripsHopByHopAndSetsAuth(t *testing.T) {
	config.AnthropicBaseURL = "https://api.anthropic.test"
	config.AnthropicVersion = "2023-06-01"

	clientHeaders := http.Header{}
	clientHeaders.Set("Authorization", "Bearer client-key")
	clientHeaders.Set("Connection", "keep-alive")
	clientHeaders.Set("X-Custom", "keep-me")

	req, err := buildUpstreamRequest(context.Background(), http.MethodPost, "/v1/messages", clientHeaders, []byte(`{}`), "resolved-token")
	require.NoError(t, err)

	require.Equal(t, "Bearer resolved-token", req.Header.Get("Authorization"))
	require.Equal(t, "", req.Header.Get("Connection"))
	require.Equal(t, "keep-me", req.Header.Get("X-Custom"))
	require.Equal(t, "2023-06-01", req.Header.Get("anthropic-version"))
	require.Equal(t, "https://api.anthropic.test/v1/messages", req.URL.String())
}

func TestCopyResponseHeadersSkipsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Set("Content-Type", "application/json")
	src.Set("Transfer-Encoding", "chunked")

	dst := http.Header{}
	copyResponseHeaders(dst, src)

	require.Equal(t, "application/json", dst.Get("Content-Type"))
	require.Equal(t, "", dst.Get("Transfer-Encoding"))
}
