// Package client builds the shared outbound HTTP clients used to reach
// the upstream Anthropic Messages API and the analysis worker's LLM.
package client

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"

	"github.com/claude-nexus/proxy/common/config"
	"github.com/claude-nexus/proxy/common/logger"
)

// UpstreamHTTPClient is used for proxied calls to the configured Anthropic base URL.
var UpstreamHTTPClient *http.Client

// ImpatientHTTPClient is a short-timeout client for OAuth refresh calls and the analysis worker's LLM calls.
var ImpatientHTTPClient *http.Client

// Init builds the shared HTTP clients with proxy and timeout settings derived from configuration.
func Init() {
	createTransport := func(proxyURL *url.URL) *http.Transport {
		transport := &http.Transport{
			// Disabling HTTP/2 avoids stream-reset churn against some
			// reverse proxies sitting in front of the upstream.
			TLSNextProto: make(map[string]func(authority string, c *tls.Conn) http.RoundTripper),
		}
		if proxyURL != nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
		return transport
	}

	var transport http.RoundTripper
	if config.RelayProxy != "" {
		logger.Logger.Info("using upstream relay proxy", zap.String("proxy", config.RelayProxy))
		proxyURL, err := url.Parse(config.RelayProxy)
		if err != nil {
			logger.Logger.Fatal(fmt.Sprintf("RELAY_PROXY set but invalid: %s", config.RelayProxy))
		}
		transport = createTransport(proxyURL)
	} else {
		transport = createTransport(nil)
	}

	if config.RelayTimeout == 0 {
		UpstreamHTTPClient = &http.Client{Transport: transport}
	} else {
		UpstreamHTTPClient = &http.Client{
			Timeout:   time.Duration(config.RelayTimeout) * time.Second,
			Transport: transport,
		}
	}

	ImpatientHTTPClient = &http.Client{
		Timeout:   10 * time.Second,
		Transport: transport,
	}
}

// ParseBaseURL validates a configured base URL at startup, the same
// fail-fast-on-bad-config discipline the teacher applies to its proxy URLs.
func ParseBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "parse base url: %s", raw)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.Errorf("base url missing scheme/host: %s", raw)
	}
	return u, nil
}
