package proxy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/claude-nexus/proxy/common/config"
	"github.com/claude-nexus/proxy/common/ctxkey"
	"github.com/claude-nexus/proxy/credential"
	"github.com/claude-nexus/proxy/model"
)

// fakeExecutor is a no-op linker.Executor: every request becomes a fresh
// conversation root, which is all these transport-level tests need.
type fakeExecutor struct {
	mu       sync.Mutex
	inserted []*model.Request
}

func (f *fakeExecutor) QueryByHash(domain, hash string, systemHash *string, requireSystemHash bool) ([]*model.Request, error) {
	return nil, nil
}
func (f *fakeExecutor) SubtaskCandidates(domain string, windowEndTimestamp time.Time) ([]*model.Request, error) {
	return nil, nil
}
func (f *fakeExecutor) ChildrenOfParent(parentRequestID string) ([]*model.Request, error) {
	return nil, nil
}
func (f *fakeExecutor) CompactCandidates(domain string, limit int) ([]*model.Request, error) {
	return nil, nil
}

func newTestCredentialStore(t *testing.T, dir, domain, apiKey string) *credential.Store {
	t.Helper()
	data, err := json.Marshal(credential.Credential{Type: "api_key", APIKey: apiKey, ClientAPIKey: "client-secret"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, domain+".credentials.json"), data, 0o600))

	store, err := credential.NewStore(dir, http.DefaultClient)
	require.NoError(t, err)
	return store
}

func TestServeMessagesNonStreamingHappyPath(t *testing.T) {
	gin.SetMode(gin.TestMode)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer sk-upstream", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","role":"assistant","model":"claude-x","content":[{"type":"text","text":"hi"}],"stop_reason":"end_turn","usage":{"input_tokens":5,"output_tokens":2}}`))
	}))
	defer upstream.Close()

	config.AnthropicBaseURL = upstream.URL

	dir := t.TempDir()
	store := newTestCredentialStore(t, dir, "example.com", "sk-upstream")
	defer store.Close()

	exec := &fakeExecutor{}
	h := NewHandler(store, exec, http.DefaultClient, nil)

	router := gin.New()
	router.POST("/v1/messages", func(c *gin.Context) {
		c.Set(ctxkey.Domain, "example.com")
		h.ServeMessages(c)
	})

	body := `{"model":"claude-x","max_tokens":100,"messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"id":"msg_1"`)
}

func TestServeMessagesPassesThroughUpstreamError(t *testing.T) {
	gin.SetMode(gin.TestMode)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"type":"rate_limit_error"}}`))
	}))
	defer upstream.Close()

	config.AnthropicBaseURL = upstream.URL

	dir := t.TempDir()
	store := newTestCredentialStore(t, dir, "example.com", "sk-upstream")
	defer store.Close()

	h := NewHandler(store, &fakeExecutor{}, http.DefaultClient, nil)

	router := gin.New()
	router.POST("/v1/messages", func(c *gin.Context) {
		c.Set(ctxkey.Domain, "example.com")
		h.ServeMessages(c)
	})

	body := `{"model":"claude-x","max_tokens":100,"messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Contains(t, rec.Body.String(), "rate_limit_error")
}

func TestServeMessagesStreamingPersistsChunks(t *testing.T) {
	gin.SetMode(gin.TestMode)

	db, err := model.InitTestDB()
	require.NoError(t, err)
	model.DB = db

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for _, event := range []string{
			"event: message_start\ndata: {\"message\":{\"id\":\"msg_1\",\"role\":\"assistant\",\"model\":\"claude-x\",\"usage\":{\"input_tokens\":3}}}\n\n",
			"event: content_block_start\ndata: {\"index\":0,\"content_block\":{\"type\":\"text\",\"text\":\"\"}}\n\n",
			"event: content_block_delta\ndata: {\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"hi\"}}\n\n",
			"event: content_block_stop\ndata: {\"index\":0}\n\n",
			"event: message_delta\ndata: {\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":2}}\n\n",
			"event: message_stop\ndata: {}\n\n",
		} {
			_, _ = w.Write([]byte(event))
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	config.AnthropicBaseURL = upstream.URL

	dir := t.TempDir()
	store := newTestCredentialStore(t, dir, "example.com", "sk-upstream")
	defer store.Close()

	h := NewHandler(store, &fakeExecutor{}, http.DefaultClient, nil)

	router := gin.New()
	router.POST("/v1/messages", func(c *gin.Context) {
		c.Set(ctxkey.Domain, "example.com")
		h.ServeMessages(c)
	})

	body := `{"model":"claude-x","max_tokens":100,"stream":true,"messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "message_stop")

	require.Eventually(t, func() bool {
		var count int64
		require.NoError(t, model.DB.Model(&model.StreamingChunk{}).Count(&count).Error)
		return count == 6
	}, time.Second, 10*time.Millisecond)
}

func TestServeMessagesUnknownDomainReturnsUnauthorized(t *testing.T) {
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	store, err := credential.NewStore(dir, http.DefaultClient)
	require.NoError(t, err)
	defer store.Close()

	h := NewHandler(store, &fakeExecutor{}, http.DefaultClient, nil)

	router := gin.New()
	router.POST("/v1/messages", func(c *gin.Context) {
		c.Set(ctxkey.Domain, "nope.example.com")
		h.ServeMessages(c)
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
