// Package proxy implements C5: the reverse-proxy request pipeline that
// sits between an inbound Anthropic Messages API call and the upstream
// API, wiring together credential resolution, upstream forwarding,
// response capture, and async persistence (spec.md §4.5).
package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v7"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/claude-nexus/proxy/capture"
	"github.com/claude-nexus/proxy/common"
	"github.com/claude-nexus/proxy/common/ctxkey"
	"github.com/claude-nexus/proxy/common/logger"
	"github.com/claude-nexus/proxy/common/metrics"
	"github.com/claude-nexus/proxy/credential"
	"github.com/claude-nexus/proxy/linker"
	"github.com/claude-nexus/proxy/model"
)

// Handler wires the credential store, conversation-linking executor, and
// upstream HTTP client into the gin handler that serves /v1/messages.
type Handler struct {
	Credentials *credential.Store
	Store       linker.Executor
	HTTPClient  *http.Client
	Recorder    metrics.MetricsRecorder
}

// pendingPersist bundles everything the async persistence goroutine needs,
// including any streaming chunks captured along the way (spec.md §4.4 step 4).
type pendingPersist struct {
	reqRow      *model.Request
	body        map[string]any
	requestType model.RequestType
	chunks      []*model.StreamingChunk
}

// NewHandler constructs a Handler. recorder may be nil, in which case a
// no-op recorder is used.
func NewHandler(store *credential.Store, exec linker.Executor, httpClient *http.Client, recorder metrics.MetricsRecorder) *Handler {
	if recorder == nil {
		recorder = &metrics.NoOpRecorder{}
	}
	return &Handler{
		Credentials: store,
		Store:       exec,
		HTTPClient:  httpClient,
		Recorder:    recorder,
	}
}

// ServeMessages implements spec.md §4.5's full pipeline for a single
// inbound call: classify, resolve credential, forward upstream, capture
// the response back to the client, then persist asynchronously.
func (h *Handler) ServeMessages(c *gin.Context) {
	start := time.Now()
	log := gmw.GetLogger(c)

	rawBody, err := common.GetRequestBody(c)
	if err != nil {
		abortUpstreamError(c, log, http.StatusBadRequest, "cannot read request body", err)
		return
	}

	var body map[string]any
	if len(rawBody) > 0 {
		if err := json.Unmarshal(rawBody, &body); err != nil {
			abortUpstreamError(c, log, http.StatusBadRequest, "request body is not valid JSON", err)
			return
		}
	}
	if body == nil {
		body = map[string]any{}
	}

	requestType := ClassifyRequest(c.Request.URL.Path, body)
	streaming, _ := body["stream"].(bool)

	domain, _ := c.Get(ctxkey.Domain)
	domainStr, _ := domain.(string)

	ctx := c.Request.Context()
	accessToken, err := h.Credentials.EnsureFresh(ctx, domainStr)
	if err != nil {
		h.Recorder.RecordCredentialRefresh(domainStr, false)
		switch {
		case errors.Is(err, credential.ErrNotFound), errors.Is(err, credential.ErrNoRefreshToken):
			abortUpstreamError(c, log, http.StatusUnauthorized, "credential unavailable", err)
		default:
			abortUpstreamError(c, log, http.StatusBadGateway, "credential refresh failed", err)
		}
		return
	}

	upstreamReq, err := buildUpstreamRequest(ctx, c.Request.Method, c.Request.URL.Path, c.Request.Header, rawBody, accessToken)
	if err != nil {
		abortUpstreamError(c, log, http.StatusInternalServerError, "failed to build upstream request", err)
		return
	}

	resp, err := h.HTTPClient.Do(upstreamReq)
	if err != nil {
		h.Recorder.RecordError("upstream_unavailable", "proxy")
		status := http.StatusBadGateway
		if ctx.Err() != nil {
			status = http.StatusGatewayTimeout
		}
		abortUpstreamError(c, log, status, "upstream request failed", err)
		return
	}
	defer resp.Body.Close()

	requestID := model.NewRequestID()
	reqRow := &model.Request{
		RequestID:         requestID,
		Domain:            domainStr,
		Timestamp:         start,
		Method:            c.Request.Method,
		Path:              c.Request.URL.Path,
		Body:              body,
		RequestType:       requestType,
		Model:             stringField(body, "model"),
		ResponseStreaming: streaming,
	}

	copyResponseHeaders(c.Writer.Header(), resp.Header)
	if streaming && resp.StatusCode < 300 {
		common.SetEventStreamHeaders(c)
	}
	c.Writer.WriteHeader(resp.StatusCode)

	if resp.StatusCode >= 300 {
		// Upstream rejected or errored: pass the body through verbatim and
		// still persist the attempt (spec.md §7 UpstreamRejected/UpstreamServerError).
		respBytes, _ := io.ReadAll(resp.Body)
		_, _ = c.Writer.Write(respBytes)
		reqRow.Error = http.StatusText(resp.StatusCode)
		reqRow.DurationMs = time.Since(start).Milliseconds()
		go h.persist(pendingPersist{reqRow: reqRow, body: body, requestType: requestType})
		return
	}

	if streaming {
		h.serveStreaming(c, resp, reqRow, body, requestType, start)
		return
	}

	h.serveBuffered(c, resp, reqRow, body, requestType, start)
}

// serveStreaming fans the upstream SSE body out to two concurrent
// consumers: the client-facing writer and the in-process capture, via
// io.Pipe + io.TeeReader (spec.md §5). The pipe is synchronous, so each
// chunk is handed to the capture goroutine before the next upstream read;
// a capture that stops parsing early keeps draining the pipe, so it never
// cuts off the copy to the client.
func (h *Handler) serveStreaming(c *gin.Context, resp *http.Response, reqRow *model.Request, body map[string]any, requestType model.RequestType, start time.Time) {
	pr, pw := io.Pipe()
	tee := io.TeeReader(resp.Body, pw)

	captureDone := make(chan *capture.Capture, 1)
	go func() {
		defer pr.Close()
		cap := capture.New(start)
		if err := cap.ConsumeSSE(pr); err != nil {
			gmw.GetLogger(c).Warn("response capture ended with error", zap.Error(err))
		}
		_, _ = io.Copy(io.Discard, pr)
		captureDone <- cap
	}()

	fw := flushWriter{w: c.Writer}
	_, copyErr := io.Copy(fw, tee)
	pw.CloseWithError(copyErr)

	cap := <-captureDone
	h.finishAndPersist(reqRow, cap, body, requestType, start, cap.Chunks)
}

// serveBuffered handles a non-streaming upstream response: read the full
// body, write it to the client, then parse it with capture.FromJSON.
func (h *Handler) serveBuffered(c *gin.Context, resp *http.Response, reqRow *model.Request, body map[string]any, requestType model.RequestType, start time.Time) {
	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		gmw.GetLogger(c).Error("failed reading upstream response", zap.Error(err))
		return
	}
	if _, err := c.Writer.Write(respBytes); err != nil {
		gmw.GetLogger(c).Warn("failed writing response to client", zap.Error(err))
	}

	cap, err := capture.FromJSON(respBytes, start)
	if err != nil {
		gmw.GetLogger(c).Warn("failed to parse upstream response body", zap.Error(err))
		cap = capture.New(start)
	}
	h.finishAndPersist(reqRow, cap, body, requestType, start, nil)
}

// finishAndPersist stamps usage/timing/tool-call fields from a completed
// capture onto the request row, then hands off to an async writer
// goroutine so the client-facing path is never blocked by persistence.
// chunks is non-nil only for streaming responses (spec.md §4.4 step 4
// "if any").
func (h *Handler) finishAndPersist(reqRow *model.Request, cap *capture.Capture, body map[string]any, requestType model.RequestType, start time.Time, chunks []*model.StreamingChunk) {
	reqRow.DurationMs = time.Since(start).Milliseconds()
	reqRow.FirstTokenMs = cap.FirstTokenMs
	reqRow.Error = cap.Error
	reqRow.UsageData = cap.Usage
	reqRow.ResponseBody = cap.FinalBody()

	if cap.Usage != nil {
		reqRow.InputTokens = intFromUsage(cap.Usage, "input_tokens")
		reqRow.OutputTokens = intFromUsage(cap.Usage, "output_tokens")
		reqRow.CacheCreationInputTokens = intFromUsage(cap.Usage, "cache_creation_input_tokens")
		reqRow.CacheReadInputTokens = intFromUsage(cap.Usage, "cache_read_input_tokens")
		reqRow.TotalTokens = reqRow.InputTokens + reqRow.OutputTokens
	}

	toolBlocks := cap.ToolUseBlocks()
	reqRow.ToolCallCount = len(toolBlocks)
	reqRow.TaskToolInvocation = capture.ExtractTaskToolInvocations(toolBlocks)

	h.Recorder.RecordRelayRequest(start, reqRow.Domain, reqRow.Model, string(requestType), reqRow.ResponseStreaming, cap.Error == "", reqRow.InputTokens, reqRow.OutputTokens)

	go h.persist(pendingPersist{reqRow: reqRow, body: body, requestType: requestType, chunks: chunks})
}

func (h *Handler) persist(p pendingPersist) {
	messages, err := parseMessages(p.body)
	if err != nil {
		logger.Logger.Warn("failed to parse messages for linking", zap.Error(err), zap.String("request_id", p.reqRow.RequestID))
	}
	p.reqRow.MessageCount = messageCount(messages)
	writeRequest(h.Store, p.reqRow, messages, systemPromptRaw(p.body), p.chunks)
}

func abortUpstreamError(c *gin.Context, log *zap.Logger, status int, message string, err error) {
	log.Warn(message, zap.Error(err), zap.Int("status_code", status))
	c.JSON(status, gin.H{"error": gin.H{"type": "error", "message": message}})
	c.Abort()
}

func stringField(body map[string]any, key string) string {
	if v, ok := body[key].(string); ok {
		return v
	}
	return ""
}

func intFromUsage(usage map[string]any, key string) int {
	switch v := usage[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return 0
	}
}
