// Package config exposes process-wide configuration as exported package
// vars, populated once at Init() from environment variables with sane
// defaults. No config framework is used; the proxy reads os.Getenv the
// same way the rest of the one-api-derived stack does.
package config

import (
	"os"
	"strconv"
	"time"
)

var (
	// DatabaseURL is the Postgres connection string for the request/analysis store.
	DatabaseURL = "postgres://localhost:5432/claude_nexus?sslmode=disable"

	// CredentialsDir holds one "<domain>.credentials.json" file per domain.
	CredentialsDir = "./credentials"

	// DashboardAPIKey authenticates management endpoints via X-Dashboard-Key.
	DashboardAPIKey = ""

	// DashboardSessionSecret, if set, enables an alternative bearer-JWT
	// session path for the admin surface alongside the static dashboard
	// key (HS256, signed by this secret). Empty disables the JWT path.
	DashboardSessionSecret = ""

	// CredentialEncryptionSecret derives the AES key used by
	// common.EncryptSecret/DecryptSecret; when empty, those helpers fall back
	// to a built-in default secret. The credential store does not encrypt
	// the on-disk credential files.
	CredentialEncryptionSecret = ""

	// AIWorkerEnabled turns the background analysis worker on or off.
	AIWorkerEnabled = false

	// GeminiAPIKey authenticates calls to the analysis LLM.
	GeminiAPIKey = ""

	// GeminiModelName selects the analysis LLM model.
	GeminiModelName = "gemini-2.0-flash"

	// AIWorkerPollIntervalMS is how often the worker polls for pending analyses.
	AIWorkerPollIntervalMS = 5000

	// AIWorkerMaxConcurrentJobs bounds in-flight analysis jobs per process.
	AIWorkerMaxConcurrentJobs = 3

	// AIWorkerJobTimeoutMinutes bounds a single analysis job's wall-clock time.
	// Spec leaves the default implementation-defined; see DESIGN.md.
	AIWorkerJobTimeoutMinutes = 10

	// AIAnalysisMaxRetries bounds retry_count before an analysis is marked failed.
	AIAnalysisMaxRetries = 3

	// PromptMaxPromptTokens bounds the final prompt sent to the analysis LLM.
	PromptMaxPromptTokens = 6000

	// PromptMaxContextTokens is loaded from PROMPT_MAX_CONTEXT_TOKENS. No
	// component reads it: the transcript is truncated to
	// TruncationInputTargetTokens.
	PromptMaxContextTokens = 12000

	// TruncationHeadMessages is how many leading messages are kept verbatim.
	TruncationHeadMessages = 4

	// TruncationTailMessages is how many trailing messages are kept verbatim.
	TruncationTailMessages = 6

	// TruncationInputTargetTokens is the target token count after truncation.
	TruncationInputTargetTokens = 8000

	// TruncationFirstNTokens is how many leading tokens of an oversized
	// message are preserved verbatim.
	TruncationFirstNTokens = 200

	// TruncationLastMTokens is how many trailing tokens of an oversized
	// message are preserved verbatim.
	TruncationLastMTokens = 200

	// RelayTimeout bounds an upstream Anthropic call, in seconds. 0 disables the timeout.
	RelayTimeout = 300

	// RelayProxy, if set, routes outbound upstream calls through an HTTP(S) proxy.
	RelayProxy = ""

	// AnthropicBaseURL is the upstream Anthropic Messages API base.
	AnthropicBaseURL = "https://api.anthropic.com"

	// AnthropicVersion is sent as the anthropic-version header on upstream calls.
	AnthropicVersion = "2023-06-01"

	// OAuthRefreshURL is the upstream token-refresh endpoint for OAuth credentials.
	OAuthRefreshURL = "https://console.anthropic.com/v1/oauth/token"

	// ShutdownGraceSeconds bounds how long the server waits for in-flight
	// client requests to drain before forcing shutdown.
	ShutdownGraceSeconds = 30

	// ListenAddr is the proxy's HTTP listen address.
	ListenAddr = ":8080"
)

// Init reloads all configuration vars from the environment. Call once at
// process start, before any other package reads a config var.
func Init() {
	DatabaseURL = getEnv("DATABASE_URL", DatabaseURL)
	CredentialsDir = getEnv("CREDENTIALS_DIR", CredentialsDir)
	DashboardAPIKey = getEnv("DASHBOARD_API_KEY", DashboardAPIKey)
	DashboardSessionSecret = getEnv("DASHBOARD_SESSION_SECRET", DashboardSessionSecret)
	CredentialEncryptionSecret = getEnv("CREDENTIAL_ENCRYPTION_SECRET", CredentialEncryptionSecret)

	AIWorkerEnabled = getEnvBool("AI_WORKER_ENABLED", AIWorkerEnabled)
	GeminiAPIKey = getEnv("GEMINI_API_KEY", GeminiAPIKey)
	GeminiModelName = getEnv("GEMINI_MODEL_NAME", GeminiModelName)
	AIWorkerPollIntervalMS = getEnvInt("AI_WORKER_POLL_INTERVAL_MS", AIWorkerPollIntervalMS)
	AIWorkerMaxConcurrentJobs = getEnvInt("AI_WORKER_MAX_CONCURRENT_JOBS", AIWorkerMaxConcurrentJobs)
	AIWorkerJobTimeoutMinutes = getEnvInt("AI_WORKER_JOB_TIMEOUT_MINUTES", AIWorkerJobTimeoutMinutes)
	AIAnalysisMaxRetries = getEnvInt("AI_ANALYSIS_MAX_RETRIES", AIAnalysisMaxRetries)

	PromptMaxPromptTokens = getEnvInt("PROMPT_MAX_PROMPT_TOKENS", PromptMaxPromptTokens)
	PromptMaxContextTokens = getEnvInt("PROMPT_MAX_CONTEXT_TOKENS", PromptMaxContextTokens)
	TruncationHeadMessages = getEnvInt("PROMPT_TRUNCATION_HEAD_MESSAGES", TruncationHeadMessages)
	TruncationTailMessages = getEnvInt("PROMPT_TRUNCATION_TAIL_MESSAGES", TruncationTailMessages)
	TruncationInputTargetTokens = getEnvInt("PROMPT_TRUNCATION_INPUT_TARGET_TOKENS", TruncationInputTargetTokens)
	TruncationFirstNTokens = getEnvInt("PROMPT_TRUNCATION_FIRST_N_TOKENS", TruncationFirstNTokens)
	TruncationLastMTokens = getEnvInt("PROMPT_TRUNCATION_LAST_M_TOKENS", TruncationLastMTokens)

	RelayTimeout = getEnvInt("RELAY_TIMEOUT", RelayTimeout)
	RelayProxy = getEnv("RELAY_PROXY", RelayProxy)
	AnthropicBaseURL = getEnv("ANTHROPIC_BASE_URL", AnthropicBaseURL)
	AnthropicVersion = getEnv("ANTHROPIC_VERSION", AnthropicVersion)
	OAuthRefreshURL = getEnv("OAUTH_REFRESH_URL", OAuthRefreshURL)

	ShutdownGraceSeconds = getEnvInt("SHUTDOWN_GRACE_SECONDS", ShutdownGraceSeconds)
	ListenAddr = getEnv("LISTEN_ADDR", ListenAddr)
}

// JobTimeout returns AIWorkerJobTimeoutMinutes as a time.Duration.
func JobTimeout() time.Duration {
	return time.Duration(AIWorkerJobTimeoutMinutes) * time.Minute
}

// PollInterval returns AIWorkerPollIntervalMS as a time.Duration.
func PollInterval() time.Duration {
	return time.Duration(AIWorkerPollIntervalMS) * time.Millisecond
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
