// Package ctxkey centralizes the gin context keys used across the proxy so
// that every package reads and writes request-scoped state under the same
// names.
package ctxkey

const (
	// KeyRequestBody caches the raw inbound request body so handlers can
	// read it more than once without re-consuming the socket.
	KeyRequestBody = "key_request_body"

	// ClientRequestPayloadLogged marks that the inbound payload has already
	// been logged once for this request, so middleware and handlers don't
	// double-log it.
	ClientRequestPayloadLogged = "client_request_payload_logged"

	// RequestID holds the server-minted request_id for the current request.
	RequestID = "request_id"

	// Domain holds the credential domain resolved for the current request.
	Domain = "domain"

	// RequestType holds the classified request type (inference, query_evaluation, quota, other).
	RequestType = "request_type"

	// StartTime records when the proxy started handling this request.
	StartTime = "start_time"
)
