package streamablehttp

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mcpwire/streamablehttp-go/jsonrpc"
)

// Every rejection carries a JSON-RPC error object with a stable code so
// clients can drive retry logic programmatically: retry on 503, do not
// retry on an unknown session. Never a bare status with no machine-readable
// body.

func marshalRPCError(code jsonrpc.ErrorCode, msg string) ([]byte, error) {
	return json.Marshal(jsonrpc.NewErrorResponse(nil, code, msg, nil))
}

// writeRPCError emits a JSON-RPC error object as the HTTP error body. Safe
// to call before the status has been written.
func writeRPCError(w http.ResponseWriter, status int, code jsonrpc.ErrorCode, msg string) {
	body, err := marshalRPCError(code, msg)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func errServerShuttingDown(w http.ResponseWriter) {
	writeRPCError(w, http.StatusServiceUnavailable, jsonrpc.ErrorCodeInternalError, "server is shutting down")
}

func errInvalidAccept(w http.ResponseWriter, expected string) {
	writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, fmt.Sprintf("invalid Accept header, expected: %s", expected))
}

func errMissingSessionID(w http.ResponseWriter) {
	writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, fmt.Sprintf("session ID required in %s header", sessionIDHeader))
}

func errSessionNotFound(w http.ResponseWriter, sessionID string) {
	writeRPCError(w, http.StatusNotFound, jsonrpc.ErrorCodeInvalidRequest, fmt.Sprintf("session %s not found", sessionID))
}

func errSessionNotReady(w http.ResponseWriter) {
	writeRPCError(w, http.StatusConflict, jsonrpc.ErrorCodeInvalidRequest, "session is still initializing, retry after handshake")
}

func errParse(w http.ResponseWriter, msg string) {
	writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, msg)
}

func errDeletionNotAllowed(w http.ResponseWriter) {
	writeRPCError(w, http.StatusMethodNotAllowed, jsonrpc.ErrorCodeInvalidRequest, "session deletion is not allowed")
}

func errInternal(w http.ResponseWriter) {
	writeRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "internal server error")
}
