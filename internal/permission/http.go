package permission

import (
	"encoding/json"
	"io"
	"net"
	"net/http"

	"github.com/chroxy/chroxy/internal/authtoken"
	"github.com/chroxy/chroxy/internal/ratelimit"
)

// defaultMaxBodyBytes is the default bound on the request body the HTTP hook endpoint will accept
// (spec section 4.3: 64 KiB).
const defaultMaxBodyBytes = 64 << 10

type hookRequest struct {
	SessionID string          `json:"session_id"`
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input"`
}

type hookResponse struct {
	Decision string `json:"decision"`
}

// HTTPHandler serves the external hook script's long-poll /permission
// endpoint: Authorization: Bearer <token>, body size capped, held open
// until a decision, timeout, or shutdown.
type HTTPHandler struct {
	bridge       *Bridge
	token        string
	authRequired bool
	maxBodyBytes int64
	limiter      *ratelimit.HTTPLimiter
}

// NewHTTPHandler builds the hook endpoint handler. maxBodyBytes <= 0 uses
// the spec default of 64 KiB.
func NewHTTPHandler(bridge *Bridge, token string, maxBodyBytes int64, limiter *ratelimit.HTTPLimiter) *HTTPHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	return &HTTPHandler{
		bridge:       bridge,
		token:        token,
		authRequired: token != "",
		maxBodyBytes: maxBodyBytes,
		limiter:      limiter,
	}
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.authRequired && !authtoken.BearerMatches(r.Header.Get("Authorization"), h.token) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if h.limiter != nil && !h.limiter.Allow(clientKey(r)) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBodyBytes+1))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if int64(len(body)) > h.maxBodyBytes {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	var req hookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.ToolName == "" || req.SessionID == "" {
		http.Error(w, "tool_name and session_id are required", http.StatusBadRequest)
		return
	}

	decision := h.bridge.RequestPermissionHTTP(r.Context(), req.SessionID, req.ToolName, req.ToolInput)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(hookResponse{Decision: decision})
}

func clientKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
