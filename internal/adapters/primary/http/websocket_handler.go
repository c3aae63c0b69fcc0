package http

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	mw "github.com/lorrc/invoice-tracker/internal/adapters/primary/http/middleware"
	wsAdapter "github.com/lorrc/invoice-tracker/internal/adapters/primary/websocket"
	"github.com/lorrc/invoice-tracker/internal/auth"
	"github.com/lorrc/invoice-tracker/internal/config"
)

// WebSocketHandler upgrades authenticated clients to a push connection
// that receives update messages for the user's invoices.
type WebSocketHandler struct {
	hub      *wsAdapter.Hub
	tm       *auth.TokenManager
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(
	hub *wsAdapter.Hub,
	tm *auth.TokenManager,
	cfg *config.Config,
	logger *slog.Logger,
) *WebSocketHandler {
	handler := &WebSocketHandler{
		hub:    hub,
		tm:     tm,
		logger: logger.With("handler", "websocket"),
	}

	handler.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: cfg.WebSocket.WriteBufferSize,
		CheckOrigin:     handler.makeOriginChecker(cfg),
	}

	return handler
}

// makeOriginChecker creates an origin checking function based on configuration
func (h *WebSocketHandler) makeOriginChecker(cfg *config.Config) func(r *http.Request) bool {
	allowedOrigins := cfg.WebSocket.AllowedOrigins

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")

		// In development mode, allow all origins (but log a warning)
		if cfg.IsDevelopment() {
			if origin != "" {
				h.logger.Warn("allowing websocket connection in development mode",
					"origin", origin,
					"remote_addr", r.RemoteAddr,
				)
			}
			return true
		}

		// No origin header (same-origin request or non-browser client)
		if origin == "" {
			return true
		}

		parsedOrigin, err := url.Parse(origin)
		if err != nil {
			h.logger.Warn("failed to parse websocket origin",
				"origin", origin,
				"error", err,
			)
			return false
		}

		if originAllowed(parsedOrigin.Host, allowedOrigins) {
			return true
		}

		h.logger.Warn("websocket connection rejected due to origin",
			"origin", origin,
			"remote_addr", r.RemoteAddr,
			"allowed_origins", allowedOrigins,
		)
		return false
	}
}

// originAllowed supports exact hosts and wildcard subdomains like "*.example.com".
func originAllowed(host string, allowed []string) bool {
	for _, pattern := range allowed {
		if suffix, ok := strings.CutPrefix(pattern, "*"); ok {
			if strings.HasSuffix(host, suffix) || host == suffix[1:] {
				return true
			}
		} else if host == pattern {
			return true
		}
	}
	return false
}

// ServeHTTP handles GET /websocket?userId=<id>. The token comes from the
// Authorization header or the token query parameter, and userId must
// match the token's subject.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// 1. Authenticate the connection
	tokenString := mw.TokenFromRequest(r)
	if tokenString == "" {
		h.logger.WarnContext(ctx, "websocket connection rejected: missing token",
			"remote_addr", r.RemoteAddr,
		)
		writeUnauthorized(w)
		return
	}

	claims, err := h.tm.ValidateToken(tokenString)
	if err != nil {
		h.logger.WarnContext(ctx, "websocket connection rejected: invalid token",
			"remote_addr", r.RemoteAddr,
			"error", err,
		)
		writeUnauthorized(w)
		return
	}

	// 2. The requested identity must be the authenticated one
	userID, err := uuid.Parse(r.URL.Query().Get("userId"))
	if err != nil || userID != claims.UserID {
		h.logger.WarnContext(ctx, "websocket connection rejected: identity mismatch",
			"user_id", claims.UserID,
			"requested_user_id", r.URL.Query().Get("userId"),
		)
		WriteJSON(w, http.StatusForbidden, ErrorResponse{
			Error: "userId does not match the authenticated user",
			Code:  "FORBIDDEN",
		})
		return
	}

	// 3. Upgrade the connection
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an error response.
		h.logger.ErrorContext(ctx, "failed to upgrade websocket connection",
			"user_id", claims.UserID,
			"error", err,
		)
		return
	}

	// 4. Register the client and start its pumps
	if _, err := h.hub.Attach(conn, claims.UserID); err != nil {
		h.logger.WarnContext(ctx, "websocket connection dropped", "user_id", claims.UserID, "error", err)
		return
	}

	h.logger.InfoContext(ctx, "websocket connection established",
		"user_id", claims.UserID,
		"remote_addr", r.RemoteAddr,
	)
}
