package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// LookupResponse is the body returned by the lookup endpoint.
type LookupResponse struct {
	URL string `json:"url"`
}

// documentID extracts the {documentId} route parameter, unescaped.
func documentID(r *http.Request) (string, bool) {
	id := chi.URLParam(r, "documentId")
	if r.URL.RawPath != "" {
		unescaped, err := url.PathUnescape(id)
		if err != nil {
			return "", false
		}
		id = unescaped
	}
	return id, id != ""
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "collab.relay.lookup",
		trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	docID, ok := documentID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return
	}
	user := r.URL.Query().Get("user")
	span.SetAttributes(attribute.String("collab.document", docID))

	wsURL := s.socketURL(r, docID)
	if s.tokens != nil {
		token, err := s.tokens.Issue(user, docID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.logger.ErrorContext(ctx, "failed to issue token", "document", docID, "error", err)
			writeError(w, http.StatusInternalServerError, "token unavailable")
			return
		}
		wsURL += "?" + url.Values{"token": {token}}.Encode()
	} else if user != "" {
		wsURL += "?" + url.Values{"user": {user}}.Encode()
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(LookupResponse{URL: wsURL})
}

// socketURL builds the WebSocket URL for docID from PublicURL or, failing
// that, from the request itself.
func (s *Server) socketURL(r *http.Request, docID string) string {
	base := s.config.PublicURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws/" + url.PathEscape(docID)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "collab.relay.upgrade",
		trace.WithSpanKind(trace.SpanKindServer))

	docID, ok := documentID(r)
	if !ok {
		span.End()
		writeError(w, http.StatusBadRequest, "invalid document id")
		return
	}
	span.SetAttributes(attribute.String("collab.document", docID))

	user := r.URL.Query().Get("user")
	if s.tokens != nil {
		claims, err := s.tokens.Verify(bearerToken(r), docID)
		if err != nil {
			span.SetStatus(codes.Error, "unauthorized")
			span.End()
			s.logger.Warn("rejected websocket", "document", docID, "error", err)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		user = claims.Subject
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		span.End()
		writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	s.peers.Add(1)
	s.mu.Unlock()
	defer s.peers.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		s.config.Metrics.WebSocketError("upgrade")
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(s.config.MaxMessageSize)

	p := newPeer(ulid.Make().String(), user, conn, s.config.SendQueueSize, s.logger)
	room, err := s.hub.Join(ctx, docID, p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		s.logger.Error("join failed", "document", docID, "error", err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "unavailable"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}
	span.End()

	go p.writePump(s.config.WriteTimeout, s.config.PingInterval)
	s.readLoop(room, p)

	// The request context is done once the handler is hijacked and the
	// client leaves, so eviction saves use a fresh one.
	leaveCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	s.hub.Leave(leaveCtx, room, p)
}

// readLoop reads frames from p until the connection fails.
func (s *Server) readLoop(room *Room, p *peer) {
	if s.config.ReadTimeout > 0 {
		p.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		p.conn.SetPongHandler(func(string) error {
			p.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
			return nil
		})
	}

	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.logger.Debug("peer read error", "error", err)
			}
			return
		}
		if s.config.ReadTimeout > 0 {
			p.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		room.handle(p, data)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"rooms":  len(s.hub.Rooms()),
	})
}

// bearerToken returns the token from the query string or the
// Authorization header.
func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return token
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
