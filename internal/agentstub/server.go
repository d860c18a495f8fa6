// Package agentstub is a scripted agent speaking the chat wire protocol.
// It streams canned replies and is used for local development and tests.
package agentstub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/agentchat/internal/domain"
	"github.com/ashureev/agentchat/internal/protocol"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// Scripted commands understood by the stub.
const (
	CommandFail = "/fail" // reply with an error frame
	CommandDrop = "/drop" // stream a partial reply, then drop the connection
)

// Config controls stub behaviour.
type Config struct {
	ChunkDelay     time.Duration
	AnnounceTools  bool
	Tools          []domain.ToolDescriptor
	AllowedOrigins []string
}

// DefaultTools is the tool set announced when Config.Tools is empty.
func DefaultTools() []domain.ToolDescriptor {
	return []domain.ToolDescriptor{
		{
			Name:        "echo",
			Description: "Repeat the user's message back.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
		},
		{
			Name:        "history_size",
			Description: "Count prior turns in the conversation.",
		},
	}
}

// Server handles agent WebSocket connections.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	registry *Registry
}

// New creates a stub server.
func New(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Tools) == 0 {
		cfg.Tools = DefaultTools()
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	return &Server{
		cfg:      cfg,
		logger:   logger,
		registry: NewRegistry(logger),
	}
}

// Registry returns the set of open connections.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Router returns the HTTP handler exposing /ws/chat and /health.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(CORS(s.cfg.AllowedOrigins))
	r.Get("/ws/chat", s.ServeHTTP)
	return r
}

// ServeHTTP upgrades the request and serves one chat connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	connID := uuid.NewString()
	logger := s.logger.With("conn_id", connID, "request_id", chiMiddleware.GetReqID(r.Context()))
	logger.Info("Agent connection request", "ip", r.RemoteAddr)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.cfg.AllowedOrigins),
	})
	if err != nil {
		logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	s.registry.Register(connID, ws)
	defer s.registry.Unregister(connID, ws)

	ctx := r.Context()
	if s.cfg.AnnounceTools {
		if err := s.send(ctx, ws, protocol.ToolsAnnounced{Tools: s.cfg.Tools}); err != nil {
			logger.Debug("Failed to announce tools", "error", err)
			return
		}
	}

	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				logger.Debug("WebSocket closed by client", "status", websocket.CloseStatus(err))
			} else {
				logger.Debug("WebSocket read ended", "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		req, err := protocol.DecodeRequest(data)
		if err != nil {
			logger.Warn("Invalid chat request", "error", err)
			if err := s.send(ctx, ws, protocol.ErrorEvent{Message: fmt.Sprintf("invalid request: %v", err)}); err != nil {
				return
			}
			continue
		}

		logger.Info("Processing message", "message_length", len(req.Message), "history", len(req.History))
		if err := s.respond(ctx, ws, req); err != nil {
			logger.Debug("Reply aborted", "error", err)
			return
		}
	}
}

func (s *Server) respond(ctx context.Context, ws *websocket.Conn, req domain.OutgoingRequest) error {
	switch strings.TrimSpace(req.Message) {
	case CommandFail:
		return s.send(ctx, ws, protocol.ErrorEvent{Message: "An error occurred: scripted failure"})
	case CommandDrop:
		if err := s.send(ctx, ws, protocol.Delta{Text: "This reply will be cut "}); err != nil {
			return err
		}
		_ = ws.CloseNow()
		return fmt.Errorf("connection dropped on request")
	}

	var full strings.Builder
	for _, chunk := range Chunks(Reply(req)) {
		if err := s.pause(ctx); err != nil {
			return err
		}
		full.WriteString(chunk)
		if err := s.send(ctx, ws, protocol.Delta{Text: chunk}); err != nil {
			return err
		}
	}
	return s.send(ctx, ws, protocol.Complete{FinalText: full.String()})
}

func (s *Server) pause(ctx context.Context) error {
	if s.cfg.ChunkDelay <= 0 {
		return nil
	}
	t := time.NewTimer(s.cfg.ChunkDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Server) send(ctx context.Context, ws *websocket.Conn, ev protocol.Event) error {
	data, err := protocol.EncodeEvent(ev)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

// originPatterns converts CORS origins to the host patterns websocket.Accept expects.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		if _, host, ok := strings.Cut(o, "://"); ok {
			o = host
		}
		patterns = append(patterns, o)
	}
	return patterns
}

// Reply returns the canned markdown answer for req.
func Reply(req domain.OutgoingRequest) string {
	return fmt.Sprintf("You said: **%s**\n\nThis conversation has %d earlier turn(s).",
		strings.TrimSpace(req.Message), len(req.History))
}

// Chunks splits text into word-sized deltas whose concatenation is text.
func Chunks(text string) []string {
	return strings.SplitAfter(text, " ")
}
