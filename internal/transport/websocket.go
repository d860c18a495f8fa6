package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// WebSocketConfig configures WebSocket transports.
type WebSocketConfig struct {
	URL           string
	DialTimeout   time.Duration
	WriteTimeout  time.Duration
	PingInterval  time.Duration // 0 disables keepalive pings
	SendQueueSize int
	ReadLimit     int64
}

// DefaultWebSocketConfig returns default configuration for url.
func DefaultWebSocketConfig(url string) WebSocketConfig {
	return WebSocketConfig{
		URL:           url,
		DialTimeout:   10 * time.Second,
		WriteTimeout:  10 * time.Second,
		PingInterval:  30 * time.Second,
		SendQueueSize: 16,
		ReadLimit:     1 << 20,
	}
}

// NewWebSocketFactory returns a Factory producing WebSocket transports.
func NewWebSocketFactory(cfg WebSocketConfig, logger *slog.Logger) Factory {
	return func(h Handler) Transport {
		return NewWebSocket(cfg, h, logger)
	}
}

// WebSocket is a Transport backed by a coder/websocket client connection.
type WebSocket struct {
	cfg     WebSocketConfig
	handler Handler
	logger  *slog.Logger

	out     chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
	closing atomic.Bool
	once    sync.Once

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocket creates an unconnected WebSocket transport.
func NewWebSocket(cfg WebSocketConfig, h Handler, logger *slog.Logger) *WebSocket {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 16
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocket{
		cfg:     cfg,
		handler: h,
		logger:  logger,
		out:     make(chan []byte, cfg.SendQueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Connect dials in the background.
func (w *WebSocket) Connect() {
	go w.run()
}

// Send queues data for the writer goroutine.
func (w *WebSocket) Send(data []byte) error {
	if w.closing.Load() || w.ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case w.out <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close sends a normal closure in the background and stops all goroutines.
func (w *WebSocket) Close() error {
	if !w.closing.CompareAndSwap(false, true) {
		return nil
	}
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()

	if conn == nil {
		w.cancel()
		return nil
	}
	go func() {
		if err := conn.Close(websocket.StatusNormalClosure, "client closed"); err != nil {
			w.logger.Debug("WebSocket close handshake failed", "error", err)
		}
		w.cancel()
	}()
	return nil
}

func (w *WebSocket) run() {
	dialCtx, cancel := context.WithTimeout(w.ctx, w.cfg.DialTimeout)
	conn, _, err := websocket.Dial(dialCtx, w.cfg.URL, nil)
	cancel()
	if err != nil {
		w.finish(fmt.Errorf("dial %s: %w", w.cfg.URL, err))
		return
	}
	if w.cfg.ReadLimit > 0 {
		conn.SetReadLimit(w.cfg.ReadLimit)
	}

	w.mu.Lock()
	if w.closing.Load() {
		w.mu.Unlock()
		_ = conn.CloseNow()
		return
	}
	w.conn = conn
	w.mu.Unlock()

	w.logger.Debug("WebSocket connected", "url", w.cfg.URL)
	if w.handler.OnOpen != nil {
		w.handler.OnOpen()
	}

	ctx, stop := context.WithCancel(w.ctx)
	defer stop()

	go w.writeLoop(ctx, conn)
	if w.cfg.PingInterval > 0 {
		go w.pingLoop(ctx, conn)
	}

	w.finish(w.readLoop(ctx, conn))
}

func (w *WebSocket) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return fmt.Errorf("closed by peer: %w", err)
			}
			return fmt.Errorf("read: %w", err)
		}
		if typ != websocket.MessageText {
			w.logger.Debug("Ignoring non-text WebSocket message", "type", typ, "size", len(data))
			continue
		}
		if w.handler.OnMessage != nil {
			w.handler.OnMessage(data)
		}
	}
}

func (w *WebSocket) writeLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-w.out:
			writeCtx, cancel := context.WithTimeout(ctx, w.cfg.WriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Warn("WebSocket write error", "error", err)
				}
				_ = conn.CloseNow()
				return
			}
		}
	}
}

func (w *WebSocket) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, w.cfg.PingInterval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Warn("WebSocket keepalive failed", "error", err)
				}
				_ = conn.CloseNow()
				return
			}
		}
	}
}

// finish reports the terminal error once, unless the transport was closed locally.
func (w *WebSocket) finish(err error) {
	w.once.Do(func() {
		if w.closing.Load() {
			return
		}
		if w.handler.OnClose != nil {
			w.handler.OnClose(err)
		}
		w.cancel()
	})
}
