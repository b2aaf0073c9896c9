// Package bridge exposes a ble.Session over HTTP and WebSocket.
//
// Routes:
//
//	GET /v1/status    current link state, MTU and queue depth
//	GET /v1/state     WebSocket: connection state events as JSON
//	GET /v1/messages  WebSocket: inbound messages as binary frames; binary
//	                  frames sent by the client go out through SendMessage
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chaz8081/blelink/internal/ble"
)

const (
	shutdownTimeout = 10 * time.Second
	pingInterval    = 20 * time.Second
	writeTimeout    = 5 * time.Second
	sendTimeout     = 30 * time.Second
)

// Link is the subset of *ble.Session the bridge needs.
type Link interface {
	State() ble.ConnectionState
	States(ctx context.Context) iter.Seq[ble.ConnectionState]
	Bond() ble.BondState
	MTU() int
	Pending() int
	SendMessage(ctx context.Context, msg []byte) error
	Messages(ctx context.Context) iter.Seq2[[]byte, error]
}

var _ Link = (*ble.Session)(nil)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// Server holds handler dependencies.
type Server struct {
	link Link
	log  *zap.Logger
}

// NewHandler wires all /v1/* routes and returns a http.Handler.
func NewHandler(link Link, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{link: link, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", s.status)
	mux.HandleFunc("GET /v1/state", s.stateStream)
	mux.HandleFunc("GET /v1/messages", s.messageStream)
	return withLogging(log, mux)
}

// Run listens on addr and serves the bridge until ctx is cancelled.
func Run(ctx context.Context, addr string, link Link, log *zap.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bridge: listen %s: %w", addr, err)
	}
	return Serve(ctx, ln, link, log)
}

// Serve serves the bridge on ln until ctx is cancelled, then shuts down
// gracefully. Open WebSocket streams end with the request contexts.
func Serve(ctx context.Context, ln net.Listener, link Link, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	srv := &http.Server{
		Handler:           NewHandler(link, log),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	log.Info("bridge listening", zap.String("addr", ln.Addr().String()))

	srvErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("bridge shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-srvErr:
		return err
	}
}

// StateEvent is the JSON form of a ble.ConnectionState.
type StateEvent struct {
	Phase     string `json:"phase"`
	Reason    string `json:"reason,omitempty"`
	Connected bool   `json:"connected"`
	Ready     bool   `json:"ready"`
}

func stateEvent(st ble.ConnectionState) StateEvent {
	ev := StateEvent{
		Phase:     st.Phase.String(),
		Connected: st.IsConnected(),
		Ready:     st.IsReady(),
	}
	if st.Phase == ble.PhaseDisconnected {
		ev.Reason = st.Reason.String()
	}
	return ev
}

// Status is the body of GET /v1/status.
type Status struct {
	State   StateEvent `json:"state"`
	Bond    string     `json:"bond"`
	MTU     int        `json:"mtu"`
	Pending int        `json:"pending"`
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Status{
		State:   stateEvent(s.link.State()),
		Bond:    s.link.Bond().String(),
		MTU:     s.link.MTU(),
		Pending: s.link.Pending(),
	})
}

// wsConn serializes writes to a websocket connection.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(messageType, data)
}

func (c *wsConn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

// serve upgrades the request and runs it until the client goes away.
// onMessage, when set, receives every data frame from the client; otherwise
// client frames are discarded. pump writes to the client until ctx ends.
func (s *Server) serve(w http.ResponseWriter, r *http.Request, onMessage func(ctx context.Context, c *wsConn, mt int, data []byte), pump func(ctx context.Context, c *wsConn) error) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("bridge: ws upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	c := &wsConn{conn: conn}

	// Reading also processes control frames; a read error means the client left.
	go func() {
		defer cancel()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if onMessage != nil {
				onMessage(ctx, c, mt, data)
			}
		}
	}()

	go func() {
		ping := time.NewTicker(pingInterval)
		defer ping.Stop()
		for {
			select {
			case <-ping.C:
				if err := c.write(websocket.PingMessage, nil); err != nil {
					cancel()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := pump(ctx, c); err != nil {
		s.log.Debug("bridge: ws write", zap.Error(err))
	}
}

func (s *Server) stateStream(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, nil, func(ctx context.Context, c *wsConn) error {
		for st := range s.link.States(ctx) {
			if err := c.writeJSON(stateEvent(st)); err != nil {
				return err
			}
		}
		return nil
	})
}

// sendResult is the text frame answering each binary frame from the client.
type sendResult struct {
	OK    bool   `json:"ok"`
	Bytes int    `json:"bytes"`
	Error string `json:"error,omitempty"`
}

// messageError is the text frame reporting a broken inbound message.
type messageError struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (s *Server) messageStream(w http.ResponseWriter, r *http.Request) {
	onMessage := func(ctx context.Context, c *wsConn, mt int, data []byte) {
		if mt != websocket.BinaryMessage {
			return
		}
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()

		res := sendResult{OK: true, Bytes: len(data)}
		if err := s.link.SendMessage(sendCtx, data); err != nil {
			s.log.Warn("bridge: send message", zap.Error(err), zap.Int("bytes", len(data)))
			res = sendResult{Bytes: len(data), Error: err.Error()}
		}
		if err := c.writeJSON(res); err != nil {
			s.log.Debug("bridge: ws write", zap.Error(err))
		}
	}

	s.serve(w, r, onMessage, func(ctx context.Context, c *wsConn) error {
		for msg, err := range s.link.Messages(ctx) {
			if err != nil {
				if werr := c.writeJSON(messageError{Error: err.Error(), Kind: ble.KindOf(err).String()}); werr != nil {
					return werr
				}
				continue
			}
			if err := c.write(websocket.BinaryMessage, msg); err != nil {
				return err
			}
		}
		return nil
	})
}

func withLogging(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rw, r)
		log.Debug("bridge",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.code),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("bridge: response writer cannot hijack")
	}
	return h.Hijack()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
