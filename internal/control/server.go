// Package control exposes the bridge commands and event stream to local
// presentation clients over WebSocket, plus a JSON snapshot endpoint.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/chaz8081/ble2osc/internal/bridge"
	"github.com/chaz8081/ble2osc/internal/eventbus"
)

var (
	ErrUnknownMethod = errors.New("control: unknown method")
	ErrBadRequest    = errors.New("control: bad request")
)

// Commander is the command and query surface of the bridge.
type Commander interface {
	StartScan() error
	StopScan() error
	Connect(index int) error
	Disconnect() error
	SelectService(index int) error
	SelectServiceByID(id string) error
	SelectCharacteristic(index int) error
	Unsubscribe() error
	SetSendEnabled(enabled bool) error
	ConfigureDestination(host string, port int) error
	Snapshot() bridge.Snapshot
}

// Subscriber is the consuming side of the event bus.
type Subscriber interface {
	Subscribe(handler eventbus.Handler, types ...eventbus.Type) func()
}

type method func(payload json.RawMessage) error

// Server is the control surface.
type Server struct {
	cmd     Commander
	bus     Subscriber
	logger  *slog.Logger
	addr    string
	methods map[string]method

	mu       sync.Mutex
	listener net.Listener
	httpSrv  *http.Server
	unsub    func()
	clients  map[uint64]*client
	lastID   uint64
}

// NewServer creates a control server listening on addr once started.
func NewServer(cmd Commander, bus Subscriber, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cmd: cmd, bus: bus, logger: logger, addr: addr, clients: make(map[uint64]*client)}
	s.methods = map[string]method{
		"startScan":   func(json.RawMessage) error { return cmd.StartScan() },
		"stopScan":    func(json.RawMessage) error { return cmd.StopScan() },
		"disconnect":  func(json.RawMessage) error { return cmd.Disconnect() },
		"unsubscribe": func(json.RawMessage) error { return cmd.Unsubscribe() },
		"snapshot":    func(json.RawMessage) error { return nil },
		"connect": withParams(func(p IndexParams) error {
			return cmd.Connect(p.Index)
		}),
		"selectService": withParams(func(p IndexParams) error {
			return cmd.SelectService(p.Index)
		}),
		"selectServiceById": withParams(func(p ServiceParams) error {
			return cmd.SelectServiceByID(p.ID)
		}),
		"selectCharacteristic": withParams(func(p IndexParams) error {
			return cmd.SelectCharacteristic(p.Index)
		}),
		"setSendEnabled": withParams(func(p SendParams) error {
			return cmd.SetSendEnabled(p.Enabled)
		}),
		"configureDestination": withParams(func(p DestinationParams) error {
			return cmd.ConfigureDestination(p.Host, p.Port)
		}),
	}
	return s
}

func withParams[T any](fn func(T) error) method {
	return func(payload json.RawMessage) error {
		var p T
		if len(payload) == 0 {
			return fmt.Errorf("%w: missing payload", ErrBadRequest)
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
		return fn(p)
	}
}

// Listen binds the listener. Start calls it when needed.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("control listen: %w", err)
	}
	s.listener = l
	return nil
}

// Addr returns the bound address, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start serves HTTP and WebSocket clients. Blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/snapshot", s.handleSnapshot)

	s.mu.Lock()
	s.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	s.unsub = s.bus.Subscribe(s.forward)
	l, srv := s.listener, s.httpSrv
	s.mu.Unlock()

	s.logger.Info("[CONTROL] listening", "addr", l.Addr().String())

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control serve: %w", err)
	}
	return nil
}

// Stop ends every session and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	unsub, srv := s.unsub, s.httpSrv
	s.unsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	for _, c := range s.sessions() {
		c.close(websocket.StatusGoingAway, "ble2osc shutting down")
	}
	if srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) sessions() []*client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

// forward hands a bus event to every session. A session that is behind
// loses the event; it can resynchronise from the next snapshot.
func (s *Server) forward(ev eventbus.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Debug("[CONTROL] unencodable event", "type", string(ev.Type), "error", err)
		return
	}
	f := Frame{Type: FrameTypeEvent, Payload: payload}
	for _, c := range s.sessions() {
		// No logging on drop: the log line would itself be forwarded here.
		c.offer(f)
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.cmd.Snapshot()); err != nil {
		s.logger.Warn("[CONTROL] write snapshot", "error", err)
	}
}

// localOrigins limits browser clients to pages served from this machine.
var localOrigins = []string{"localhost", "localhost:*", "127.0.0.1", "127.0.0.1:*", "[::1]", "[::1]:*"}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: localOrigins})
	if err != nil {
		s.logger.Warn("[CONTROL] rejected websocket", "remote", r.RemoteAddr, "error", err)
		return
	}

	s.mu.Lock()
	s.lastID++
	c := newClient(s.lastID, conn)
	s.clients[c.id] = c
	s.mu.Unlock()
	s.logger.Info("[CONTROL] client attached", "client", c.id, "remote", r.RemoteAddr)

	go c.pump()
	s.serve(r.Context(), c)

	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	c.close(websocket.StatusNormalClosure, "")
	s.logger.Info("[CONTROL] client detached", "client", c.id)
}

// serve reads request frames and runs them one at a time, in arrival order.
// The next frame is not read until the previous command has been answered.
func (s *Server) serve(ctx context.Context, c *client) {
	for {
		var req Frame
		if err := wsjson.Read(ctx, c.conn, &req); err != nil {
			return
		}
		if req.Type != FrameTypeRequest {
			continue
		}
		if !c.respond(s.dispatch(req)) {
			return
		}
	}
}

// dispatch runs one command. Every response carries the snapshot taken
// after the command, whether it succeeded or not.
func (s *Server) dispatch(req Frame) Frame {
	var err error
	if m, ok := s.methods[req.Method]; ok {
		err = m(req.Payload)
	} else {
		err = fmt.Errorf("%w: %q", ErrUnknownMethod, req.Method)
	}

	resp := Frame{Type: FrameTypeResponse, ID: req.ID}
	if snap, mErr := json.Marshal(s.cmd.Snapshot()); mErr == nil {
		resp.Payload = snap
	}
	if err != nil {
		resp.Error = err.Error()
		resp.Kind = errorKind(err)
	}
	return resp
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrUnknownMethod):
		return "UnknownMethod"
	case errors.Is(err, ErrBadRequest):
		return "BadRequest"
	}
	return bridge.ErrorKind(err)
}
