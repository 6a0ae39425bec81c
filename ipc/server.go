package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/yoanbernabeu/grepaid/internal/logging"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("ipc: server closed")

// ErrAddrInUse is returned by Listen when a live server already answers on
// the socket path.
var ErrAddrInUse = errors.New("ipc: socket already served")

// HandlerFunc answers one request. The returned value is marshalled as the
// response payload; a returned error becomes an error response.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// StreamFunc takes over an upgraded connection. r yields the client bytes
// following the upgrade request, w reaches the client.
type StreamFunc func(ctx context.Context, r io.Reader, w io.Writer) error

type upgrade struct {
	accept HandlerFunc
	stream StreamFunc
}

type ServerOptions struct {
	Logger *log.Logger
	// MapError converts handler errors to wire errors. Defaults to AsError.
	MapError func(error) *Error
	// OnRequest observes every well-formed request before dispatch.
	OnRequest func(command string)
}

// Server serves the protocol on a unix socket, one goroutine per
// connection. Requests on a connection are answered in order.
type Server struct {
	opts ServerOptions
	log  *log.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	upgrades map[string]upgrade

	ln      net.Listener
	path    string
	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	closing  atomic.Bool
	connWG   sync.WaitGroup
	inflight atomic.Int64
	streams  atomic.Int64
}

func NewServer(opts ServerOptions) *Server {
	if opts.MapError == nil {
		opts.MapError = AsError
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:     opts,
		log:      logging.OrDiscard(opts.Logger),
		handlers: make(map[string]HandlerFunc),
		upgrades: make(map[string]upgrade),
		conns:    make(map[net.Conn]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Handle registers h for command, replacing any previous handler.
func (s *Server) Handle(command string, h HandlerFunc) {
	if command == "" || h == nil {
		panic("ipc: empty command or nil handler")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = h
}

// HandleUpgrade registers an upgrade command. accept runs first and may
// refuse the upgrade by returning an error; on success the ok response is
// written and stream owns the connection until it returns.
func (s *Server) HandleUpgrade(command string, accept HandlerFunc, stream StreamFunc) {
	if command == "" || stream == nil {
		panic("ipc: empty command or nil stream handler")
	}
	if accept == nil {
		accept = func(context.Context, *Request) (any, error) { return nil, nil }
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upgrades[command] = upgrade{accept: accept, stream: stream}
}

// Commands lists the registered command names.
func (s *Server) Commands() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.handlers)+len(s.upgrades))
	for c := range s.handlers {
		out = append(out, c)
	}
	for c := range s.upgrades {
		out = append(out, c)
	}
	return out
}

// Busy reports whether a request is being handled or a stream is attached.
func (s *Server) Busy() bool {
	return s.inflight.Load() > 0 || s.streams.Load() > 0
}

// Listen binds the unix socket at path. The parent directory is created
// with mode 0700. A leftover socket file nobody answers on is removed.
func (s *Server) Listen(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		if conn, err := net.DialTimeout("unix", path, 200*time.Millisecond); err == nil {
			conn.Close()
			return fmt.Errorf("%w: %s", ErrAddrInUse, path)
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		ln.Close()
		return fmt.Errorf("failed to restrict socket permissions: %w", err)
	}
	s.ln = ln
	s.path = path
	return nil
}

// Serve accepts connections until Shutdown. A handler failure never stops
// the accept loop.
func (s *Server) Serve() error {
	if s.ln == nil {
		return errors.New("ipc: Serve called before Listen")
	}
	s.log.Info("listening", "socket", s.path)
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.closing.Load() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		s.connsMu.Lock()
		if s.closing.Load() {
			s.connsMu.Unlock()
			conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.connWG.Add(1)
		s.connsMu.Unlock()

		go s.serveConn(conn)
	}
}

// Shutdown stops accepting, waits up to grace for in-flight requests, then
// cancels the remaining work, closes every connection and removes the
// socket file.
func (s *Server) Shutdown(grace time.Duration) {
	if !s.closing.CompareAndSwap(false, true) {
		return
	}
	if s.ln != nil {
		s.ln.Close()
	}

	deadline := time.Now().Add(grace)
	for s.inflight.Load() > 0 {
		if time.Now().After(deadline) {
			s.log.Warn("drain timeout exceeded, canceling in-flight requests", "inflight", s.inflight.Load())
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	s.cancel()
	s.connsMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connsMu.Unlock()
	s.connWG.Wait()

	if s.path != "" {
		_ = os.Remove(s.path)
	}
}

func (s *Server) forget(conn net.Conn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
	conn.Close()
	s.connWG.Done()
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.forget(conn)

	r := bufio.NewReaderSize(conn, 64<<10)
	for {
		frame, err := ReadFrame(r)
		if err != nil {
			if errors.Is(err, ErrProtocol) {
				_ = WriteFrame(conn, &Response{Error: &Error{Code: CodeProtocol, Message: err.Error()}})
			}
			return
		}

		req, err := DecodeRequest(frame)
		if err != nil {
			resp := &Response{Error: &Error{Code: CodeProtocol, Message: err.Error()}}
			if req != nil {
				resp.RequestID = req.RequestID
			}
			_ = WriteFrame(conn, resp)
			return
		}

		if s.opts.OnRequest != nil {
			s.opts.OnRequest(req.Command)
		}

		s.mu.RLock()
		up, isUpgrade := s.upgrades[req.Command]
		s.mu.RUnlock()
		if isUpgrade {
			s.serveUpgrade(conn, r, req, up)
			return
		}

		if !s.serveRequest(conn, req) {
			return
		}
	}
}

// serveRequest answers one request. The request counts as in flight until
// its response is written.
func (s *Server) serveRequest(conn net.Conn, req *Request) bool {
	s.inflight.Add(1)
	defer s.inflight.Add(-1)

	resp := s.dispatch(req)
	if err := WriteFrame(conn, resp); err != nil {
		if !errors.Is(err, ErrFrameTooLarge) {
			return false
		}
		return WriteFrame(conn, &Response{RequestID: req.RequestID, Error: &Error{Code: CodeInternal, Message: err.Error()}}) == nil
	}
	return true
}

// dispatch runs the handler for req and always returns a response.
func (s *Server) dispatch(req *Request) *Response {
	s.mu.RLock()
	h, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		return &Response{RequestID: req.RequestID, Error: Errorf(CodeUnknownCommand, "%q", req.Command)}
	}
	payload, err := s.call(h, req)
	return s.respond(req, payload, err)
}

// call runs h, converting a panic to an error.
func (s *Server) call(h HandlerFunc, req *Request) (payload any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("handler panic", "command", req.Command, "panic", r, "stack", string(debug.Stack()))
			err = Errorf(CodeInternal, "%s handler panicked: %v", req.Command, r)
		}
	}()
	return h(s.ctx, req)
}

func (s *Server) respond(req *Request, payload any, err error) *Response {
	if err != nil {
		e := s.opts.MapError(err)
		s.log.Debug("command failed", "command", req.Command, "code", e.Code, "err", e.Message)
		return &Response{RequestID: req.RequestID, Error: e}
	}
	resp := &Response{RequestID: req.RequestID, OK: true}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return &Response{RequestID: req.RequestID, Error: Errorf(CodeInternal, "failed to encode payload: %v", err)}
		}
		resp.Payload = data
	}
	return resp
}

func (s *Server) serveUpgrade(conn net.Conn, r *bufio.Reader, req *Request, up upgrade) {
	s.inflight.Add(1)
	payload, err := s.call(up.accept, req)
	resp := s.respond(req, payload, err)
	werr := WriteFrame(conn, resp)
	s.inflight.Add(-1)
	if werr != nil || !resp.OK {
		return
	}

	s.streams.Add(1)
	defer s.streams.Add(-1)
	s.log.Debug("connection upgraded", "command", req.Command)

	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("stream panic", "command", req.Command, "panic", rec, "stack", string(debug.Stack()))
		}
	}()
	if err := up.stream(s.ctx, r, conn); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		s.log.Warn("stream ended", "command", req.Command, "err", err)
	}
}
