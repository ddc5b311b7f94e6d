package uds

import (
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"
)

type HandlerFunc func(req *Request) *Response

// Server accepts one request per connection, dispatches it to the registered
// handler, and writes one response. Handler panics are isolated: the client
// gets an INTERNAL_ERROR response instead of a dropped connection.
type Server struct {
	socketPath  string
	connTimeout time.Duration
	logger      *log.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	listener net.Listener
	closing  chan struct{}
	wg       sync.WaitGroup
}

func NewServer(socketPath string) *Server {
	return &Server{
		socketPath:  socketPath,
		connTimeout: 30 * time.Second,
		logger:      log.New(io.Discard, "", 0),
		handlers:    make(map[string]HandlerFunc),
		closing:     make(chan struct{}),
	}
}

func (s *Server) SetLogger(logger *log.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

func (s *Server) SetConnTimeout(d time.Duration) {
	s.connTimeout = d
}

// Handle registers the handler for a command. Registering after Start is
// allowed; dispatch takes the read lock per request.
func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	s.handlers[command] = handler
	s.mu.Unlock()
}

func (s *Server) Start() error {
	// A previous daemon that died uncleanly leaves its socket behind.
	os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	// Owner-only: the socket accepts mutating commands.
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.serve()
	return nil
}

func (s *Server) Stop() error {
	close(s.closing)
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	os.Remove(s.socketPath)
	return nil
}

func (s *Server) serve() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closing:
				return
			default:
				s.logf("WARN", "accept: %v", err)
				continue
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(s.connTimeout))

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.logf("WARN", "read request: %v", err)
		return
	}
	if err := WriteFrame(conn, s.dispatch(&req)); err != nil {
		s.logf("WARN", "write response for %q: %v", req.Command, err)
	}
}

func (s *Server) dispatch(req *Request) *Response {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(ErrCodeUnsupportedProtocol,
			fmt.Sprintf("protocol version %d not supported (want %d)", req.ProtocolVersion, ProtocolVersion))
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %q", req.Command))
	}
	return s.invoke(req, handler)
}

func (s *Server) invoke(req *Request, handler HandlerFunc) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			s.logf("ERROR", "handler %q panicked: %v\n%s", req.Command, r, debug.Stack())
			resp = ErrorResponse(ErrCodeInternal, fmt.Sprintf("handler %q panicked", req.Command))
		}
	}()
	return handler(req)
}

func (s *Server) logf(level, format string, args ...any) {
	s.logger.Printf("%s %s uds: %s", time.Now().Format(time.RFC3339), level, fmt.Sprintf(format, args...))
}
