package hello

import (
	"encoding/json"
	"iter"
	"sync"
	"time"

	"github.com/MegaGrindStone/streamable-mcp"
)

// Server implements a small greeting server used to demonstrate and test the
// streamable HTTP transport. It exposes a simple greet tool and a multi-greet
// tool that exercises the server-to-client event stream through progress and
// log notifications.
type Server struct {
	greetDelay time.Duration

	levelMu  sync.Mutex
	logLevel mcp.LogLevel

	logs chan mcp.LogParams

	streamMu  sync.Mutex
	streaming bool

	done      chan struct{}
	logClosed chan struct{}
}

// Option configures the hello server.
type Option func(*Server)

// WithGreetDelay sets the pause between the notifications emitted by the
// multi-greet tool.
func WithGreetDelay(delay time.Duration) Option {
	return func(s *Server) {
		s.greetDelay = delay
	}
}

// NewServer creates a new hello server. Callers must call Close when finished to
// release resources.
func NewServer(options ...Option) *Server {
	s := &Server{
		greetDelay: time.Second,
		logLevel:   mcp.LogLevelDebug,
		logs:       make(chan mcp.LogParams, 10),
		done:       make(chan struct{}),
		logClosed:  make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Close stops the server's log stream. It waits for an active LogStreams
// consumer to observe the shutdown; without one it returns immediately.
func (s *Server) Close() {
	close(s.done)

	s.streamMu.Lock()
	streaming := s.streaming
	s.streamMu.Unlock()
	if streaming {
		<-s.logClosed
	}
}

// LogStreams implements the mcp.LogHandler interface.
func (s *Server) LogStreams() iter.Seq[mcp.LogParams] {
	return func(yield func(mcp.LogParams) bool) {
		s.streamMu.Lock()
		s.streaming = true
		s.streamMu.Unlock()

		defer close(s.logClosed)

		for {
			select {
			case <-s.done:
				return
			case params := <-s.logs:
				if !yield(params) {
					return
				}
			}
		}
	}
}

// SetLogLevel implements the mcp.LogHandler interface.
func (s *Server) SetLogLevel(level mcp.LogLevel) {
	s.levelMu.Lock()
	s.logLevel = level
	s.levelMu.Unlock()
}

func (s *Server) log(msg string, level mcp.LogLevel) {
	s.levelMu.Lock()
	minLevel := s.logLevel
	s.levelMu.Unlock()

	if level < minLevel {
		return
	}

	data, _ := json.Marshal(map[string]string{"message": msg})

	// Drop the entry if nothing is draining the stream.
	select {
	case s.logs <- mcp.LogParams{
		Level:  level,
		Logger: "hello",
		Data:   data,
	}:
	default:
	}
}
