// Package server runs the RESP TCP listener: one goroutine per
// connection, each reading framed commands off the wire, optionally
// authenticating against a bcrypt-hashed requirepass, throttling via a
// per-connection token bucket, and dispatching through command.Handler.
// Grounded on the source's client accept loop in main.cpp, with auth
// modeled on bcrypt.CompareHashAndPassword usage elsewhere in this
// codebase's dependency stack and the connection limiter built on
// golang.org/x/time/rate's token bucket.
package server

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/duorou/mcs/internal/mcslog"
	"github.com/duorou/mcs/internal/metrics"
	"github.com/duorou/mcs/pkg/aof"
	"github.com/duorou/mcs/pkg/command"
	"github.com/duorou/mcs/pkg/kv"
	"github.com/duorou/mcs/pkg/resp"
)

const readBufferSize = 64 * 1024

// Limits bounds per-connection command throughput. A zero RPS disables
// throttling entirely.
type Limits struct {
	RequestsPerSecond float64
	Burst             int
}

// Server accepts RESP connections and dispatches commands through a
// shared command.Handler.
type Server struct {
	log     mcslog.Logger
	addr    string
	handler *command.Handler
	aofLog  *aof.Writer // nil when append-only is disabled
	authHash string     // bcrypt hash of requirepass; empty disables auth
	limits  Limits

	listener net.Listener
	wg       sync.WaitGroup
	closing  atomic.Bool
}

// New constructs a Server bound to addr (host:port form). If
// requirePassPlain is non-empty it is bcrypt-hashed once up front and
// every connection must AUTH with the plaintext before running any
// other command. When aofLog is non-nil it is wired to store's
// apply-callback so only commands that actually mutated state are
// logged — a queued-but-never-EXECed command never reaches the AOF.
func New(log mcslog.Logger, addr string, handler *command.Handler, store *kv.DataStore, aofLog *aof.Writer, requirePassPlain string, limits Limits) (*Server, error) {
	if log == nil {
		log = mcslog.Nop()
	}
	s := &Server{log: log, addr: addr, handler: handler, aofLog: aofLog, limits: limits}
	if requirePassPlain != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(requirePassPlain), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		s.authHash = string(h)
	}
	if aofLog != nil && store != nil {
		store.SetApplyCallback(func(args []string) {
			if err := aofLog.Append(args); err != nil {
				log.Error("aof append failed", "error", err)
			}
		})
	}
	return s, nil
}

// ListenAndServe binds addr and accepts connections until ctx is
// cancelled or Close is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.log.Info("listening", "addr", s.addr)

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closing.Load() {
				s.wg.Wait()
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Close stops accepting new connections by closing the listener; it does
// not close or wait for open client connections. ListenAndServe returns
// once every connection goroutine has ended.
func (s *Server) Close() error {
	s.closing.Store(true)
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	metrics.ConnectedClients.Inc()
	defer metrics.ConnectedClients.Dec()

	var limiter *rate.Limiter
	if s.limits.RequestsPerSecond > 0 {
		burst := s.limits.Burst
		if burst <= 0 {
			burst = int(s.limits.RequestsPerSecond)
			if burst <= 0 {
				burst = 1
			}
		}
		limiter = rate.NewLimiter(rate.Limit(s.limits.RequestsPerSecond), burst)
	}

	authed := s.authHash == ""
	r := bufio.NewReaderSize(conn, readBufferSize)
	var buf []byte
	chunk := make([]byte, 4096)

	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				args, consumed := resp.Parse(buf)
				if args == nil {
					break
				}
				buf = buf[consumed:]

				if limiter != nil && !limiter.Allow() {
					conn.Write([]byte(resp.Error("rate limit exceeded")))
					continue
				}

				if !authed {
					if len(args) == 2 && upperEqual(args[0], "AUTH") {
						if bcrypt.CompareHashAndPassword([]byte(s.authHash), []byte(args[1])) == nil {
							authed = true
							conn.Write([]byte(resp.OK()))
						} else {
							conn.Write([]byte(resp.Error("invalid password")))
						}
						continue
					}
					conn.Write([]byte(resp.Error("NOAUTH Authentication required")))
					continue
				}

				reply := s.handler.Handle(args)
				if _, werr := conn.Write([]byte(reply)); werr != nil {
					return
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				s.log.Debug("connection read error", "error", err)
			}
			return
		}
	}
}

func upperEqual(s, want string) bool {
	if len(s) != len(want) {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		if c != want[i] {
			return false
		}
	}
	return true
}

