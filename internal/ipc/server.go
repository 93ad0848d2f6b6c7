package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	rtsup "lanebridge/internal/runtime/supervisor"
	logx "lanebridge/pkg/logx"
)

const DefaultMaxLineBytes = 64 * 1024

type ServerConfig struct {
	Network      string // "unix" (default) or "tcp"
	Addr         string
	MaxLineBytes int
}

// Server accepts JSON-lines connections. Requests on one connection are
// answered in order; connections are served concurrently.
type Server struct {
	cfg  ServerConfig
	disp *Dispatcher
	log  logx.Logger

	mu    sync.Mutex
	ln    net.Listener
	sup   *rtsup.Supervisor
	conns map[net.Conn]struct{}
}

func NewServer(cfg ServerConfig, disp *Dispatcher, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg.Network = strings.ToLower(strings.TrimSpace(cfg.Network))
	if cfg.Network == "" {
		cfg.Network = "unix"
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = DefaultMaxLineBytes
	}
	return &Server{cfg: cfg, disp: disp, log: log, conns: map[net.Conn]struct{}{}}
}

// Start listens and serves in the background until Stop or ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}
	if s.cfg.Network != "unix" && s.cfg.Network != "tcp" {
		return fmt.Errorf("ipc: unsupported network %q", s.cfg.Network)
	}
	if s.cfg.Network == "unix" {
		removeStaleSocket(s.cfg.Addr)
	}
	ln, err := net.Listen(s.cfg.Network, s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("ipc listen %s %s: %w", s.cfg.Network, s.cfg.Addr, err)
	}
	s.ln = ln
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup := s.sup
	sup.Go("ipc.accept", func(ctx context.Context) error { return s.acceptLoop(ctx, ln, sup) })
	sup.Go0("ipc.close_on_cancel", func(ctx context.Context) {
		<-ctx.Done()
		_ = ln.Close()
	})
	s.log.Info("ipc listening", logx.String("network", s.cfg.Network), logx.String("addr", ln.Addr().String()))
	return nil
}

// Addr is the bound address (nil before Start).
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop closes the listener and every connection, then waits for handlers.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	ln, sup := s.ln, s.sup
	s.ln, s.sup = nil, nil
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	_ = ln.Close()
	err := sup.Stop(ctx)
	if s.cfg.Network == "unix" {
		_ = os.Remove(s.cfg.Addr)
	}
	s.log.Info("ipc stopped")
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, sup *rtsup.Supervisor) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return err
		}
		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}
		sup.Go0("ipc.conn", func(ctx context.Context) {
			defer s.untrack(conn)
			s.serveConn(ctx, conn)
		})
	}
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	_ = c.Close()
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	log := s.log.With(logx.String("remote", conn.RemoteAddr().String()))
	log.Debug("ipc client connected")
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, min(4096, s.cfg.MaxLineBytes)), s.cfg.MaxLineBytes)
	w := bufio.NewWriter(conn)
	enc := json.NewEncoder(w)

	for sc.Scan() {
		line := sc.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var resp Response
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			resp = failure("", errors.Join(ErrBadRequest, err))
		} else {
			resp = s.disp.Dispatch(ctx, req)
		}
		if err := enc.Encode(resp); err != nil {
			log.Debug("ipc write failed", logx.Err(err))
			return
		}
		if err := w.Flush(); err != nil {
			log.Debug("ipc write failed", logx.Err(err))
			return
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		if errors.Is(err, bufio.ErrTooLong) {
			_ = enc.Encode(failure("", fmt.Errorf("%w: line exceeds %d bytes", ErrBadRequest, s.cfg.MaxLineBytes)))
			_ = w.Flush()
		}
		log.Debug("ipc read failed", logx.Err(err))
	}
	log.Debug("ipc client disconnected")
}

// removeStaleSocket deletes a leftover socket file nobody is listening on.
func removeStaleSocket(path string) {
	fi, err := os.Stat(path)
	if err != nil || fi.Mode()&os.ModeSocket == 0 {
		return
	}
	if c, err := net.DialTimeout("unix", path, 200*time.Millisecond); err == nil {
		_ = c.Close()
		return
	}
	_ = os.Remove(path)
}
