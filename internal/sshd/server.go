// Package sshd is the network face of the service: it authenticates SSH
// connections and binds their channels to multiplexer sessions and the
// file-transfer dispatcher.
package sshd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/holdfast-sh/holdfast/internal/fileops"
	"github.com/holdfast-sh/holdfast/internal/mux"
	"github.com/holdfast-sh/holdfast/internal/registry"
	"github.com/holdfast-sh/holdfast/internal/relay"
)

// EventSink receives best-effort copies of session output. *relay.Client
// satisfies it; a nil sink disables relaying.
type EventSink interface {
	Publish(evt relay.Event)
}

type Config struct {
	ListenAddr         string
	HostKeyPath        string
	AuthorizedKeysPath string
	PasswordSecret     string
}

// Server accepts connections and runs one connection handler per client.
type Server struct {
	cfg      Config
	sshCfg   *ssh.ServerConfig
	registry *registry.Registry
	mux      mux.Multiplexer
	events   EventSink
	log      *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

func New(cfg Config, reg *registry.Registry, m mux.Multiplexer, events EventSink, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	var authorized []ssh.PublicKey
	if cfg.AuthorizedKeysPath != "" {
		keys, err := LoadAuthorizedKeys(cfg.AuthorizedKeysPath)
		switch {
		case err == nil:
			authorized = keys
		case errors.Is(err, os.ErrNotExist):
			logger.Warn("authorized keys file missing, key auth disabled",
				"path", cfg.AuthorizedKeysPath)
		default:
			return nil, fmt.Errorf("authorized keys: %w", err)
		}
	}
	if len(authorized) == 0 && cfg.PasswordSecret == "" {
		return nil, errors.New("no authentication method configured")
	}

	sshCfg := newServerConfig(authorized, cfg.PasswordSecret)
	hostKey, err := loadOrCreateHostKey(cfg.HostKeyPath, logger)
	if err != nil {
		return nil, fmt.Errorf("host key: %w", err)
	}
	sshCfg.AddHostKey(hostKey)

	return &Server{
		cfg:      cfg,
		sshCfg:   sshCfg,
		registry: reg,
		mux:      m,
		events:   events,
		log:      logger,
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

func (s *Server) newDispatcher(logger *slog.Logger) *fileops.Dispatcher {
	return fileops.NewDispatcher(logger)
}

// Addr reports the bound listen address, useful with a ":0" config.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe accepts connections until ctx is cancelled, then closes
// the listener and all live connections and waits for their handlers.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.log.Info("listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		s.Shutdown()
	}()

	for {
		netConn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Warn("accept failed", "err", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, netConn)
		}()
	}

	s.wg.Wait()
	s.log.Info("server stopped")
	return nil
}

// Shutdown stops accepting and closes every live connection, including
// ones still mid-handshake. Serve's handler wait provides the drain.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
}

func (s *Server) handleConn(ctx context.Context, netConn net.Conn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = netConn.Close()
		return
	}
	s.conns[netConn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, netConn)
		s.mu.Unlock()
	}()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.sshCfg)
	if err != nil {
		s.log.Debug("handshake failed", "remote", netConn.RemoteAddr().String(), "err", err)
		_ = netConn.Close()
		return
	}

	c := newConnection(s, sshConn)
	c.log.Info("connected", "client", string(sshConn.ClientVersion()))

	go ssh.DiscardRequests(reqs)
	c.handleChannels(ctx, chans)

	_ = sshConn.Wait()
	s.mu.Lock()
	remaining := len(s.conns) - 1
	s.mu.Unlock()
	c.log.Info("disconnected",
		"bytes_in", c.bytesIn.Load(),
		"bytes_out", c.bytesOut.Load(),
		"active", remaining)
}
