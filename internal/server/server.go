// Package server exposes the job manager over a line-framed JSON protocol on
// TCP, optionally wrapped in mutual TLS.
package server

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/bobmcallan/sfcluster/internal/common"
	"github.com/bobmcallan/sfcluster/internal/jobmanager"
)

// maxFrameBytes bounds one request line. Oversized frames disconnect the
// client rather than grow the buffer without bound.
const maxFrameBytes = 1 << 20

// Server accepts client connections and pumps their request frames into the
// dispatcher.
type Server struct {
	cfg     *common.Config
	logger  *common.Logger
	manager *jobmanager.Manager

	listener net.Listener
	mu       sync.Mutex
	closed   bool
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// New creates a server fronting manager.
func New(cfg *common.Config, manager *jobmanager.Manager, logger *common.Logger) *Server {
	return &Server{
		cfg:     cfg,
		logger:  logger,
		manager: manager,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start binds the listener and launches the accept loop. When the TLS triple
// is configured the listener requires and verifies client certificates.
func (s *Server) Start() error {
	addr := s.cfg.Server.Addr()

	var (
		ln    net.Listener
		err   error
		proto = "tcp"
	)
	if s.cfg.TLS.Complete() {
		tlsConf, cfgErr := buildTLSConfig(&s.cfg.TLS)
		if cfgErr != nil {
			return cfgErr
		}
		ln, err = tlsListen(addr, tlsConf)
		proto = "tls"
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = ln
	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info().
		Str("addr", addr).
		Str("proto", proto).
		Str("server_id", s.cfg.Server.ServerID).
		Msg("Listening")
	return nil
}

// Stop closes the listener and every live connection, then waits for the
// handlers to drain.
func (s *Server) Stop() {
	s.mu.Lock()
	s.closed = true
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	s.logger.Info().Msg("Server stopped")
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn().Err(err).Msg("Accept failed")
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// handleConn owns one client connection: register its writer with the hub,
// announce server status, then read frames until EOF.
func (s *Server) handleConn(conn net.Conn) {
	addr := conn.RemoteAddr().String()
	s.logger.Info().Str("addr", addr).Msg("Client connected")

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	client := s.manager.Hub().Register(conn)
	defer func() {
		s.manager.Hub().Unregister(client)
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		s.logger.Info().Str("addr", addr).Msg("Client disconnected")
	}()

	s.manager.BroadcastStatus()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		// Mangled bytes are replaced, not fatal; unparseable frames are
		// dropped by the dispatcher.
		s.dispatch(client, strings.ToValidUTF8(line, "�"))
	}
}
