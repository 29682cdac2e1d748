// Package proxy is a transparent USB/IP proxy that logs the traffic between
// a client and an upstream server, such as usbipd sharing a real Richcomm UPS.
package proxy

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/upsip/upsip/internal/log"
)

type Server struct {
	listenAddr        string
	upstreamAddr      string
	connectionTimeout time.Duration
	logger            *slog.Logger
	rawLogger         log.RawLogger

	mu sync.Mutex
	ln net.Listener
}

func New(listenAddr, upstreamAddr string, connectionTimeout time.Duration, logger *slog.Logger, rawLogger log.RawLogger) *Server {
	if rawLogger == nil {
		rawLogger = log.NewRaw(nil)
	}
	return &Server{
		listenAddr:        listenAddr,
		upstreamAddr:      upstreamAddr,
		connectionTimeout: connectionTimeout,
		logger:            logger,
		rawLogger:         rawLogger,
	}
}

// Listen binds the listen address without accepting connections yet.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listenAddr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.logger.Info("USB-IP proxy listening", "addr", ln.Addr().String(), "upstream", s.upstreamAddr)
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Serve accepts connections until Close is called.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("proxy: Serve called before Listen")
	}
	for {
		clientConn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.logger.Info("proxy server stopped")
				return nil
			}
			s.logger.Error("accept error", "error", err)
			continue
		}
		s.logger.Info("client connected", "remote", clientConn.RemoteAddr())
		go s.handleProxy(clientConn)
	}
}

func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

func (s *Server) handleProxy(clientConn net.Conn) {
	defer clientConn.Close()

	upstreamConn, err := net.DialTimeout("tcp", s.upstreamAddr, s.connectionTimeout)
	if err != nil {
		s.logger.Error("failed to connect to upstream", "upstream", s.upstreamAddr, "error", err)
		return
	}
	defer upstreamConn.Close()

	s.logger.Info("proxying connection", "client", clientConn.RemoteAddr(), "upstream", upstreamConn.RemoteAddr())

	// The deadline only guards the first packet; copy clears it afterwards.
	if s.connectionTimeout > 0 {
		deadline := time.Now().Add(s.connectionTimeout)
		if err := clientConn.SetDeadline(deadline); err != nil {
			s.logger.Error("failed to set client deadline", "error", err)
			return
		}
		if err := upstreamConn.SetDeadline(deadline); err != nil {
			s.logger.Error("failed to set upstream deadline", "error", err)
			return
		}
	}

	session := NewSession()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		n, err := s.copy(upstreamConn, clientConn, NewParser(s.logger, session, true))
		if err != nil && !isExpectedDisconnect(err) {
			s.logger.Debug("client->server copy error", "error", err)
		}
		s.logger.Debug("client->server stream ended", "bytes", n)
		halfClose(upstreamConn, true)
		halfClose(clientConn, false)
	}()
	go func() {
		defer wg.Done()
		n, err := s.copy(clientConn, upstreamConn, NewParser(s.logger, session, false))
		if err != nil && !isExpectedDisconnect(err) {
			s.logger.Debug("server->client copy error", "error", err)
		}
		s.logger.Debug("server->client stream ended", "bytes", n)
		halfClose(clientConn, true)
		halfClose(upstreamConn, false)
	}()
	wg.Wait()

	queries, replies := session.Counts()
	s.logger.Info("connection closed", "client", clientConn.RemoteAddr(), "queries", queries, "replies", replies)
}

func (s *Server) copy(dst, src net.Conn, parser *Parser) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	first := true
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			s.rawLogger.Log(parser.clientToServer, buf[:n])
			parser.Parse(buf[:n])

			if first {
				if err := src.SetDeadline(time.Time{}); err != nil {
					return total, fmt.Errorf("clear source deadline: %w", err)
				}
				if err := dst.SetDeadline(time.Time{}); err != nil {
					return total, fmt.Errorf("clear destination deadline: %w", err)
				}
				first = false
			}

			wn, werr := dst.Write(buf[:n])
			total += int64(wn)
			if werr != nil {
				return total, werr
			}
			if wn != n {
				return total, fmt.Errorf("short write: wrote %d of %d", wn, n)
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return total, nil
			}
			return total, rerr
		}
	}
}

func halfClose(conn net.Conn, write bool) {
	if tc, ok := conn.(*net.TCPConn); ok {
		if write {
			_ = tc.CloseWrite()
		} else {
			_ = tc.CloseRead()
		}
	}
}

func isExpectedDisconnect(err error) bool {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	e := strings.ToLower(err.Error())
	return strings.Contains(e, "connection reset") || strings.Contains(e, "broken pipe")
}
