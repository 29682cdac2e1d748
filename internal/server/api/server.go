package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/upsip/upsip/apitypes"
	"github.com/upsip/upsip/device"
	"github.com/upsip/upsip/internal/server/api/auth"
	apierror "github.com/upsip/upsip/internal/server/api/error"
	"github.com/upsip/upsip/internal/server/usb"
	"github.com/upsip/upsip/virtualbus"
)

var pathSplit = regexp.MustCompile(`\s`)

// Server implements a small TCP API for managing buses and emulated devices.
//
// A request is a path, optionally followed by whitespace and a JSON payload,
// terminated by a NUL byte. Unary routes answer with a single JSON line.
// Stream routes hand the connection to the device's stream handler.
type Server struct {
	usbs   *usb.Server
	addr   string
	logger *slog.Logger
	router *Router
	config ServerConfig
	key    []byte

	mu sync.Mutex
	ln net.Listener
}

// New creates a new API server bound to a USB/IP server instance.
func New(s *usb.Server, addr string, config ServerConfig, logger *slog.Logger) *Server {
	return &Server{
		usbs:   s,
		addr:   addr,
		logger: logger,
		config: config,
		router: NewRouter(),
	}
}

// Router returns the router used by the API server so callers can register handlers.
func (a *Server) Router() *Router { return a.router }

// USB returns the underlying USB server.
func (a *Server) USB() *usb.Server { return a.usbs }

// Config returns the server configuration.
func (a *Server) Config() ServerConfig { return a.config }

// Start listens on the configured address and serves incoming API commands.
func (a *Server) Start() error {
	if a.config.Password != "" {
		key, err := auth.DeriveKey(a.config.Password)
		if err != nil {
			return fmt.Errorf("derive api key: %w", err)
		}
		a.key = key
	}
	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.ln = ln
	a.mu.Unlock()
	a.logger.Info("API listening", "addr", ln.Addr().String(), "auth", a.key != nil)
	go a.serve(ln)
	return nil
}

// Addr returns the bound listen address, or the configured one before Start.
func (a *Server) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ln != nil {
		return a.ln.Addr().String()
	}
	return a.addr
}

// Close stops the API server.
func (a *Server) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ln != nil {
		_ = a.ln.Close()
	}
}

func (a *Server) serve(ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				a.logger.Info("API server stopped")
				return
			}
			a.logger.Info("API accept error", "error", err)
			return
		}
		go a.handleConn(c)
	}
}

func writeError(w io.Writer, err error) {
	problemJSON, _ := json.Marshal(apierror.WrapError(err))
	fmt.Fprintf(w, "%s\n", problemJSON)
}

func writeOK(w io.Writer, rest string) {
	fmt.Fprintf(w, "%s\n", rest)
}

// bufferedConn keeps bytes already pulled into the bufio.Reader visible to
// whoever takes over the connection.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }

// authenticate runs the handshake when a password is configured and returns
// the connection all further traffic must use.
func (a *Server) authenticate(conn net.Conn, r *bufio.Reader, logger *slog.Logger) (net.Conn, *bufio.Reader, error) {
	if a.key == nil {
		return conn, r, nil
	}
	if a.config.ConnectionTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(a.config.ConnectionTimeout))
		defer conn.SetReadDeadline(time.Time{})
	}
	isAuth, err := auth.IsAuthHandshake(r)
	if err != nil {
		return nil, nil, fmt.Errorf("peek handshake: %w", err)
	}
	if !isAuth {
		return nil, nil, apierror.ErrUnauthorized("authentication required")
	}
	clientNonce, serverNonce, err := auth.ServerHandshake(r, conn, a.key)
	if err != nil {
		return nil, nil, err
	}
	if r.Buffered() > 0 {
		// A client must wait for the server nonce before sending frames.
		return nil, nil, apierror.ErrBadRequest("unexpected data after handshake")
	}
	sc, err := auth.WrapConn(conn, auth.DeriveSessionKey(a.key, serverNonce, clientNonce), false)
	if err != nil {
		return nil, nil, err
	}
	logger.Debug("api client authenticated")
	return sc, bufio.NewReader(sc), nil
}

func (a *Server) handleConn(raw net.Conn) {
	defer raw.Close()

	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	connLogger := a.logger.With("remote", raw.RemoteAddr().String())
	conn, r, err := a.authenticate(raw, bufio.NewReader(raw), connLogger)
	if err != nil {
		connLogger.Warn("api authentication failed", "error", err)
		var apiErr *apitypes.ApiError
		if errors.As(err, &apiErr) {
			writeError(raw, err)
		}
		return
	}

	reqData, err := r.ReadString('\x00')
	if err != nil {
		if err == io.EOF {
			connLogger.Error("api incomplete request (no null terminator)")
		} else {
			connLogger.Error("read api data", "error", err)
		}
		return
	}
	reqData = strings.TrimSuffix(reqData, "\x00")
	if reqData == "" {
		connLogger.Error("api empty command")
		writeError(conn, apierror.ErrBadRequest("empty request"))
		return
	}

	path, payload := reqData, ""
	if loc := pathSplit.FindStringIndex(reqData); loc != nil {
		path, payload = reqData[:loc[0]], reqData[loc[1]:]
	}
	if path == "" {
		connLogger.Error("api empty path")
		writeError(conn, apierror.ErrBadRequest("empty path"))
		return
	}
	path = strings.ToLower(path)
	connLogger.Info("api cmd", "path", path)

	if h, params := a.router.Match(path); h != nil {
		req := &Request{Ctx: connCtx, Params: params, Payload: payload}
		res := &Response{}
		if err := h(req, res, connLogger); err != nil {
			connLogger.Error("api handler error", "path", path, "error", err)
			writeError(conn, err)
			return
		}
		connLogger.Debug("api handler success", "path", path)
		writeOK(conn, res.JSON)
		return
	}
	if sh, params := a.router.MatchStream(path); sh != nil {
		a.handleStream(&bufferedConn{Conn: conn, r: r}, sh, params, connLogger)
		return
	}
	connLogger.Error("api unknown path", "path", path)
	writeError(conn, apierror.ErrNotFound(fmt.Sprintf("unknown path: %s", path)))
}

func (a *Server) handleStream(conn net.Conn, sh StreamHandlerFunc, params map[string]string, logger *slog.Logger) {
	busID, err := strconv.ParseUint(params["busId"], 10, 32)
	if err != nil {
		writeError(conn, apierror.ErrBadRequest(fmt.Sprintf("invalid busId: %v", err)))
		return
	}
	bus := a.usbs.GetBus(uint32(busID))
	if bus == nil {
		writeError(conn, apierror.ErrNotFound(fmt.Sprintf("bus %d not found", busID)))
		return
	}
	devID := params["deviceid"]
	meta, ok := bus.Lookup(devID)
	var devCtx context.Context
	if ok {
		devCtx = bus.GetDeviceContext(meta.Dev)
	}
	if devCtx == nil {
		writeError(conn, apierror.ErrNotFound(fmt.Sprintf("device %s not found on bus %d", devID, busID)))
		return
	}

	logger = logger.With("busID", busID, "deviceID", devID)
	logger.Info("api stream begin")
	if t := device.GetConnTimer(devCtx); t != nil {
		t.Stop()
	}

	dev := meta.Dev
	if err := sh(conn, &dev, logger); err != nil {
		logger.Error("api stream handler error", "error", err)
	}
	logger.Info("api stream end")

	if device.RequiresStream(dev) {
		a.armDisconnectTimer(devCtx, bus, devID, logger)
	}
}

// armDisconnectTimer removes the device if no stream reconnects in time.
func (a *Server) armDisconnectTimer(devCtx context.Context, bus *virtualbus.VirtualBus, devID string, logger *slog.Logger) {
	t := device.GetConnTimer(devCtx)
	if t == nil || a.config.DeviceHandlerConnectTimeout <= 0 {
		return
	}
	t.Reset(a.config.DeviceHandlerConnectTimeout)
	go func() {
		select {
		case <-devCtx.Done():
			t.Stop()
		case <-t.C:
			if err := bus.RemoveDeviceByID(devID); err != nil {
				logger.Error("disconnect timeout: failed to remove device", "error", err)
				return
			}
			logger.Info("disconnect timeout: removed device (no reconnection)")
		}
	}()
}
