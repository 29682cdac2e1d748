package api

import (
	"context"
	"log/slog"
	"net"
	"strings"

	"github.com/upsip/upsip/usb"
)

// Request contains route parameters and additional args from the command.
type Request struct {
	Ctx     context.Context
	Params  map[string]string
	Payload string
}

// Response holds the JSON string to return to the client.
type Response struct {
	JSON string
}

// HandlerFunc processes a request and populates the response.
// The logger is scoped to the connection.
type HandlerFunc func(req *Request, res *Response, logger *slog.Logger) error

// StreamHandlerFunc handles a long-lived connection bound to one device.
// The server closes the connection once the handler returns.
type StreamHandlerFunc func(conn net.Conn, dev *usb.Device, logger *slog.Logger) error

// Router implements path pattern matching with {name} placeholders.
// Paths are matched case-insensitively; parameter names keep their case.
type Router struct {
	routes       []route[HandlerFunc]
	streamRoutes []route[StreamHandlerFunc]
}

type route[H any] struct {
	parts   []string
	names   map[int]string
	handler H
}

func newRoute[H any](pattern string, h H) route[H] {
	orig := strings.Split(pattern, "/")
	rt := route[H]{parts: strings.Split(strings.ToLower(pattern), "/"), names: map[int]string{}, handler: h}
	for i, p := range orig {
		if strings.HasPrefix(p, "{") && strings.HasSuffix(p, "}") {
			rt.names[i] = p[1 : len(p)-1]
		}
	}
	return rt
}

func (rt route[H]) match(parts []string) (map[string]string, bool) {
	if len(rt.parts) != len(parts) {
		return nil, false
	}
	params := map[string]string{}
	for i, part := range parts {
		if name, ok := rt.names[i]; ok {
			params[name] = part
			continue
		}
		if rt.parts[i] != part {
			return nil, false
		}
	}
	return params, true
}

func lookup[H any](routes []route[H], path string) (H, map[string]string) {
	parts := strings.Split(strings.ToLower(path), "/")
	for _, rt := range routes {
		if params, ok := rt.match(parts); ok {
			return rt.handler, params
		}
	}
	var zero H
	return zero, nil
}

// NewRouter returns a new Router instance.
func NewRouter() *Router { return &Router{} }

// Register registers a handler for a path pattern like "bus/{id}/list".
func (r *Router) Register(pattern string, handler HandlerFunc) {
	r.routes = append(r.routes, newRoute(pattern, handler))
}

// RegisterStream registers a StreamHandlerFunc for long-lived connections.
func (r *Router) RegisterStream(pattern string, handler StreamHandlerFunc) {
	r.streamRoutes = append(r.streamRoutes, newRoute(pattern, handler))
}

// Match returns the first unary handler matching path, or nil.
func (r *Router) Match(path string) (HandlerFunc, map[string]string) {
	return lookup(r.routes, path)
}

// MatchStream returns the first stream handler matching path, or nil.
func (r *Router) MatchStream(path string) (StreamHandlerFunc, map[string]string) {
	return lookup(r.streamRoutes, path)
}
