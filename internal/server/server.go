// Package server exposes the snowlens tool surface as an MCP endpoint:
// JSON-RPC 2.0 over stdio with line-delimited framing.
//
// Each request runs on its own goroutine, so a slow query never blocks a
// health check. Tool dispatch goes through the registry's interceptor chain
// (panic recovery, call logging, rate limiting), argument validation and the
// resource gate before the handler runs; every failure is translated into
// the stable wire codes documented in the taxonomy package. Shutdown drains
// in-flight calls up to a bounded timeout.
package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/snowlens-io/snowlens/internal/taxonomy"
)

const (
	// initialScanBuffer is the scanner's starting allocation; maxLineBytes
	// caps one framed request. Four MiB leaves room for large statements
	// without letting a runaway client exhaust memory.
	initialScanBuffer = 64 * 1024
	maxLineBytes      = 4 * 1024 * 1024

	// DefaultDrainTimeout bounds how long shutdown waits for in-flight
	// tool calls before giving up on them.
	DefaultDrainTimeout = 30 * time.Second
)

// Config wires a Server.
type Config struct {
	Registry *Registry
	Logger   *slog.Logger

	// In and Out default to the process stdio streams.
	In  io.Reader
	Out io.Writer

	// Name and Version identify the server in the initialize handshake.
	Name    string
	Version string

	DrainTimeout time.Duration
}

// Server reads framed JSON-RPC requests, dispatches them concurrently and
// writes responses in completion order.
type Server struct {
	registry     *Registry
	logger       *slog.Logger
	in           io.Reader
	out          io.Writer
	name         string
	version      string
	drainTimeout time.Duration

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// NewServer creates the server. Zero config fields fall back to defaults.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.In == nil {
		cfg.In = os.Stdin
	}

	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}

	if cfg.Name == "" {
		cfg.Name = "snowlens"
	}

	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}

	return &Server{
		registry:     cfg.Registry,
		logger:       cfg.Logger,
		in:           cfg.In,
		out:          cfg.Out,
		name:         cfg.Name,
		version:      cfg.Version,
		drainTimeout: cfg.DrainTimeout,
	}
}

// Run serves requests until the input stream ends or ctx is canceled. It
// returns the scanner error on malformed input streams, ctx.Err() on
// cancellation, and nil on clean end of input.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Server started",
		slog.String("name", s.name),
		slog.String("version", s.version))

	lines := make(chan []byte)
	readErr := make(chan error, 1)

	go func() {
		scanner := bufio.NewScanner(s.in)
		scanner.Buffer(make([]byte, initialScanBuffer), maxLineBytes)

		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}

			// The scanner reuses its buffer on the next Scan; the
			// dispatch goroutine needs its own copy.
			data := make([]byte, len(line))
			copy(data, line)

			select {
			case lines <- data:
			case <-ctx.Done():
				return
			}
		}

		readErr <- scanner.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Server stopping", slog.String("reason", "context canceled"))
			s.drain()

			return ctx.Err()
		case data, ok := <-lines:
			if !ok {
				err := <-readErr
				s.logger.Info("Server stopping", slog.String("reason", "input closed"))
				s.drain()

				return err
			}

			s.wg.Add(1)

			go func(line []byte) {
				defer s.wg.Done()
				s.handle(ctx, line)
			}(data)
		}
	}
}

// drain waits for in-flight requests up to the drain timeout.
func (s *Server) drain() {
	done := make(chan struct{})

	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.drainTimeout):
		s.logger.Warn("Shutdown drain timed out",
			slog.Duration("timeout", s.drainTimeout))
	}
}

// handle processes one framed request end to end.
func (s *Server) handle(ctx context.Context, data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		s.sendError(nil, &rpcError{
			Code:    taxonomy.CodeParseError,
			Message: "Parse error",
			Data:    map[string]any{"detail": err.Error()},
		})

		return
	}

	if req.JSONRPC != jsonrpcVersion || req.Method == "" {
		if req.isNotification() {
			return
		}

		s.sendError(req.ID, &rpcError{
			Code:    taxonomy.CodeInvalidRequest,
			Message: "Invalid request",
		})

		return
	}

	if req.isNotification() {
		s.handleNotification(req)

		return
	}

	result, rpcErr := s.route(ctx, req)
	if rpcErr != nil {
		s.sendError(req.ID, rpcErr)

		return
	}

	s.sendResult(req.ID, result)
}

// route maps a request to its method handler.
func (s *Server) route(ctx context.Context, req request) (any, *rpcError) {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(), nil
	case "ping":
		return map[string]any{}, nil
	case "tools/list":
		return map[string]any{"tools": s.registry.Tools()}, nil
	case "tools/call":
		return s.handleToolsCall(ctx, req.Params)
	default:
		return nil, &rpcError{
			Code:    taxonomy.CodeMethodNotFound,
			Message: "Method not found: " + req.Method,
		}
	}
}

// handleNotification processes fire-and-forget messages.
func (s *Server) handleNotification(req request) {
	switch req.Method {
	case "notifications/initialized":
		s.logger.Debug("Client completed initialization")
	default:
		s.logger.Debug("Ignoring notification", slog.String("method", req.Method))
	}
}

// handleInitialize answers the MCP handshake.
func (s *Server) handleInitialize() map[string]any {
	return map[string]any{
		"protocolVersion": protocolVersion,
		"serverInfo": map[string]any{
			"name":    s.name,
			"version": s.version,
		},
		"capabilities": map[string]any{
			"tools": map[string]any{"listChanged": false},
		},
	}
}

// handleToolsCall validates the call shape and dispatches through the
// registry. Protocol-shape failures (bad params, unknown tool) use the
// generic JSON-RPC codes; everything past dispatch uses the taxonomy codes.
func (s *Server) handleToolsCall(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var call struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}

	if len(params) == 0 {
		return nil, &rpcError{
			Code:    taxonomy.CodeInvalidParams,
			Message: "Invalid params: missing tool name",
		}
	}

	if err := json.Unmarshal(params, &call); err != nil {
		return nil, &rpcError{
			Code:    taxonomy.CodeInvalidParams,
			Message: "Invalid params",
			Data:    map[string]any{"detail": err.Error()},
		}
	}

	if call.Name == "" {
		return nil, &rpcError{
			Code:    taxonomy.CodeInvalidParams,
			Message: "Invalid params: missing tool name",
		}
	}

	if !s.registry.Has(call.Name) {
		return nil, &rpcError{
			Code:    taxonomy.CodeInvalidParams,
			Message: fmt.Sprintf("Unknown tool %q", call.Name),
			Data: map[string]any{
				"tool":      call.Name,
				"available": s.registry.Names(),
			},
		}
	}

	result, err := s.registry.Call(ctx, call.Name, call.Arguments)
	if err != nil {
		return nil, wireError(err, verboseErrors(call.Arguments))
	}

	return toolResult(result)
}

// toolResult wraps a handler result in the MCP content envelope. String
// results (rendered lineage text, DOT source) pass through verbatim;
// everything else is marshaled as JSON.
func toolResult(result any) (any, *rpcError) {
	text, ok := result.(string)
	if !ok {
		data, err := json.Marshal(result)
		if err != nil {
			return nil, &rpcError{
				Code:    taxonomy.CodeInternalError,
				Message: "Failed to encode result",
				Data:    map[string]any{"detail": err.Error()},
			}
		}

		text = string(data)
	}

	return map[string]any{
		"content": []map[string]any{
			{"type": "text", "text": text},
		},
	}, nil
}

func (s *Server) sendResult(id json.RawMessage, result any) {
	s.send(response{JSONRPC: jsonrpcVersion, ID: id, Result: result})
}

func (s *Server) sendError(id json.RawMessage, rpcErr *rpcError) {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}

	s.send(response{JSONRPC: jsonrpcVersion, ID: id, Error: rpcErr})
}

// send serializes one response. The write lock keeps concurrent responses
// from interleaving within a frame.
func (s *Server) send(resp response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("Failed to encode response", slog.String("error", err.Error()))

		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := fmt.Fprintln(s.out, string(data)); err != nil {
		s.logger.Error("Failed to write response", slog.String("error", err.Error()))
	}
}
