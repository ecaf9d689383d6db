// Package dispatcher implements the per-connection dispatch loop: read a
// frame, resolve and validate it against the command registry, bind a
// logging context, invoke the handler, write the reply — and, for
// AGENT_CONNECTION, keep the connection open as a persistent channel the
// message bus can push events over.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/ksi-project/ksid/internal/bus"
	"github.com/ksi-project/ksid/internal/connctx"
	"github.com/ksi-project/ksid/internal/envelope"
	"github.com/ksi-project/ksid/internal/frame"
	"github.com/ksi-project/ksid/internal/logging"
	"github.com/ksi-project/ksid/internal/registry"
	"github.com/ksi-project/ksid/internal/rpcerr"
)

// domainByCommand maps a canonical command name to its functional domain,
// per the glossary's admin|agents|messaging|state|completion split.
var domainByCommand = map[string]logging.Domain{
	"HEALTH_CHECK":     logging.DomainAdmin,
	"SHUTDOWN":         logging.DomainAdmin,
	"RELOAD_DAEMON":    logging.DomainAdmin,
	"LOAD_STATE":       logging.DomainAdmin,
	"CLEANUP":          logging.DomainAdmin,
	"RELOAD_MODULE":    logging.DomainAdmin,
	"GET_COMMANDS":     logging.DomainAdmin,
	"COMPLETION":       logging.DomainCompletion,
	"GET_PROCESSES":    logging.DomainCompletion,
	"REGISTER_AGENT":   logging.DomainAgents,
	"SPAWN_AGENT":      logging.DomainAgents,
	"GET_AGENTS":       logging.DomainAgents,
	"ROUTE_TASK":       logging.DomainAgents,
	"SEND_MESSAGE":     logging.DomainMessaging,
	"PUBLISH":          logging.DomainMessaging,
	"SUBSCRIBE":        logging.DomainMessaging,
	"AGENT_CONNECTION": logging.DomainMessaging,
	"MESSAGE_BUS_STATS": logging.DomainMessaging,
	"SET_AGENT_KV":     logging.DomainState,
	"GET_AGENT_KV":     logging.DomainState,
	"CREATE_IDENTITY":  logging.DomainState,
	"UPDATE_IDENTITY":  logging.DomainState,
	"GET_IDENTITY":     logging.DomainState,
	"LIST_IDENTITIES":  logging.DomainState,
	"REMOVE_IDENTITY":  logging.DomainState,
	"GET_COMPOSITIONS":     logging.DomainCompletion,
	"GET_COMPOSITION":      logging.DomainCompletion,
	"VALIDATE_COMPOSITION": logging.DomainCompletion,
	"COMPOSE_PROMPT":       logging.DomainCompletion,
	"LIST_COMPONENTS":      logging.DomainCompletion,
	"INJECTION_INJECT":         logging.DomainCompletion,
	"INJECTION_BATCH":          logging.DomainCompletion,
	"INJECTION_LIST":           logging.DomainCompletion,
	"INJECTION_CLEAR":          logging.DomainCompletion,
	"INJECTION_QUEUE":          logging.DomainCompletion,
	"INJECTION_STATUS":         logging.DomainCompletion,
	"INJECTION_PROCESS_RESULT": logging.DomainCompletion,
	"INJECTION_EXECUTE":        logging.DomainCompletion,
}

func domainFor(command string) logging.Domain {
	if d, ok := domainByCommand[command]; ok {
		return d
	}
	return logging.DomainAdmin
}

// Dependencies the server needs beyond the registry itself: hooks run
// around the per-connection lifecycle that only the daemon's wiring layer
// has enough context to provide.
type Dependencies struct {
	// Bus gets Disconnect called for a connection's bound agent when the
	// socket drops without an explicit AGENT_CONNECTION disconnect.
	Bus *bus.Bus
	// OnShutdown signals the daemon-wide shutdown event after a SHUTDOWN
	// reply has been written.
	OnShutdown func()
}

// Server accepts connections on a listener and runs the dispatch loop on
// each.
type Server struct {
	registry *registry.Registry
	deps     Dependencies
	logger   *zap.Logger
	maxFrame int

	mu    sync.Mutex
	conns map[*conn]struct{}
	wg    sync.WaitGroup
}

// New creates a dispatch server bound to reg. maxFrameSize of 0 uses
// frame.DefaultMaxFrameSize.
func New(reg *registry.Registry, deps Dependencies, logger *zap.Logger, maxFrameSize int) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxFrameSize <= 0 {
		maxFrameSize = frame.DefaultMaxFrameSize
	}
	return &Server{
		registry: reg,
		deps:     deps,
		logger:   logger,
		maxFrame: maxFrameSize,
		conns:    make(map[*conn]struct{}),
	}
}

// Serve accepts connections on ln until ctx is cancelled or Accept fails.
// Each connection runs its dispatch loop in its own goroutine; Serve
// returns once the listener is closed, but outstanding connections are
// left running until they finish their current frame and observe ctx is
// done (see conn watcher in handle).
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, nc)
		}()
	}
}

// Wait blocks until every in-flight connection goroutine has exited.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) handle(ctx context.Context, nc net.Conn) {
	c := newConn(nc, s.maxFrame)
	s.trackConn(c)
	defer s.untrackConn(c)
	defer nc.Close()

	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = nc.Close()
		case <-connDone:
		}
	}()

	for {
		raw, err := c.reader.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("connection read error", zap.Error(err))
			}
			break
		}

		resp, shouldShutdown := s.dispatch(ctx, c, raw)
		if err := c.writeResponse(resp); err != nil {
			s.logger.Debug("connection write error", zap.Error(err))
			break
		}
		if shouldShutdown {
			// The daemon-wide shutdown event fires only once the SHUTDOWN
			// reply is confirmed written, so the cascading connection
			// close can never race the acknowledging client's reply.
			if s.deps.OnShutdown != nil {
				s.deps.OnShutdown()
			}
			break
		}
	}

	if agentID := c.getAgentID(); agentID != "" && s.deps.Bus != nil {
		s.deps.Bus.Disconnect(agentID)
	}
}

func (s *Server) dispatch(ctx context.Context, c *conn, raw []byte) (envelope.Response, bool) {
	if !json.Valid(raw) {
		return envelope.Failure("", string(rpcerr.InvalidJSON), "frame is not valid JSON"), false
	}
	// The envelope is strict: unknown keys anywhere in it (including
	// metadata beyond timestamp/request_id/client_id) are rejected.
	var req envelope.Request
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return envelope.Failure("", string(rpcerr.InvalidCommand), err.Error()), false
	}
	if req.Command == "" {
		return envelope.Failure("", string(rpcerr.InvalidCommand), "missing command"), false
	}

	reqID := req.Metadata.RequestID
	if reqID == "" {
		reqID = req.Metadata.Timestamp
	}
	hctx := logging.WithDomain(ctx, domainFor(req.Command))
	hctx = logging.WithRequestID(hctx, reqID)
	hctx = connctx.WithWriter(hctx, c)

	result, err := s.registry.Dispatch(hctx, req.Command, req.Parameters)
	if err != nil {
		code, msg := rpcerr.CodeAndMessage(err)
		logging.FromContext(hctx).Info("command failed", zap.String("command", req.Command), zap.String("code", code), zap.Error(err))
		return envelope.Failure(req.Command, code, msg), false
	}

	return envelope.Success(req.Command, result), s.registry.Canonical(req.Command) == "SHUTDOWN"
}

func (s *Server) trackConn(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c] = struct{}{}
}

func (s *Server) untrackConn(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}
