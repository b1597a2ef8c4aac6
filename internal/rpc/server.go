package rpc

import (
	"context"
	"io"
)

// Server binds a Transport to one Orchestrator, dispatching every decoded
// Request to the matching method handler in methods.go and writing back
// its Response (spec.md §6's RPC envelope).
type Server struct {
	tx      *Transport
	orch    *Orchestrator
	ctx     context.Context
	version string
}

// NewServer wires a Transport over r/w to a fresh Orchestrator built from
// deps. version is reported from the initialize method.
func NewServer(r io.Reader, w io.Writer, deps Deps, version string) *Server {
	tx := NewTransport(r, w)
	return &Server{
		tx:      tx,
		orch:    NewOrchestrator(deps, tx),
		ctx:     context.Background(),
		version: version,
	}
}

// Serve runs the duplex loop until ctx is cancelled or the input stream
// closes. Each request is handled on its own goroutine by Transport.Run;
// Serve blocks the calling goroutine for the session's lifetime.
func (s *Server) Serve(ctx context.Context) error {
	s.ctx = ctx
	defer s.orch.Close()
	return s.tx.Run(ctx, func(req Request) {
		resp := s.handle(req)
		if resp != nil {
			_ = s.tx.SendResponse(*resp)
		}
	})
}
