package xcp

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Transport abstracts the wire framing a Server is served over, letting
// Serve stay ignorant of UDP/TCP/test-harness details (see package
// transport for the reference Ethernet implementation).
type Transport interface {
	// Recv blocks for the next command packet's decoded payload.
	Recv(ctx context.Context) ([]byte, error)
	// Send transmits one response packet on the command channel.
	Send(ctx context.Context, payload []byte) error
	// SendDAQ transmits one DAQ frame popped from the DTO ring.
	SendDAQ(ctx context.Context, payload []byte) error
}

// daqFlushInterval bounds how long a triggered DTO frame can sit in the
// ring before being forwarded; it trades a little latency for not waking
// the flush goroutine on every single Push.
const daqFlushInterval = 1 * time.Millisecond

// Serve runs the command-handling loop and the DAQ-flush loop over
// transport until ctx is cancelled or either loop returns an error. It
// supervises both with an errgroup so a hard failure in one tears down the
// other (spec §6.1: the command channel and the DAQ stream share one
// session lifetime).
func (s *Server) Serve(ctx context.Context, t Transport) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			pkt, err := t.Recv(ctx)
			if err != nil {
				return err
			}
			resp, err := s.Handle(pkt)
			if err != nil {
				s.logger.Error("xcp: internal command failure, terminating session", "error", err)
				return err
			}
			if err := t.Send(ctx, resp); err != nil {
				return err
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(daqFlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				for _, frame := range s.ring.Drain() {
					if err := t.SendDAQ(ctx, frame); err != nil {
						return err
					}
				}
			}
		}
	})

	return g.Wait()
}
