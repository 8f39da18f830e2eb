package remote

import (
	"context"
	"log"

	"github.com/pkg/errors"
	"gitlab.com/akita/offload/protocol"
)

// A Server drains a channel on behalf of a dispatcher, one request at a
// time.
type Server struct {
	ch   *protocol.Channel
	disp *Dispatcher

	cycles uint64
}

// NewServer creates a server.
func NewServer(ch *protocol.Channel, disp *Dispatcher) *Server {
	return &Server{ch: ch, disp: disp}
}

// Serve blocks until a Break request is answered, the channel is closed or
// ctx is done. Only Break ends it without an error.
func (s *Server) Serve(ctx context.Context) error {
	for {
		msg, err := s.ch.Receive(ctx)
		if err != nil {
			if errors.Is(err, protocol.ErrClosed) {
				return nil
			}
			return err
		}

		res := s.disp.Dispatch(msg)
		s.cycles += res.Cycles

		if err := s.ch.Reply(res.Ret); err != nil {
			return errors.Wrapf(err, "reply to %s", msg.Op)
		}

		if res.Stop {
			if s.disp.Debug {
				log.Printf("remote: break after %d device cycles", s.cycles)
			}
			return nil
		}
	}
}

// Cycles returns the device cycles of every request served.
func (s *Server) Cycles() uint64 {
	return s.cycles
}
