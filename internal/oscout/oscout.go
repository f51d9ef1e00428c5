// Package oscout sends source snapshots to Open Sound Control receivers,
// so lighting and show-control desks can chase the decoded time code.
//
// Every snapshot becomes one message addressed /mtc/<source key> with the
// arguments:
//
//	s  timecode "HH:MM:SS:FF"
//	f  frame rate (0 until known)
//	i  direction (-1 backward, 0 unknown, 1 forward)
//	i  indicator (0 stopped, 1 running, 2 locked)
//	i  mode (0 clock, 1 timecode)
package oscout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/scgolang/osc"

	"github.com/zsiec/mtcclock/internal/pipeline"
)

// AddressPrefix starts the OSC address of every message.
const AddressPrefix = "/mtc/"

// subscriberBuffer is how many snapshots a follower may lag behind.
const subscriberBuffer = 16

type target struct {
	addr string
	conn *osc.UDPConn
}

// Sender delivers snapshots to a fixed set of UDP targets.
type Sender struct {
	log     *slog.Logger
	targets []target
}

// Dial resolves and connects every host:port in addrs. On error, targets
// already connected are closed.
func Dial(addrs []string, log *slog.Logger) (*Sender, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Sender{log: log.With("component", "osc")}
	for _, a := range addrs {
		raddr, err := net.ResolveUDPAddr("udp", a)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("oscout: resolve %s: %w", a, err)
		}
		conn, err := osc.DialUDP("udp", nil, raddr)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("oscout: dial %s: %w", a, err)
		}
		s.targets = append(s.targets, target{addr: a, conn: conn})
	}
	return s, nil
}

// Message builds the OSC message for a snapshot.
func Message(snap pipeline.Snapshot) osc.Message {
	return osc.Message{
		Address: AddressPrefix + snap.Key,
		Arguments: osc.Arguments{
			osc.String(snap.Timecode.String()),
			osc.Float(float32(snap.Framerate)),
			osc.Int(int32(snap.Direction)),
			osc.Int(int32(snap.Indicator)),
			osc.Int(int32(snap.Mode)),
		},
	}
}

// Send delivers one snapshot to every target. Failures are joined; a
// failing target does not stop delivery to the others.
func (s *Sender) Send(snap pipeline.Snapshot) error {
	msg := Message(snap)
	var errs []error
	for _, t := range s.targets {
		if err := t.conn.Send(msg); err != nil {
			errs = append(errs, fmt.Errorf("oscout: send to %s: %w", t.addr, err))
		}
	}
	return errors.Join(errs...)
}

// Follow forwards every snapshot p publishes until the pipeline ends or
// ctx is cancelled.
func (s *Sender) Follow(ctx context.Context, p *pipeline.Pipeline) {
	updates, unsubscribe := p.Subscribe(subscriberBuffer)
	defer unsubscribe()

	log := s.log.With("source", p.Key())
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if err := s.Send(snap); err != nil {
				// Receivers come and go; an unreachable desk is routine.
				log.Debug("OSC send failed", "error", err)
			}
		}
	}
}

// Close closes every target connection.
func (s *Sender) Close() error {
	var errs []error
	for _, t := range s.targets {
		errs = append(errs, t.conn.Close())
	}
	s.targets = nil
	return errors.Join(errs...)
}
