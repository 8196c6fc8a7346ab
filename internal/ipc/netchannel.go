package ipc

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/orpcrt/orpc/internal/wire"
)

// NetChannel is the default Channel implementation: framed messages over
// any reliable ordered net.Conn (local domain socket, TCP, or pipe), per
// spec §6's transport note. Reading and dispatch run on a dedicated
// goroutine managed by an errgroup; writes are serialised under writeMu
// since a net.Conn's Write is not safe for concurrent use by itself once
// frames can interleave.
type NetChannel struct {
	*stateMachine

	conn    net.Conn
	handler Handler
	log     logrus.FieldLogger

	writeMu sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// NewNetChannel wraps conn. handler processes inbound Announce/Invoke
// messages the peer originates; it may be nil for a channel that never
// receives requests (a pure outbound client leg).
func NewNetChannel(conn net.Conn, handler Handler, log logrus.FieldLogger) *NetChannel {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &NetChannel{
		stateMachine: newStateMachine(),
		conn:         conn,
		handler:      handler,
		log:          log,
	}
}

func (c *NetChannel) Open(ctx context.Context) error {
	if c.State() != StateClosed {
		return nil
	}
	c.setState(StateOpening)
	gctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(gctx)
	c.cancel = cancel
	c.group = g
	g.Go(func() error {
		return c.readLoop(gctx)
	})
	c.setState(StateOpen)
	return nil
}

func (c *NetChannel) readLoop(ctx context.Context) error {
	for {
		frame, err := readFrame(c.conn)
		if err != nil {
			c.closeWithError(errors.Wrap(err, "ipc: read frame"))
			return err
		}
		header, payload, err := wire.DecodeHeader(frame)
		if err != nil {
			c.log.WithError(err).Warn("ipc: dropping malformed frame")
			continue
		}
		if c.stateMachine.complete(header.RequestOrdinal, payload) {
			continue
		}
		go c.dispatchInbound(ctx, header, payload)
	}
}

func (c *NetChannel) dispatchInbound(ctx context.Context, header wire.Header, payload []byte) {
	if c.handler == nil {
		c.log.WithField("label", header.Label).Warn("ipc: inbound message with no handler registered")
		return
	}
	switch header.Label {
	case wire.LabelAnnounce:
		msg, err := wire.DecodeAnnounceMessage(wire.NewFrameFromBytes(payload))
		if err != nil {
			c.log.WithError(err).Warn("ipc: malformed announce payload")
			return
		}
		setup, err := c.handler.HandleAnnounce(ctx, c, msg)
		if err != nil {
			c.log.WithError(err).WithField("kind", msg.Kind).Warn("ipc: announce handler failed")
			return
		}
		if msg.Kind == wire.KindRevoke {
			return
		}
		f := wire.NewFrame()
		setup.Encode(f)
		c.writeFrame(wire.Header{Label: wire.LabelAnnounce, RequestOrdinal: header.RequestOrdinal}, f.Bytes())
	case wire.LabelInvoke:
		req, err := wire.DecodeInvokeRequest(wire.NewFrameFromBytes(payload))
		if err != nil {
			c.log.WithError(err).Warn("ipc: malformed invoke payload")
			return
		}
		resp, err := c.handler.HandleInvoke(ctx, req)
		if err != nil {
			c.log.WithError(err).Warn("ipc: invoke handler failed")
			return
		}
		f := wire.NewFrame()
		resp.Encode(f)
		c.writeFrame(wire.Header{Label: wire.LabelInvoke, RequestOrdinal: header.RequestOrdinal}, f.Bytes())
	default:
		c.log.WithField("label", header.Label).Warn("ipc: unknown message label")
	}
}

func (c *NetChannel) writeFrame(h wire.Header, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(wire.EncodeHeader(h, payload))
	return err
}

func (c *NetChannel) roundTrip(ctx context.Context, label wire.Label, payload []byte) ([]byte, error) {
	if c.State() != StateOpen {
		return nil, ErrChannelClosed
	}
	ordinal := c.allocOrdinal()
	pr := c.stateMachine.register(ordinal, label)
	if err := c.writeFrame(wire.Header{Label: label, RequestOrdinal: ordinal}, payload); err != nil {
		c.stateMachine.forget(ordinal)
		return nil, errors.Wrap(err, "ipc: write frame")
	}
	select {
	case resp := <-pr.resp:
		return resp, nil
	case err := <-pr.errc:
		return nil, err
	case <-ctx.Done():
		c.stateMachine.forget(ordinal)
		return nil, ErrInvokeTimeout
	}
}

func (c *NetChannel) Invoke(ctx context.Context, req wire.InvokeRequest) (wire.InvokeResponse, error) {
	f := wire.NewFrame()
	req.Encode(f)
	respPayload, err := c.roundTrip(ctx, wire.LabelInvoke, f.Bytes())
	if err != nil {
		return wire.InvokeResponse{}, err
	}
	return wire.DecodeInvokeResponse(wire.NewFrameFromBytes(respPayload))
}

func (c *NetChannel) Announce(ctx context.Context, msg wire.AnnounceMessage) (wire.SetupMessage, error) {
	f := wire.NewFrame()
	if err := msg.Encode(f); err != nil {
		return wire.SetupMessage{}, err
	}
	if msg.Kind == wire.KindRevoke {
		ordinal := c.allocOrdinal()
		err := c.writeFrame(wire.Header{Label: wire.LabelAnnounce, RequestOrdinal: ordinal}, f.Bytes())
		return wire.SetupMessage{}, err
	}
	respPayload, err := c.roundTrip(ctx, wire.LabelAnnounce, f.Bytes())
	if err != nil {
		return wire.SetupMessage{}, err
	}
	return wire.DecodeSetupMessage(wire.NewFrameFromBytes(respPayload))
}

func (c *NetChannel) closeWithError(err error) {
	if c.State() == StateClosed {
		return
	}
	c.setState(StateClosing)
	c.stateMachine.failAll(errors.Wrap(ErrChannelClosed, err.Error()))
	c.conn.Close()
	c.setState(StateClosed)
}

func (c *NetChannel) Close() error {
	if c.State() == StateClosed {
		return nil
	}
	c.setState(StateClosing)
	if c.cancel != nil {
		c.cancel()
	}
	err := c.conn.Close()
	c.stateMachine.failAll(ErrChannelClosed)
	if c.group != nil {
		c.group.Wait() // readLoop always returns a non-nil error on close; ignored
	}
	c.setState(StateClosed)
	return err
}

// readFrame reads one length-prefixed frame off r: a uint16 length
// followed by that many bytes (spec §6). The returned slice includes the
// length prefix itself, matching what wire.DecodeHeader expects.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint16(lenBuf[:])
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	frame := make([]byte, 2+len(body))
	copy(frame, lenBuf[:])
	copy(frame[2:], body)
	return frame, nil
}
