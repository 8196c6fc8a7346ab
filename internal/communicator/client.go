package communicator

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/orpcrt/orpc/internal/iface"
	"github.com/orpcrt/orpc/internal/ipc"
	"github.com/orpcrt/orpc/internal/wire"
)

// ErrOpeningFailed is returned by Acquire/Offer when the channel fails to
// open or the announce round-trip doesn't complete within the caller's
// budget (spec §4.7).
var ErrOpeningFailed = errors.New("communicator: opening failed")

// Client is the dual-mode communicator client (spec §4.7): Acquire mode
// announces a className/interfaceId pair and waits for Setup; Offer mode
// announces an already-registered (instanceId, interfaceId) plus an
// exchangeId so a parent server can route it back to a waiting AQUIRE.
type Client struct {
	Channel ipc.Channel
	log     logrus.FieldLogger

	// traceCategories carries Setup.TraceCategories from the most recent
	// successful Acquire, the supplemented feature described in
	// SPEC_FULL.md §3: the original implementation propagates the
	// server's default trace configuration down through the announce
	// reply, which the distilled spec's Setup record already carries but
	// never wires to a consumer.
	traceCategories string
}

// NewClient wraps channel, which may already be open: Acquire, Request
// and Offer call Channel.Open first, and Open is idempotent after success.
func NewClient(channel ipc.Channel, log logrus.FieldLogger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{Channel: channel, log: log}
}

// Acquire opens the channel and announces AQUIRE for className/interfaceID,
// returning the Setup the server replied with. version is currently
// advisory; a mismatch is the generated proxy code's concern, not the
// transport's.
func (c *Client) Acquire(ctx context.Context, className string, interfaceID iface.InterfaceID, version iface.Version) (wire.SetupMessage, error) {
	if err := c.Channel.Open(ctx); err != nil {
		return wire.SetupMessage{}, errors.Wrap(ErrOpeningFailed, err.Error())
	}
	setup, err := c.Channel.Announce(ctx, wire.AnnounceMessage{
		InterfaceID: interfaceID,
		VersionID:   version,
		ClassName:   className,
		Kind:        wire.KindAquire,
	})
	if err != nil {
		return wire.SetupMessage{}, errors.Wrap(ErrOpeningFailed, err.Error())
	}
	c.traceCategories = setup.TraceCategories
	if c.traceCategories != "" {
		applyTraceCategories(c.log, c.traceCategories)
	}
	return setup, nil
}

// Request opens the channel and announces REQUEST for an already-known
// (instanceId, interfaceId), the path used for cross-stub relay proxy
// construction (spec §4.5's interface-parameter resolution).
func (c *Client) Request(ctx context.Context, instanceID iface.InstanceID, interfaceID iface.InterfaceID) (wire.SetupMessage, error) {
	if err := c.Channel.Open(ctx); err != nil {
		return wire.SetupMessage{}, errors.Wrap(ErrOpeningFailed, err.Error())
	}
	setup, err := c.Channel.Announce(ctx, wire.AnnounceMessage{
		InterfaceID: interfaceID,
		InstanceID:  instanceID,
		Kind:        wire.KindRequest,
	})
	if err != nil {
		return wire.SetupMessage{}, errors.Wrap(ErrOpeningFailed, err.Error())
	}
	return setup, nil
}

// Offer opens the channel and announces OFFER for (instanceId, interfaceId),
// tagged with exchangeID so the parent server routes it back to the
// AQUIRE that caused this process to be launched (spec §4.8's
// COM_PARENT_EXCHANGE_ID contract).
func (c *Client) Offer(ctx context.Context, instanceID iface.InstanceID, interfaceID iface.InterfaceID, exchangeID uint32) error {
	if err := c.Channel.Open(ctx); err != nil {
		return errors.Wrap(ErrOpeningFailed, err.Error())
	}
	_, err := c.Channel.Announce(ctx, wire.AnnounceMessage{
		InterfaceID: interfaceID,
		InstanceID:  instanceID,
		ID:          exchangeID,
		Kind:        wire.KindOffer,
	})
	if err != nil {
		return errors.Wrap(ErrOpeningFailed, err.Error())
	}
	return nil
}

// Revoke announces REVOKE for (instanceId, interfaceId). Fire-and-forget,
// per spec §4.3.
func (c *Client) Revoke(ctx context.Context, instanceID iface.InstanceID, interfaceID iface.InterfaceID) error {
	_, err := c.Channel.Announce(ctx, wire.AnnounceMessage{
		InterfaceID: interfaceID,
		InstanceID:  instanceID,
		Kind:        wire.KindRevoke,
	})
	return err
}

// applyTraceCategories logs the trace-category string the server handed
// back in Setup at debug level. It does not parse the string and does not
// change any logger's level.
func applyTraceCategories(log logrus.FieldLogger, traceCategories string) {
	if entry, ok := log.(*logrus.Entry); ok {
		entry.Logger.WithField("traceCategories", traceCategories).Debug("communicator: applying trace categories from Setup")
		return
	}
	logrus.WithField("traceCategories", traceCategories).Debug("communicator: applying trace categories from Setup")
}
