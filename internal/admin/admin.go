// Package admin implements the Administrator (spec §4.4): the
// process-wide registry of implementation factories, proxy constructors
// and live proxy instances. It is the single source of truth for "does
// this process already have a proxy for (channel, instanceId,
// interfaceId)" and for turning a freshly acquired remote instance into
// one.
//
// admin intentionally knows nothing about internal/dispatch's concrete
// Proxy/Stub types, or about internal/ipc.Channel beyond the narrow
// AnnounceSender it needs to emit AQUIRE/REVOKE. Both are supplied as
// function values (ProxyConstructor, StubFactory) registered by
// generated code at process start, the same way the teacher's lifecycle
// manager is handed a vmm.VMM rather than importing a concrete backend.
// This keeps dispatch free to import admin without a cycle.
package admin

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/orpcrt/orpc/internal/iface"
	"github.com/orpcrt/orpc/internal/wire"
)

// AnnounceSender is the slice of ipc.Channel the Administrator needs: the
// ability to emit an Announce and get back its Setup reply (or nothing,
// for REVOKE). internal/ipc.Channel satisfies this directly.
type AnnounceSender interface {
	Announce(ctx context.Context, msg wire.AnnounceMessage) (wire.SetupMessage, error)
}

// ProxyConstructor builds the local proxy object for interfaceID given a
// channel and the remote instance it fronts. Registered once per
// interface by generated proxy-stub code.
type ProxyConstructor func(channel AnnounceSender, instanceID iface.InstanceID, interfaceID iface.InterfaceID) (iface.IUnknown, error)

// ImplementationFactory constructs a fresh implementation of a named
// class for in-process AQUIRE resolution (spec §4.6's in-process path).
type ImplementationFactory func() (iface.IUnknown, error)

// StubFactory wraps an implementation object in the dispatchable Stub for
// interfaceID, so the Communicator server can route an inbound Invoke to
// it by method ordinal. Supplied by internal/dispatch's generated code as
// a plain function value, keeping admin free of a dispatch import.
type StubFactory func(impl iface.IUnknown) (Stub, error)

// Stub is the narrow slice of internal/dispatch.Stub the Administrator
// needs in order to route an inbound Invoke once it has resolved which
// implementation instance it targets.
type Stub interface {
	HandleInvoke(ctx context.Context, methodOrdinal uint8, args []byte) ([]byte, error)
}

// ErrUnknownInterface is returned when no ProxyConstructor is registered
// for the requested interface.
var ErrUnknownInterface = errors.New("admin: no proxy constructor registered for interface")

// ErrUnknownClass is returned when no ImplementationFactory is registered
// for a requested class name.
var ErrUnknownClass = errors.New("admin: no implementation registered for class")

// proxyKey uniquely identifies a proxy within this process: the channel
// it rides, plus the remote triple it fronts. AnnounceSender values
// (concretely *ipc.NetChannel) are comparable, so this is usable as a map
// key directly.
type proxyKey struct {
	channel     AnnounceSender
	instanceID  iface.InstanceID
	interfaceID iface.InterfaceID
}

type proxyEntry struct {
	proxy    iface.IUnknown
	refCount uint32
}

// instanceEntry is a locally-held implementation, pinned in this
// process's instance table under the InstanceID handed out to whoever
// acquired it (spec §4.6's in-process resolution path: "instantiate via
// the service registry, pin the result on this channel, return its
// instanceId"). pins tracks the per-channel outstanding refcount (spec
// §3's Channel → outstanding-refcount map) so a channel's own AQUIREs
// can be unwound in isolation when it closes, without disturbing counts
// held on behalf of other channels; refCount is their sum.
type instanceEntry struct {
	impl     iface.IUnknown
	stub     Stub
	pins     map[AnnounceSender]uint32
	refCount uint32
}

// Administrator is the process-wide Implementations/Proxies/Factory
// registry described in spec §4.4. The zero value is not usable; use New.
type Administrator struct {
	mu sync.Mutex

	implementations map[string]ImplementationFactory
	constructors    map[iface.InterfaceID]ProxyConstructor
	stubFactories   map[iface.InterfaceID]StubFactory

	proxies   map[proxyKey]*proxyEntry
	instances map[iface.InstanceID]*instanceEntry
	nextInst  iface.InstanceID

	// acquireGroup collapses concurrent ProxyInstance calls racing to
	// import the same (channel, instanceId, interfaceId) triple before
	// the first AQUIRE round-trip completes, per spec §4.4's "second
	// caller waits on the first's completion" rule.
	acquireGroup singleflight.Group
}

// New returns an empty Administrator.
func New() *Administrator {
	return &Administrator{
		implementations: make(map[string]ImplementationFactory),
		constructors:    make(map[iface.InterfaceID]ProxyConstructor),
		stubFactories:   make(map[iface.InterfaceID]StubFactory),
		proxies:         make(map[proxyKey]*proxyEntry),
		instances:       make(map[iface.InstanceID]*instanceEntry),
	}
}

// RegisterStub registers the stub factory for interfaceID, used to wrap a
// locally held implementation so inbound Invoke messages targeting it can
// be dispatched by method ordinal.
func (a *Administrator) RegisterStub(interfaceID iface.InterfaceID, factory StubFactory) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.stubFactories[interfaceID]; exists {
		return false
	}
	a.stubFactories[interfaceID] = factory
	return true
}

// InstantiateAndPin constructs className in-process, wraps it as
// interfaceID's stub, and pins it in the instance table under a freshly
// minted InstanceID on channel's behalf (spec §4.6's in-process
// resolution path). The returned InstanceID is what the Communicator
// server reports back in Setup. channel is recorded in the per-channel
// pins map so DrainChannel can release exactly this caller's hold if
// channel closes without an explicit REVOKE.
func (a *Administrator) InstantiateAndPin(channel AnnounceSender, className string, interfaceID iface.InterfaceID) (iface.InstanceID, error) {
	impl, err := a.Instantiate(className)
	if err != nil {
		return iface.EmptyInstance, err
	}
	a.mu.Lock()
	stubFactory, ok := a.stubFactories[interfaceID]
	a.mu.Unlock()
	if !ok {
		return iface.EmptyInstance, errors.Wrapf(ErrUnknownInterface, "0x%08X", uint32(interfaceID))
	}
	stub, err := stubFactory(impl)
	if err != nil {
		return iface.EmptyInstance, err
	}

	a.mu.Lock()
	a.nextInst++
	id := a.nextInst
	a.instances[id] = &instanceEntry{
		impl:     impl,
		stub:     stub,
		pins:     map[AnnounceSender]uint32{channel: 1},
		refCount: 1,
	}
	a.mu.Unlock()
	return id, nil
}

// Stub returns the dispatchable stub pinned under instanceID, if any.
func (a *Administrator) Stub(instanceID iface.InstanceID) (Stub, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.instances[instanceID]
	if !ok {
		return nil, false
	}
	return entry.stub, true
}

// ReleaseInstance drains count from a locally-pinned instance's refcount
// on behalf of channel (mirrors Release, but for the instance table
// rather than the proxy table — this side is the one a REVOKE announce
// arriving on a channel ultimately drains). channel may be nil for
// callers that cannot name the originating channel (e.g. tests exercising
// the instance table directly); in that case only the instance's total
// is adjusted, and no per-channel pin is touched.
func (a *Administrator) ReleaseInstance(channel AnnounceSender, instanceID iface.InstanceID, count uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.instances[instanceID]
	if !ok {
		return
	}
	if channel != nil {
		releaseChannelPin(entry, channel, count)
	}
	if count >= entry.refCount {
		delete(a.instances, instanceID)
		return
	}
	entry.refCount -= count
}

// releaseChannelPin drains count from entry's pin held by channel,
// removing the pin entirely once it reaches zero.
func releaseChannelPin(entry *instanceEntry, channel AnnounceSender, count uint32) {
	pinned, ok := entry.pins[channel]
	if !ok {
		return
	}
	if count >= pinned {
		delete(entry.pins, channel)
		return
	}
	entry.pins[channel] = pinned - count
}

// RegisterInterface registers the proxy constructor for interfaceID. A
// second registration for the same interfaceID is a no-op that returns
// false, leaving the first constructor in place; logging it is up to the
// caller.
func (a *Administrator) RegisterInterface(interfaceID iface.InterfaceID, ctor ProxyConstructor) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.constructors[interfaceID]; exists {
		return false
	}
	a.constructors[interfaceID] = ctor
	return true
}

// UnregisterInterface removes a previously registered proxy constructor,
// e.g. when a dynamically loaded proxy-stub library is unloaded.
func (a *Administrator) UnregisterInterface(interfaceID iface.InterfaceID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.constructors, interfaceID)
}

// RegisterImplementation registers className's in-process factory, used
// when this process resolves an AQUIRE itself rather than forking a child
// or forwarding to a remote host linker.
func (a *Administrator) RegisterImplementation(className string, factory ImplementationFactory) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.implementations[className]; exists {
		return false
	}
	a.implementations[className] = factory
	return true
}

// Instantiate constructs a fresh implementation of className in-process.
func (a *Administrator) Instantiate(className string) (iface.IUnknown, error) {
	a.mu.Lock()
	factory, ok := a.implementations[className]
	a.mu.Unlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownClass, "%q", className)
	}
	return factory()
}

// ProxyInstance looks up or constructs the proxy for (channel, remoteInstance,
// requestedInterfaceId), never returning two distinct proxies for the same
// triple (spec §4.4). If a proxy must be constructed and peerInformed is
// false, a single AQUIRE announce is sent first so the peer's own
// refcount for the instance is incremented to match. refCountImmediately
// controls whether the returned proxy's refcount is bumped by this call or
// left for the caller to bump once it has finished unpacking arguments
// (spec §4.5's interface-parameter resolution needs the latter).
func (a *Administrator) ProxyInstance(
	ctx context.Context,
	channel AnnounceSender,
	remoteInstance iface.InstanceID,
	remoteInterfaceID iface.InterfaceID,
	peerInformed bool,
	requestedInterfaceID iface.InterfaceID,
	refCountImmediately bool,
) (iface.IUnknown, error) {
	key := proxyKey{channel: channel, instanceID: remoteInstance, interfaceID: requestedInterfaceID}

	a.mu.Lock()
	if entry, ok := a.proxies[key]; ok {
		if refCountImmediately {
			entry.refCount++
		}
		a.mu.Unlock()
		return entry.proxy, nil
	}
	ctor, ok := a.constructors[requestedInterfaceID]
	a.mu.Unlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownInterface, "0x%08X", uint32(requestedInterfaceID))
	}

	sfKey := singleflightKey(remoteInstance, requestedInterfaceID, channel)
	result, err, _ := a.acquireGroup.Do(sfKey, func() (interface{}, error) {
		// Re-check under the group: another caller may have completed
		// construction for this triple while we were queued behind it.
		a.mu.Lock()
		if entry, ok := a.proxies[key]; ok {
			a.mu.Unlock()
			return entry.proxy, nil
		}
		a.mu.Unlock()

		proxy, err := ctor(channel, remoteInstance, remoteInterfaceID)
		if err != nil {
			return nil, err
		}
		if !peerInformed {
			if _, err := channel.Announce(ctx, wire.AnnounceMessage{
				InterfaceID: remoteInterfaceID,
				InstanceID:  remoteInstance,
				Kind:        wire.KindAquire,
			}); err != nil {
				return nil, errors.Wrap(err, "admin: aquire announce")
			}
		}

		a.mu.Lock()
		entry, ok := a.proxies[key]
		if !ok {
			entry = &proxyEntry{proxy: proxy}
			a.proxies[key] = entry
		}
		if refCountImmediately {
			entry.refCount++
		}
		a.mu.Unlock()
		return entry.proxy, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(iface.IUnknown), nil
}

// Release drains count from the proxy's local refcount; once it reaches
// zero it writes a REVOKE announce on the channel and removes the proxy
// from the table (spec §4.4). Releasing an already-absent proxy is a
// no-op, matching the idempotent-revoke invariant (spec §7).
func (a *Administrator) Release(ctx context.Context, channel AnnounceSender, instanceID iface.InstanceID, interfaceID iface.InterfaceID, count uint32) error {
	key := proxyKey{channel: channel, instanceID: instanceID, interfaceID: interfaceID}

	a.mu.Lock()
	entry, ok := a.proxies[key]
	if !ok {
		a.mu.Unlock()
		return nil
	}
	if count >= entry.refCount {
		delete(a.proxies, key)
	} else {
		entry.refCount -= count
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	_, err := channel.Announce(ctx, wire.AnnounceMessage{InterfaceID: interfaceID, InstanceID: instanceID, Kind: wire.KindRevoke})
	return err
}

// DrainChannel releases every proxy riding channel, and every pin held
// on an implementation instance on channel's behalf, without emitting
// REVOKE/Release announces — the channel is already gone, so there is
// no peer left to tell (spec §4.11, triggered by internal/communicator
// on connection teardown). This is the implementation side of the
// channel-drain invariant (spec §8): once a channel closes, no
// implementation may go on retaining a refcount pinned by it.
func (a *Administrator) DrainChannel(channel AnnounceSender) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key := range a.proxies {
		if key.channel == channel {
			delete(a.proxies, key)
		}
	}
	for id, entry := range a.instances {
		pinned, ok := entry.pins[channel]
		if !ok {
			continue
		}
		delete(entry.pins, channel)
		if pinned >= entry.refCount {
			delete(a.instances, id)
			continue
		}
		entry.refCount -= pinned
	}
}

// Lookup returns the live proxy for the triple, if any, without affecting
// its refcount.
func (a *Administrator) Lookup(channel AnnounceSender, instanceID iface.InstanceID, interfaceID iface.InterfaceID) (iface.IUnknown, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.proxies[proxyKey{channel: channel, instanceID: instanceID, interfaceID: interfaceID}]
	if !ok {
		return nil, false
	}
	return entry.proxy, true
}

func singleflightKey(instanceID iface.InstanceID, interfaceID iface.InterfaceID, channel AnnounceSender) string {
	return fmt.Sprintf("%p:%v:%v", channel, instanceID, interfaceID)
}
