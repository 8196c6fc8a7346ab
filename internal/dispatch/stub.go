package dispatch

import (
	"context"

	"github.com/pkg/errors"

	"github.com/orpcrt/orpc/internal/iface"
	"github.com/orpcrt/orpc/internal/wire"
)

// MethodFunc is one interface method's server-side implementation: decode
// args from the frame, call into impl, encode the result into result.
type MethodFunc func(ctx context.Context, args *wire.Frame, result *wire.Frame) error

// MethodTable maps a method ordinal to its MethodFunc. Generated stub
// code builds one of these per interface at init time.
type MethodTable map[uint8]MethodFunc

// ErrUnknownMethod is returned when an inbound Invoke names a method
// ordinal the stub's table has no entry for.
var ErrUnknownMethod = errors.New("dispatch: unknown method ordinal")

// StubBase is embedded by every generated stub type. It satisfies
// admin.Stub, routing HandleInvoke calls through a MethodTable built
// against the wrapped implementation.
type StubBase struct {
	Impl    iface.IUnknown
	methods MethodTable
}

// NewStubBase wraps impl with methods, ready for registration with the
// Administrator as an admin.Stub.
func NewStubBase(impl iface.IUnknown, methods MethodTable) *StubBase {
	return &StubBase{Impl: impl, methods: methods}
}

// HandleInvoke implements admin.Stub.
func (s *StubBase) HandleInvoke(ctx context.Context, methodOrdinal uint8, args []byte) ([]byte, error) {
	fn, ok := s.methods[methodOrdinal]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownMethod, "ordinal %d", methodOrdinal)
	}
	argsFrame := wire.NewFrameFromBytes(args)
	result := wire.NewFrame()
	if err := fn(ctx, argsFrame, result); err != nil {
		return nil, err
	}
	return result.Bytes(), nil
}
