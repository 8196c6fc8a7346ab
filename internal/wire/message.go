package wire

import (
	"github.com/pkg/errors"

	"github.com/orpcrt/orpc/internal/iface"
)

// Label distinguishes the two message shapes carried by a frame header
// (spec §6). Label 1 = announce, label 2 = invoke.
type Label uint8

const (
	LabelAnnounce Label = 1
	LabelInvoke   Label = 2
)

// AnnounceKind classifies the sender's intent for an Announce message. It
// is folded into className's first two bytes: className[0]=0 signals "this
// is a kind enum, not a class name", and className[1] carries the kind.
type AnnounceKind uint8

const (
	KindAquire AnnounceKind = iota
	KindOffer
	KindRevoke
	KindRequest
)

func (k AnnounceKind) String() string {
	switch k {
	case KindAquire:
		return "AQUIRE"
	case KindOffer:
		return "OFFER"
	case KindRevoke:
		return "REVOKE"
	case KindRequest:
		return "REQUEST"
	default:
		return "UNKNOWN"
	}
}

// classNameWidth is the fixed width of AnnounceMessage.ClassName on the
// wire (spec §6).
const classNameWidth = 64

// ErrClassNameTooLong is returned when an AnnounceMessage's class name
// does not fit in the fixed-width className field with room for its NUL
// terminator.
var ErrClassNameTooLong = errors.New("wire: class name too long")

// Header is the fixed prefix of every frame on the wire (spec §6):
// {uint16 length, uint8 label, uint32 requestOrdinal, bytes payload}.
// length counts the bytes that follow it, i.e. label + requestOrdinal +
// len(payload).
type Header struct {
	Label          Label
	RequestOrdinal uint32
}

const headerFixedLen = 1 + 4 // label + requestOrdinal, not counting the uint16 length prefix itself

// EncodeHeader prefixes payload with its wire header and returns the full
// frame bytes ready to write to a channel.
func EncodeHeader(h Header, payload []byte) []byte {
	f := NewFrame()
	f.WriteUint16(uint16(headerFixedLen + len(payload)))
	f.WriteUint8(uint8(h.Label))
	f.WriteUint32(h.RequestOrdinal)
	out := f.Bytes()
	return append(out, payload...)
}

// DecodeHeader reads a Header plus its payload from a full frame (as
// produced by EncodeHeader). It does not itself perform any transport
// framing; internal/ipc is responsible for reading exactly length+2 bytes
// off the stream before calling this.
func DecodeHeader(frame []byte) (Header, []byte, error) {
	f := NewFrameFromBytes(frame)
	length, err := f.ReadUint16()
	if err != nil {
		return Header{}, nil, errors.Wrap(err, "wire: decode header length")
	}
	if int(length) != f.Remaining() {
		return Header{}, nil, errors.Errorf("wire: header length %d does not match remaining %d", length, f.Remaining())
	}
	label, err := f.ReadUint8()
	if err != nil {
		return Header{}, nil, errors.Wrap(err, "wire: decode header label")
	}
	ordinal, err := f.ReadUint32()
	if err != nil {
		return Header{}, nil, errors.Wrap(err, "wire: decode header requestOrdinal")
	}
	payload := frame[f.cursorPos():]
	return Header{Label: Label(label), RequestOrdinal: ordinal}, payload, nil
}

func (f *Frame) cursorPos() int { return f.cursor }

// AnnounceMessage is the Init record carried as an Announce's parameters
// (spec §3, §6): `{parentExchangeId, interfaceId, instanceId, versionId,
// id, className[64]}`. Kind is folded into ClassName on the wire per
// AnnounceKind's doc comment; set and read it through the Kind field.
type AnnounceMessage struct {
	ParentExchangeID uint32
	InterfaceID      iface.InterfaceID
	InstanceID       iface.InstanceID
	VersionID        iface.Version
	ID               uint32
	ClassName        string // empty when this announce only carries a Kind
	Kind             AnnounceKind
}

// Encode writes the Init record to a frame.
func (m AnnounceMessage) Encode(f *Frame) error {
	f.WriteUint32(m.ParentExchangeID)
	f.WriteUint32(uint32(m.InterfaceID))
	f.WriteInstanceID(m.InstanceID)
	f.WriteUint32(uint32(m.VersionID))
	f.WriteUint32(m.ID)
	raw, err := encodeClassName(m.ClassName, m.Kind)
	if err != nil {
		return err
	}
	f.buf.Write(raw)
	return nil
}

// DecodeAnnounceMessage reads an Init record from a frame.
func DecodeAnnounceMessage(f *Frame) (AnnounceMessage, error) {
	var m AnnounceMessage
	parentExchangeID, err := f.ReadUint32()
	if err != nil {
		return m, errors.Wrap(err, "wire: announce parentExchangeId")
	}
	interfaceID, err := f.ReadUint32()
	if err != nil {
		return m, errors.Wrap(err, "wire: announce interfaceId")
	}
	instanceID, err := f.ReadInstanceID()
	if err != nil {
		return m, errors.Wrap(err, "wire: announce instanceId")
	}
	versionID, err := f.ReadUint32()
	if err != nil {
		return m, errors.Wrap(err, "wire: announce versionId")
	}
	id, err := f.ReadUint32()
	if err != nil {
		return m, errors.Wrap(err, "wire: announce id")
	}
	raw, err := f.readSlice(classNameWidth)
	if err != nil {
		return m, errors.Wrap(err, "wire: announce className")
	}
	className, kind, err := decodeClassName(raw)
	if err != nil {
		return m, err
	}
	m = AnnounceMessage{
		ParentExchangeID: parentExchangeID,
		InterfaceID:      iface.InterfaceID(interfaceID),
		InstanceID:       instanceID,
		VersionID:        iface.Version(versionID),
		ID:               id,
		ClassName:        className,
		Kind:             kind,
	}
	return m, nil
}

// encodeClassName packs a fixed 64-byte className field. When className is
// empty, kind is recorded via the leading-NUL convention. When className is
// non-empty, kind is not written at all and decodeClassName reports
// KindAquire; a populated className always starts with a non-NUL byte, so
// AQUIRE-by-name and REQUEST-by-(instanceId, interfaceId) share one field
// without ambiguity.
func encodeClassName(className string, kind AnnounceKind) ([]byte, error) {
	buf := make([]byte, classNameWidth)
	if className == "" {
		buf[0] = 0
		buf[1] = byte(kind)
		return buf, nil
	}
	if len(className) > classNameWidth-1 {
		return nil, errors.Wrapf(ErrClassNameTooLong, "%q", className)
	}
	copy(buf, className)
	return buf, nil
}

func decodeClassName(raw []byte) (string, AnnounceKind, error) {
	if len(raw) > 0 && raw[0] == 0 {
		kind := AnnounceKind(0)
		if len(raw) > 1 {
			kind = AnnounceKind(raw[1])
		}
		return "", kind, nil
	}
	end := len(raw)
	for i, b := range raw {
		if b == 0 {
			end = i
			break
		}
	}
	return string(raw[:end]), KindAquire, nil
}

// SetupMessage is the Announce response record (spec §3, §6): `{instanceId,
// proxyStubPath, traceCategories}`. The zero value (InstanceID ==
// iface.EmptyInstance, both strings empty) means the peer accepted the
// connection but offered no object.
type SetupMessage struct {
	InstanceID      iface.InstanceID
	ProxyStubPath   string
	TraceCategories string
}

// Encode writes the Setup record to a frame.
func (m SetupMessage) Encode(f *Frame) {
	f.WriteInstanceID(m.InstanceID)
	f.WriteString(m.ProxyStubPath)
	f.WriteString(m.TraceCategories)
}

// DecodeSetupMessage reads a Setup record from a frame.
func DecodeSetupMessage(f *Frame) (SetupMessage, error) {
	var m SetupMessage
	instanceID, err := f.ReadInstanceID()
	if err != nil {
		return m, errors.Wrap(err, "wire: setup instanceId")
	}
	proxyStubPath, err := f.ReadString()
	if err != nil {
		return m, errors.Wrap(err, "wire: setup proxyStubPath")
	}
	traceCategories, err := f.ReadString()
	if err != nil {
		return m, errors.Wrap(err, "wire: setup traceCategories")
	}
	m = SetupMessage{InstanceID: instanceID, ProxyStubPath: proxyStubPath, TraceCategories: traceCategories}
	return m, nil
}

// InvokeRequest is an Invoke message's parameters section (spec §3, §6):
// `{instanceId, interfaceId, methodOrdinal, argsFrame}`.
type InvokeRequest struct {
	InstanceID    iface.InstanceID
	InterfaceID   iface.InterfaceID
	MethodOrdinal uint8
	Args          []byte
}

// Encode writes the Invoke request record to a frame.
func (r InvokeRequest) Encode(f *Frame) {
	f.WriteInstanceID(r.InstanceID)
	f.WriteUint32(uint32(r.InterfaceID))
	f.WriteUint8(r.MethodOrdinal)
	f.WriteBytes(r.Args)
}

// DecodeInvokeRequest reads an Invoke request record from a frame.
func DecodeInvokeRequest(f *Frame) (InvokeRequest, error) {
	var r InvokeRequest
	instanceID, err := f.ReadInstanceID()
	if err != nil {
		return r, errors.Wrap(err, "wire: invoke instanceId")
	}
	interfaceID, err := f.ReadUint32()
	if err != nil {
		return r, errors.Wrap(err, "wire: invoke interfaceId")
	}
	methodOrdinal, err := f.ReadUint8()
	if err != nil {
		return r, errors.Wrap(err, "wire: invoke methodOrdinal")
	}
	args, err := f.ReadBytes()
	if err != nil {
		return r, errors.Wrap(err, "wire: invoke args")
	}
	r = InvokeRequest{InstanceID: instanceID, InterfaceID: iface.InterfaceID(interfaceID), MethodOrdinal: methodOrdinal, Args: args}
	return r, nil
}

// InvokeResponse is an Invoke message's response section (spec §3, §6):
// `{resultFrame}`.
type InvokeResponse struct {
	Result []byte
}

// Encode writes the Invoke response record to a frame.
func (r InvokeResponse) Encode(f *Frame) {
	f.WriteBytes(r.Result)
}

// DecodeInvokeResponse reads an Invoke response record from a frame.
func DecodeInvokeResponse(f *Frame) (InvokeResponse, error) {
	result, err := f.ReadBytes()
	if err != nil {
		return InvokeResponse{}, errors.Wrap(err, "wire: invoke result")
	}
	return InvokeResponse{Result: result}, nil
}
