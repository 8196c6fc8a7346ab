package wire

import (
	"bytes"
	"testing"

	"github.com/orpcrt/orpc/internal/iface"
)

func TestFrameRoundTrip(t *testing.T) {
	f := NewFrame()
	f.WriteUint8(7)
	f.WriteUint16(0x1234)
	f.WriteUint32(0xdeadbeef)
	f.WriteString("hello")
	f.WriteBytes([]byte{1, 2, 3})
	f.WriteInstanceID(iface.InstanceID(42))

	r := NewFrameFromBytes(f.Bytes())
	if v, err := r.ReadUint8(); err != nil || v != 7 {
		t.Fatalf("ReadUint8: got %v, %v", v, err)
	}
	if v, err := r.ReadUint16(); err != nil || v != 0x1234 {
		t.Fatalf("ReadUint16: got %v, %v", v, err)
	}
	if v, err := r.ReadUint32(); err != nil || v != 0xdeadbeef {
		t.Fatalf("ReadUint32: got %v, %v", v, err)
	}
	if s, err := r.ReadString(); err != nil || s != "hello" {
		t.Fatalf("ReadString: got %q, %v", s, err)
	}
	if b, err := r.ReadBytes(); err != nil || !bytes.Equal(b, []byte{1, 2, 3}) {
		t.Fatalf("ReadBytes: got %v, %v", b, err)
	}
	if id, err := r.ReadInstanceID(); err != nil || id != iface.InstanceID(42) {
		t.Fatalf("ReadInstanceID: got %v, %v", id, err)
	}
}

func TestReadPastEndFails(t *testing.T) {
	r := NewFrameFromBytes([]byte{1, 2})
	if _, err := r.ReadUint32(); err == nil {
		t.Fatal("expected short frame error")
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	payload := []byte("payload-bytes")
	encoded := EncodeHeader(Header{Label: LabelInvoke, RequestOrdinal: 99}, payload)

	h, got, err := DecodeHeader(encoded)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if h.Label != LabelInvoke || h.RequestOrdinal != 99 {
		t.Fatalf("unexpected header: %+v", h)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: got %q", got)
	}
}

func TestAnnounceMessageClassName(t *testing.T) {
	msg := AnnounceMessage{
		ParentExchangeID: 1,
		InterfaceID:      iface.InterfaceID(0x100),
		InstanceID:       iface.EmptyInstance,
		VersionID:        iface.Version(1),
		ID:               5,
		ClassName:        "Calculator",
	}
	f := NewFrame()
	if err := msg.Encode(f); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	r := NewFrameFromBytes(f.Bytes())
	got, err := DecodeAnnounceMessage(r)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.ClassName != "Calculator" || got.InterfaceID != iface.InterfaceID(0x100) {
		t.Fatalf("unexpected announce message: %+v", got)
	}
}

func TestAnnounceMessageKind(t *testing.T) {
	msg := AnnounceMessage{InterfaceID: iface.InterfaceID(0x100), Kind: KindAquire}
	f := NewFrame()
	if err := msg.Encode(f); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	r := NewFrameFromBytes(f.Bytes())
	got, err := DecodeAnnounceMessage(r)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.ClassName != "" || got.Kind != KindAquire {
		t.Fatalf("unexpected announce message: %+v", got)
	}
}

func TestInvokeRoundTrip(t *testing.T) {
	req := InvokeRequest{
		InstanceID:    iface.InstanceID(7),
		InterfaceID:   iface.InterfaceID(0x100),
		MethodOrdinal: 0,
		Args:          nil,
	}
	f := NewFrame()
	req.Encode(f)
	r := NewFrameFromBytes(f.Bytes())
	got, err := DecodeInvokeRequest(r)
	if err != nil {
		t.Fatalf("DecodeInvokeRequest: %v", err)
	}
	if got.InstanceID != req.InstanceID || got.MethodOrdinal != 0 {
		t.Fatalf("unexpected invoke request: %+v", got)
	}

	resp := InvokeResponse{Result: []byte{0x00, 0x00, 0x00, 0x2A}}
	rf := NewFrame()
	resp.Encode(rf)
	rr := NewFrameFromBytes(rf.Bytes())
	gotResp, err := DecodeInvokeResponse(rr)
	if err != nil {
		t.Fatalf("DecodeInvokeResponse: %v", err)
	}
	if !bytes.Equal(gotResp.Result, []byte{0x00, 0x00, 0x00, 0x2A}) {
		t.Fatalf("unexpected invoke response: %x", gotResp.Result)
	}
}
