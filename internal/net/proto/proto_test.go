package proto

import (
	"errors"
	"slices"
	"testing"

	"netreplica/internal/bitstream"
	"netreplica/internal/replication"
)

func TestFrameCarriesCollectionPayload(t *testing.T) {
	source := replication.NewList[string](replication.StringCodec{}, replication.ListConfig{}, "a")
	source.Add("b")

	frame, err := EncodeFrame(Header{Kind: FrameDelta, Tick: 300, Collection: "inventory/1"}, source.WriteDelta)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	header, body, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if header.Kind != FrameDelta || header.Tick != 300 || header.Collection != "inventory/1" {
		t.Fatalf("unexpected header %+v", header)
	}

	mirror := replication.NewList[string](replication.StringCodec{}, replication.ListConfig{Authority: replication.RoleClient}, "a")
	if err := mirror.ReadDelta(body, false); err != nil {
		t.Fatalf("read delta: %v", err)
	}
	if !slices.Equal(mirror.Values(), []string{"a", "b"}) {
		t.Fatalf("unexpected mirror %v", mirror.Values())
	}
}

func TestDecodeFrameRejectsUnknownKinds(t *testing.T) {
	w := bitstream.NewWriter(4)
	w.WriteBits(Version, 4)
	w.WriteBits(9, 4)
	if _, _, err := DecodeFrame(w.Bytes()); !errors.Is(err, ErrUnknownFrame) {
		t.Fatalf("expected ErrUnknownFrame, got %v", err)
	}

	w = bitstream.NewWriter(4)
	w.WriteBits(Version+1, 4)
	w.WriteBits(uint64(FrameDelta), 4)
	if _, _, err := DecodeFrame(w.Bytes()); !errors.Is(err, ErrUnknownFrame) {
		t.Fatalf("expected version mismatch to fail, got %v", err)
	}

	if _, err := EncodeFrame(Header{Kind: FrameForget}, nil); err == nil {
		t.Fatalf("expected missing collection to fail")
	}
}

func TestDecodeClientMessage(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{"resync", `{"type":"resync","collection":"chat","reason":"desync"}`, false},
		{"mutate", `{"type":"mutate","collection":"chat","op":"add","value":"hi"}`, false},
		{"bad op", `{"type":"mutate","collection":"chat","op":"explode"}`, true},
		{"unknown type", `{"type":"dance","collection":"chat"}`, true},
		{"no collection", `{"type":"resync"}`, true},
		{"future version", `{"ver":2,"type":"resync","collection":"chat"}`, true},
		{"malformed", `{"type":`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := DecodeClientMessage([]byte(tc.payload))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %s", tc.payload)
				}
				return
			}
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if msg.Ver != Version {
				t.Fatalf("expected default version, got %d", msg.Ver)
			}
		})
	}
}

func TestMutateMessageRoundTrip(t *testing.T) {
	msg, err := MutateMessage("chat", replication.OpRemoveAt, 3, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if msg.Op != "removeAt" || msg.Value != nil {
		t.Fatalf("unexpected message %+v", msg)
	}
	op, err := ParseOp(msg.Op)
	if err != nil || op != replication.OpRemoveAt {
		t.Fatalf("expected removeAt, got %v (%v)", op, err)
	}
	withValue, err := MutateMessage("chat", replication.OpAdd, 0, "hello")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if string(withValue.Value) != `"hello"` {
		t.Fatalf("unexpected value %s", withValue.Value)
	}
}
