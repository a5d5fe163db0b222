// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"testing"

	"github.com/ringboard/ringboard/internal/entryid"
	"github.com/ringboard/ringboard/internal/ring"
)

func TestEncodeDecodeAddRoundTrip(t *testing.T) {
	req := Request{
		Version: Version,
		Opcode:  OpAdd,
		Ring:    ring.Favorites,
		Mime:    "text/plain",
	}
	buf := Encode(req)
	if len(buf) != RequestSize {
		t.Fatalf("Encode produced %d bytes, want %d", len(buf), RequestSize)
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Opcode != OpAdd || got.Ring != ring.Favorites || got.Mime != "text/plain" {
		t.Errorf("Decode = %+v, want Opcode=Add Ring=Favorites Mime=text/plain", got)
	}
}

func TestEncodeDecodeMoveToFrontWithTarget(t *testing.T) {
	id := entryid.New(ring.Main, 42)
	req := Request{
		Version:    Version,
		Opcode:     OpMoveToFront,
		HasTarget:  true,
		TargetRing: ring.Favorites,
		ID1:        id,
	}
	got, err := Decode(Encode(req))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !got.HasTarget || got.TargetRing != ring.Favorites || got.ID1 != id {
		t.Errorf("Decode = %+v, want HasTarget TargetRing=Favorites ID1=%v", got, id)
	}
}

func TestEncodeDecodeSwapBothIDs(t *testing.T) {
	a := entryid.New(ring.Main, 1)
	b := entryid.New(ring.Favorites, 2)
	req := Request{Version: Version, Opcode: OpSwap, ID1: a, ID2: b}
	got, err := Decode(Encode(req))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.ID1 != a || got.ID2 != b {
		t.Errorf("Decode IDs = (%v, %v), want (%v, %v)", got.ID1, got.ID2, a, b)
	}
}

func TestEncodeDecodeGarbageCollectMaxWaste(t *testing.T) {
	req := Request{Version: Version, Opcode: OpGarbageCollect, MaxWaste: 1 << 20}
	got, err := Decode(Encode(req))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.MaxWaste != 1<<20 {
		t.Errorf("MaxWaste = %d, want %d", got.MaxWaste, 1<<20)
	}
}

func TestDecodeRejectsWrongSize(t *testing.T) {
	if _, err := Decode(make([]byte, RequestSize-1)); err == nil {
		t.Error("Decode with short buffer should fail")
	}
	if _, err := Decode(make([]byte, RequestSize+1)); err == nil {
		t.Error("Decode with long buffer should fail")
	}
}

func TestDecodeRejectsVersionMismatch(t *testing.T) {
	buf := Encode(Request{Version: Version + 1, Opcode: OpAdd})
	_, err := Decode(buf)
	if err != ErrVersionMismatch {
		t.Errorf("Decode with wrong version = %v, want ErrVersionMismatch", err)
	}
}

func TestDecodeRejectsUnknownOpcode(t *testing.T) {
	buf := Encode(Request{Version: Version, Opcode: Opcode(200)})
	if _, err := Decode(buf); err == nil {
		t.Error("Decode with unknown opcode should fail")
	}
}

func TestDecodeRejectsInvalidRingByte(t *testing.T) {
	buf := Encode(Request{Version: Version, Opcode: OpAdd})
	buf[offRing] = 2
	if _, err := Decode(buf); err == nil {
		t.Error("Decode with ring byte 2 should fail")
	}
}

func TestDecodeRejectsOversizedMimeLen(t *testing.T) {
	buf := Encode(Request{Version: Version, Opcode: OpAdd})
	buf[offMimeLen] = MaxMimeLen + 1
	if _, err := Decode(buf); err == nil {
		t.Error("Decode with mime length beyond MaxMimeLen should fail")
	}
}

func TestResponseRoundTrip(t *testing.T) {
	resp := Response{Status: CodeIdNotFound, Value: 7}
	buf := EncodeResponse(resp)
	if len(buf) != ResponseSize {
		t.Fatalf("EncodeResponse produced %d bytes, want %d", len(buf), ResponseSize)
	}
	got, err := DecodeResponse(buf)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if got != resp {
		t.Errorf("DecodeResponse = %+v, want %+v", got, resp)
	}
}

func TestOpcodeString(t *testing.T) {
	if OpAdd.String() != "Add" {
		t.Errorf("OpAdd.String() = %q, want Add", OpAdd.String())
	}
	if Opcode(99).String() == "" {
		t.Error("unknown opcode String() should not be empty")
	}
}
