package engine

import (
	"bytes"
	"testing"
)

// TestMessageFraming verifies a request survives the length-prefixed
// msgpack framing.
func TestMessageFraming(t *testing.T) {
	var buf bytes.Buffer

	in := bridgeRequest{
		Seq:    42,
		Width:  64,
		Height: 48,
		Data:   []byte{1, 2, 3},
		Conf:   0.25,
		IoU:    0.45,
	}
	if err := writeMessage(&buf, in); err != nil {
		t.Fatalf("writeMessage failed: %v", err)
	}

	var out bridgeRequest
	if err := readMessage(&buf, &out); err != nil {
		t.Fatalf("readMessage failed: %v", err)
	}

	if out.Seq != in.Seq || out.Width != in.Width || out.Height != in.Height {
		t.Errorf("Roundtrip mismatch: got %+v", out)
	}
	if !bytes.Equal(out.Data, in.Data) {
		t.Errorf("Payload mismatch: got %v", out.Data)
	}
}

// TestReadMessageRejectsBogusLength verifies a corrupt prefix fails
// instead of allocating an absurd buffer.
func TestReadMessageRejectsBogusLength(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0xFF, 0xFF, 0xFF, 0xFF})

	var out bridgeResponse
	if err := readMessage(buf, &out); err == nil {
		t.Fatal("Expected an error for an oversized length prefix")
	}
}

// TestReadMessageShortBody verifies a truncated stream is an error.
func TestReadMessageShortBody(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0, 0, 0, 10, 1, 2})

	var out bridgeResponse
	if err := readMessage(buf, &out); err == nil {
		t.Fatal("Expected an error for a truncated body")
	}
}
