package types

import "time"

// Frame represents a single decoded video frame.
//
// Frames are treated as immutable once emitted by a source: every stage
// that needs to modify pixel data (the annotator) works on its own copy.
type Frame struct {
	// Seq is assigned by the source and is strictly increasing per session.
	Seq uint64

	// Timestamp is when the frame was captured/decoded.
	Timestamp time.Time

	// Width is the frame width in pixels.
	Width int

	// Height is the frame height in pixels.
	Height int

	// Data is the raw pixel data in BGR24 layout (Width*Height*3 bytes).
	Data []byte

	// SessionID identifies the session that produced the frame.
	SessionID string
}

// Size returns the expected byte length of Data for the frame dimensions.
func (f *Frame) Size() int {
	return f.Width * f.Height * 3
}

// Clone returns a deep copy of the frame with its own Data buffer.
func (f *Frame) Clone() Frame {
	out := *f
	out.Data = make([]byte, len(f.Data))
	copy(out.Data, f.Data)
	return out
}
