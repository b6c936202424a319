package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// DefaultMaxFrame bounds the payload length a Framer will accept.
const DefaultMaxFrame = 4 << 20

// ErrFrameTooLarge is returned when a length prefix exceeds the frame
// ceiling. The stream cannot be resynchronized past the oversized frame,
// so callers must treat this as terminal for the connection.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// Framer reads length-prefixed frames from a byte stream. Reads of the
// prefix and payload loop until complete, so a frame split across any
// number of transport reads, or several frames arriving back to back, are
// reassembled exactly. No partial frame is ever returned.
type Framer struct {
	r        io.Reader
	maxFrame uint32
	lenBuf   [4]byte
}

// NewFramer returns a Framer over r with the default frame ceiling.
func NewFramer(r io.Reader) *Framer {
	return &Framer{r: r, maxFrame: DefaultMaxFrame}
}

// SetMaxFrame overrides the frame size ceiling.
func (f *Framer) SetMaxFrame(n uint32) { f.maxFrame = n }

// ReadFrame returns the payload of the next complete frame, with the
// length prefix stripped.
func (f *Framer) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(f.r, f.lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(f.lenBuf[:])
	if n > f.maxFrame {
		return nil, fmt.Errorf("%w: %d bytes declared, limit %d", ErrFrameTooLarge, n, f.maxFrame)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(f.r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// ReadMessage reads the next frame and decodes it. On a decode failure the
// raw payload is still returned so the caller can echo it back.
func (f *Framer) ReadMessage() (*Message, []byte, error) {
	payload, err := f.ReadFrame()
	if err != nil {
		return nil, nil, err
	}
	msg, err := Decode(payload)
	if err != nil {
		return nil, payload, err
	}
	return msg, payload, nil
}

// Encode frames one message: length prefix plus JSON payload.
func Encode(msg *Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message %s: %w", msg.Action, err)
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	return buf, nil
}

// MessageWriter serializes framed writes to a shared transport. The
// session goroutine and fan-out goroutines write through the same
// MessageWriter, so a mutex keeps frames from interleaving.
type MessageWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewMessageWriter returns a MessageWriter over w.
func NewMessageWriter(w io.Writer) *MessageWriter {
	return &MessageWriter{w: w}
}

// WriteMessage frames and writes one message atomically.
func (mw *MessageWriter) WriteMessage(msg *Message) error {
	buf, err := Encode(msg)
	if err != nil {
		return err
	}
	mw.mu.Lock()
	defer mw.mu.Unlock()
	if _, err := mw.w.Write(buf); err != nil {
		return fmt.Errorf("write message %s: %w", msg.Action, err)
	}
	return nil
}

// WriteAction is shorthand for writing a payload-free message.
func (mw *MessageWriter) WriteAction(action string) error {
	return mw.WriteMessage(&Message{Action: action})
}
