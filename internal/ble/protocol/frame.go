// Package protocol implements the framing used to carry messages larger than
// the link MTU over a single GATT characteristic.
//
// The first frame of a message starts with a 2-byte big-endian header holding
// the total payload length. Every following frame carries raw payload bytes.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the length prefix carried by the first frame of a message.
const HeaderSize = 2

// MaxMessageSize is the largest payload the 2-byte header can announce.
const MaxMessageSize = 0xFFFF

var (
	// ErrMessageTooLarge is returned when a message cannot be described by the header.
	ErrMessageTooLarge = errors.New("protocol: message exceeds 65535 bytes")
	// ErrIntegrity reports frames that do not add up to the announced length.
	ErrIntegrity = errors.New("protocol: frame integrity violation")
)

// Frame returns frame index of msg when split into frames of at most
// maxLength bytes. It is a pure function of its arguments, so asking for the
// same index twice yields identical bytes. ok is false once index is past the
// last frame, or when msg is longer than MaxMessageSize.
func Frame(msg []byte, index, maxLength int) (frame []byte, ok bool) {
	if index < 0 || maxLength <= HeaderSize || len(msg) > MaxMessageSize {
		return nil, false
	}
	if index == 0 {
		n := min(maxLength, len(msg)+HeaderSize) - HeaderSize
		frame = make([]byte, HeaderSize+n)
		binary.BigEndian.PutUint16(frame, uint16(len(msg)))
		copy(frame[HeaderSize:], msg[:n])
		return frame, true
	}

	first := maxLength - HeaderSize
	start := first + (index-1)*maxLength
	if start >= len(msg) {
		return nil, false
	}
	end := min(start+maxLength, len(msg))
	frame = make([]byte, end-start)
	copy(frame, msg[start:end])
	return frame, true
}

// FrameCount returns how many frames Frame produces for a message of
// msgLen bytes.
func FrameCount(msgLen, maxLength int) int {
	if maxLength <= HeaderSize {
		return 0
	}
	first := maxLength - HeaderSize
	if msgLen <= first {
		return 1
	}
	rest := msgLen - first
	return 1 + (rest+maxLength-1)/maxLength
}

// Split returns every frame of msg in order.
func Split(msg []byte, maxLength int) ([][]byte, error) {
	if len(msg) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	if maxLength <= HeaderSize {
		return nil, fmt.Errorf("protocol: max frame length %d leaves no room for payload", maxLength)
	}
	frames := make([][]byte, 0, FrameCount(len(msg), maxLength))
	for i := 0; ; i++ {
		f, ok := Frame(msg, i, maxLength)
		if !ok {
			return frames, nil
		}
		frames = append(frames, f)
	}
}

// Merger reassembles one message at a time from inbound frames. It must be
// Reset before it can take the next message. A Merger is not safe for
// concurrent use.
type Merger struct {
	index    int // next expected fragment
	expected int
	buf      []byte
	done     bool
}

// Merge appends frame to the message being reassembled. done is true exactly
// when the accumulated payload reaches the length announced by frame 0.
func (m *Merger) Merge(frame []byte) (done bool, err error) {
	if m.done {
		return false, fmt.Errorf("%w: frame after complete message", ErrIntegrity)
	}
	if m.index == 0 {
		if len(frame) < HeaderSize {
			return false, fmt.Errorf("%w: first frame has %d bytes, header needs %d", ErrIntegrity, len(frame), HeaderSize)
		}
		m.expected = int(binary.BigEndian.Uint16(frame))
		frame = frame[HeaderSize:]
		m.buf = make([]byte, 0, m.expected)
	}
	m.index++
	m.buf = append(m.buf, frame...)

	switch {
	case len(m.buf) > m.expected:
		return false, fmt.Errorf("%w: got %d bytes, header announced %d", ErrIntegrity, len(m.buf), m.expected)
	case len(m.buf) == m.expected:
		m.done = true
		return true, nil
	}
	return false, nil
}

// Message returns the reassembled payload once Merge reported completion.
func (m *Merger) Message() []byte {
	if !m.done {
		return nil
	}
	return m.buf
}

// Index returns the index of the next frame the merger expects.
func (m *Merger) Index() int { return m.index }

// Expected returns the announced length, or -1 before frame 0 arrived.
func (m *Merger) Expected() int {
	if m.index == 0 {
		return -1
	}
	return m.expected
}

// InProgress reports whether part of a message has been received.
func (m *Merger) InProgress() bool { return m.index > 0 && !m.done }

// Reset forgets the expected length and buffered bytes.
func (m *Merger) Reset() {
	m.index = 0
	m.expected = 0
	m.buf = nil
	m.done = false
}
