package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/c360/rosgraph/errors"
)

// DefaultMaxFrameSize bounds a single wire frame. Anything larger is treated
// as a corrupt stream.
const DefaultMaxFrameSize = 64 << 20

// DefaultHandshakeTimeout bounds the header exchange on a fresh connection.
const DefaultHandshakeTimeout = 10 * time.Second

// ReadFrame reads one length-prefixed frame: a u32-little-endian body length
// followed by the body.
func ReadFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, transportErr(err, "ReadFrame", "read length prefix")
	}
	length := binary.LittleEndian.Uint32(prefix[:])
	if length > maxSize {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Frame", "ReadFrame",
			fmt.Sprintf("frame of %d bytes exceeds limit %d", length, maxSize))
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, transportErr(err, "ReadFrame", "read body")
	}
	return body, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, body []byte) error {
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return transportErr(err, "WriteFrame", "write length prefix")
	}
	if _, err := w.Write(body); err != nil {
		return transportErr(err, "WriteFrame", "write body")
	}
	return nil
}

// ReadHeaderBlock reads and decodes one header block from the stream.
func ReadHeaderBlock(r io.Reader) (*Header, error) {
	payload, err := ReadFrame(r, DefaultMaxFrameSize)
	if err != nil {
		return nil, err
	}

	// Reassemble the full block so DecodeHeader can validate the total
	// length against the payload.
	block := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(block, uint32(len(payload)))
	copy(block[4:], payload)
	return DecodeHeader(block)
}

// WriteHeaderBlock encodes and writes one header block to the stream.
func WriteHeaderBlock(w io.Writer, h *Header) error {
	if _, err := w.Write(h.Encode()); err != nil {
		return transportErr(err, "WriteHeaderBlock", "write header")
	}
	return nil
}

// ExchangeHeader performs one side of a handshake under a deadline: writes
// the local header, then reads the peer's reply.
func ExchangeHeader(conn net.Conn, local *Header, timeout time.Duration) (*Header, error) {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, transportErr(err, "ExchangeHeader", "set deadline")
	}
	defer func() { _ = conn.SetDeadline(time.Time{}) }()

	if err := WriteHeaderBlock(conn, local); err != nil {
		return nil, err
	}
	return ReadHeaderBlock(conn)
}

// transportErr classifies a socket error, preserving EOF as connection loss.
func transportErr(err error, method, action string) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		err = fmt.Errorf("%w: %v", errors.ErrConnectionLost, err)
	}
	return errors.WrapTransient(err, "Frame", method, action)
}
