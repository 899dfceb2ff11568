// Package frame implements the wire framing used by the daemon's control
// socket (length-prefixed JSON) and telemetry broadcast (fixed-header UDP
// datagrams).
package frame

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxBodyBytes bounds a single framed body to guard against a runaway peer.
const MaxBodyBytes = 100 << 20 // 100MiB

// WriteJSON writes one length-prefixed JSON body: an 8-byte big-endian
// length header followed by the encoded value.
func WriteJSON(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame body: %w", err)
	}
	if len(body) > MaxBodyBytes {
		return fmt.Errorf("frame body of %d bytes exceeds %d byte limit", len(body), MaxBodyBytes)
	}

	var header [8]byte
	binary.BigEndian.PutUint64(header[:], uint64(len(body)))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadJSON reads one length-prefixed frame and decodes its body into v.
func ReadJSON(r *bufio.Reader, v any) error {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return fmt.Errorf("read frame header: %w", err)
	}

	length := binary.BigEndian.Uint64(header[:])
	if length > MaxBodyBytes {
		return fmt.Errorf("frame body of %d bytes exceeds %d byte limit", length, MaxBodyBytes)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("read frame body: %w", err)
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode frame body: %w", err)
	}
	return nil
}
