package mesh

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrame bounds a single frame on a stream connection.
const MaxFrame = 1 << 20

// writeFrame writes a 4-byte big-endian length followed by the payload.
func writeFrame(w io.Writer, p []byte) error {
	if len(p) > MaxFrame {
		return fmt.Errorf("frame of %d bytes exceeds %d", len(p), MaxFrame)
	}
	buf := make([]byte, 4+len(p))
	binary.BigEndian.PutUint32(buf, uint32(len(p)))
	copy(buf[4:], p)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrame {
		return nil, fmt.Errorf("frame of %d bytes exceeds %d", n, MaxFrame)
	}
	p := make([]byte, n)
	if _, err := io.ReadFull(r, p); err != nil {
		return nil, err
	}
	return p, nil
}

// hello is the first frame in each direction of a stream connection.
type hello struct {
	ID string `json:"id"`
}

func writeHello(w io.Writer, id string) error {
	b, err := json.Marshal(hello{ID: id})
	if err != nil {
		return err
	}
	return writeFrame(w, b)
}

func readHello(r io.Reader) (string, error) {
	b, err := readFrame(r)
	if err != nil {
		return "", err
	}
	var h hello
	if err := json.Unmarshal(b, &h); err != nil {
		return "", fmt.Errorf("decode hello: %w", err)
	}
	if h.ID == "" {
		return "", fmt.Errorf("hello without id")
	}
	return h.ID, nil
}
