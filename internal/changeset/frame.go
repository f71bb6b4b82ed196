package changeset

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single encoded Message so a corrupt or hostile
// length prefix can't make a reader try to allocate gigabytes.
const MaxFrameSize = 16 << 20 // 16MiB

// Frame prefixes an already-encoded message with a 4-byte big-endian
// length, matching the framing spec §4.F prescribes for both the UDP
// datagram body and the HTTP sync/broadcast streams. The length prefix is
// big-endian by convention even though every field inside a Message is
// little-endian: it is read once, by hand, before anything is known about
// the payload's own encoding.
func Frame(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

// EncodeMessage is a convenience wrapper: encode m and frame it.
func EncodeMessage(m Message) ([]byte, error) {
	raw, err := m.Encode()
	if err != nil {
		return nil, err
	}
	return Frame(raw), nil
}

// ReadFrame reads one length-prefixed frame from r and returns its raw
// (still-encoded) payload. ReadMessage builds on it; the UDP and HTTP
// receive paths split whole buffers with SplitFrames instead.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("changeset: frame of %d bytes exceeds max %d", n, MaxFrameSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("changeset: short frame: %w", err)
	}
	return payload, nil
}

// ReadMessage reads and decodes one framed Message from r.
func ReadMessage(r io.Reader) (Message, error) {
	raw, err := ReadFrame(r)
	if err != nil {
		return Message{}, err
	}
	return DecodeMessage(raw)
}

// SplitFrames decodes every frame found in a single buffer (a UDP datagram
// may carry more than one message batched by the broadcaster). It returns
// an error only for a genuinely truncated buffer: trailing bytes too few to
// hold a length prefix, or a length prefix claiming more bytes than remain.
func SplitFrames(buf []byte) ([][]byte, error) {
	var frames [][]byte
	pos := 0
	for pos < len(buf) {
		if pos+4 > len(buf) {
			return nil, fmt.Errorf("changeset: trailing %d bytes too short for a length prefix", len(buf)-pos)
		}
		n := int(binary.BigEndian.Uint32(buf[pos : pos+4]))
		pos += 4
		if pos+n > len(buf) {
			return nil, fmt.Errorf("changeset: frame of %d bytes exceeds remaining buffer", n)
		}
		frames = append(frames, buf[pos:pos+n])
		pos += n
	}
	return frames, nil
}
