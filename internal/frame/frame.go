// Package frame implements the length-prefixed binary message the dashboard reads.
//
// Layout (length integers are big-endian, unsigned):
//
//	outer_len:u64
//	  img1_len:u64   img1_bytes
//	  img2_len:u64   img2_bytes
//	  scores_len:u8  scores_bytes
//	  sentinel:u8 (0x00)
//
// The score vector carries a 1-byte length while the images carry 8-byte
// lengths. Existing dashboards depend on this, so it must not be widened.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	ImageLenWidth  = 8   // bytes in each image length prefix
	ScoresLenWidth = 1   // bytes in the score vector length prefix
	MaxScoreBytes  = 255 // largest value the score prefix can hold
	OuterLenWidth  = 8
	Sentinel       = byte(0x00)
)

// ScoreOrder is the byte order of each float32 in the score vector.
// The dashboard was written against numpy's tobytes() on little-endian hosts.
var ScoreOrder = binary.LittleEndian

var (
	// ErrPayloadTooLarge means the encoded score vector does not fit the 1-byte prefix.
	ErrPayloadTooLarge = errors.New("score vector exceeds 255 encoded bytes")
	// ErrMalformed is returned for any frame that violates the layout.
	ErrMalformed = errors.New("malformed frame")
)

// Frame is a decoded message.
type Frame struct {
	Preprocessed []byte
	Processed    []byte
	Scores       []float32
}

// EncodeScores serializes scores as raw float32 values in ScoreOrder.
func EncodeScores(scores []float32) []byte {
	out := make([]byte, 0, len(scores)*4)
	for _, v := range scores {
		out = ScoreOrder.AppendUint32(out, math.Float32bits(v))
	}
	return out
}

// DecodeScores is the inverse of EncodeScores.
func DecodeScores(raw []byte) ([]float32, error) {
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("%w: score bytes (%d) not a multiple of 4", ErrMalformed, len(raw))
	}
	scores := make([]float32, len(raw)/4)
	for i := range scores {
		scores[i] = math.Float32frombits(ScoreOrder.Uint32(raw[i*4:]))
	}
	return scores, nil
}

// Encode builds one complete frame, outer length prefix included.
// No bytes are produced when the score vector is too large for its prefix.
func Encode(preprocessed, processed []byte, scores []float32) ([]byte, error) {
	rawScores := EncodeScores(scores)
	if len(rawScores) > MaxScoreBytes {
		return nil, fmt.Errorf("%w: %d values (%d bytes)", ErrPayloadTooLarge, len(scores), len(rawScores))
	}

	inner := ImageLenWidth + len(preprocessed) +
		ImageLenWidth + len(processed) +
		ScoresLenWidth + len(rawScores) + 1

	buf := make([]byte, 0, OuterLenWidth+inner)
	buf = binary.BigEndian.AppendUint64(buf, uint64(inner))

	buf = binary.BigEndian.AppendUint64(buf, uint64(len(preprocessed)))
	buf = append(buf, preprocessed...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(len(processed)))
	buf = append(buf, processed...)
	buf = append(buf, byte(len(rawScores)))
	buf = append(buf, rawScores...)
	buf = append(buf, Sentinel)

	return buf, nil
}

// Decode parses a complete frame produced by Encode.
func Decode(data []byte) (Frame, error) {
	if len(data) < OuterLenWidth {
		return Frame{}, fmt.Errorf("%w: %d bytes is shorter than the outer prefix", ErrMalformed, len(data))
	}
	outer := binary.BigEndian.Uint64(data)
	payload := data[OuterLenWidth:]
	if outer != uint64(len(payload)) {
		return Frame{}, fmt.Errorf("%w: outer length %d, payload has %d bytes", ErrMalformed, outer, len(payload))
	}
	return DecodePayload(payload)
}

// DecodePayload parses the inner payload (everything after the outer prefix).
func DecodePayload(payload []byte) (Frame, error) {
	r := payloadReader{buf: payload}

	pre, err := r.image("preprocessed")
	if err != nil {
		return Frame{}, err
	}
	proc, err := r.image("processed")
	if err != nil {
		return Frame{}, err
	}

	if r.remaining() < ScoresLenWidth {
		return Frame{}, fmt.Errorf("%w: missing score length", ErrMalformed)
	}
	n := int(r.buf[r.off])
	r.off++
	if r.remaining() < n {
		return Frame{}, fmt.Errorf("%w: score length %d exceeds remaining %d bytes", ErrMalformed, n, r.remaining())
	}
	scores, err := DecodeScores(r.buf[r.off : r.off+n])
	if err != nil {
		return Frame{}, err
	}
	r.off += n

	if r.remaining() != 1 {
		return Frame{}, fmt.Errorf("%w: expected 1 trailing sentinel byte, found %d", ErrMalformed, r.remaining())
	}
	if r.buf[r.off] != Sentinel {
		return Frame{}, fmt.Errorf("%w: sentinel is 0x%02x", ErrMalformed, r.buf[r.off])
	}

	return Frame{Preprocessed: pre, Processed: proc, Scores: scores}, nil
}

type payloadReader struct {
	buf []byte
	off int
}

func (r *payloadReader) remaining() int { return len(r.buf) - r.off }

func (r *payloadReader) image(name string) ([]byte, error) {
	if r.remaining() < ImageLenWidth {
		return nil, fmt.Errorf("%w: missing %s length", ErrMalformed, name)
	}
	n := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += ImageLenWidth
	if n > uint64(r.remaining()) {
		return nil, fmt.Errorf("%w: %s length %d exceeds remaining %d bytes", ErrMalformed, name, n, r.remaining())
	}
	out := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return out, nil
}

// ReadFrame reads one frame from r. Frames whose outer length exceeds limit
// are rejected before the payload is allocated. A limit of 0 disables the check.
func ReadFrame(r io.Reader, limit uint64) (Frame, error) {
	header := make([]byte, OuterLenWidth)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, err
	}

	outer := binary.BigEndian.Uint64(header)
	if limit > 0 && outer > limit {
		return Frame{}, fmt.Errorf("%w: frame of %d bytes exceeds limit %d", ErrMalformed, outer, limit)
	}

	if outer > math.MaxInt64 {
		return Frame{}, fmt.Errorf("%w: frame length %d out of range", ErrMalformed, outer)
	}

	// Grow with the bytes actually received rather than trusting the prefix
	payload, err := io.ReadAll(io.LimitReader(r, int64(outer)))
	if err != nil {
		return Frame{}, err
	}
	if uint64(len(payload)) < outer {
		return Frame{}, io.ErrUnexpectedEOF
	}
	return DecodePayload(payload)
}

// WriteFrame writes every byte of data to w. Short writes are continued
// rather than dropped; a writer that makes no progress yields io.ErrShortWrite.
func WriteFrame(w io.Writer, data []byte) error {
	for len(data) > 0 {
		n, err := w.Write(data)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		data = data[n:]
	}
	return nil
}
