package fragment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Codec errors. Check with errors.Is.
var (
	// ErrInvalidInput is returned by Split for an empty blob or a non-positive chunk size.
	ErrInvalidInput = errors.New("fragment: invalid input")

	// ErrMalformedHeader is returned when a header is truncated or carries the wrong marker.
	ErrMalformedHeader = errors.New("fragment: malformed header")
)

const (
	// HeaderSize is the encoded header length in bytes.
	HeaderSize = 10

	// MaxDatagramSize is the largest UDP payload over IPv4.
	MaxDatagramSize = 65507

	// MaxChunkSize is the largest payload that still fits a datagram with its header.
	MaxChunkSize = MaxDatagramSize - HeaderSize

	// DefaultChunkSize keeps header plus payload under a 1500-byte Ethernet MTU.
	DefaultChunkSize = 1400
)

// Marker identifies a fragment header.
var Marker = [2]byte{0xAB, 0xCD}

// Header describes where a fragment sits within its group.
type Header struct {
	// GroupID identifies the original frame. Wraps at 2^32.
	GroupID uint32

	// Count is the number of fragments in the group, at least 1.
	Count uint16

	// Index is the 1-based position of this fragment in the group.
	Index uint16
}

// Valid reports whether 1 <= Index <= Count.
func (h Header) Valid() bool {
	return h.Count >= 1 && h.Index >= 1 && h.Index <= h.Count
}

// AppendTo appends the encoded header to dst.
func (h Header) AppendTo(dst []byte) []byte {
	dst = append(dst, Marker[0], Marker[1])
	dst = binary.BigEndian.AppendUint32(dst, h.GroupID)
	dst = binary.BigEndian.AppendUint16(dst, h.Count)
	dst = binary.BigEndian.AppendUint16(dst, h.Index)
	return dst
}

func (h Header) String() string {
	return fmt.Sprintf("group=%d frag=%d/%d", h.GroupID, h.Index, h.Count)
}

// Fragment is one bounded-size piece of a frame.
type Fragment struct {
	Header
	Payload []byte
}

// Size returns the encoded length of the fragment.
func (f Fragment) Size() int {
	return HeaderSize + len(f.Payload)
}

// Encode returns the wire form of the fragment in a new slice.
func (f Fragment) Encode() []byte {
	return f.AppendTo(make([]byte, 0, f.Size()))
}

// AppendTo appends the wire form of the fragment to dst.
func (f Fragment) AppendTo(dst []byte) []byte {
	dst = f.Header.AppendTo(dst)
	return append(dst, f.Payload...)
}

// Count returns ceil(n / maxChunkSize), the number of fragments Split
// produces for an n-byte blob.
func Count(n, maxChunkSize int) int {
	if n <= 0 || maxChunkSize <= 0 {
		return 0
	}
	return (n + maxChunkSize - 1) / maxChunkSize
}

// Split cuts blob into ordered fragments of at most maxChunkSize payload bytes.
// Payloads alias blob; callers must not modify blob while fragments are in use.
func Split(blob []byte, maxChunkSize int, groupID uint32) ([]Fragment, error) {
	if maxChunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size %d", ErrInvalidInput, maxChunkSize)
	}
	if len(blob) == 0 {
		return nil, fmt.Errorf("%w: empty blob", ErrInvalidInput)
	}

	n := Count(len(blob), maxChunkSize)
	if n > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d bytes needs %d fragments (max %d)",
			ErrInvalidInput, len(blob), n, math.MaxUint16)
	}

	frags := make([]Fragment, n)
	for i := 0; i < n; i++ {
		start := i * maxChunkSize
		end := min(start+maxChunkSize, len(blob))
		frags[i] = Fragment{
			Header: Header{
				GroupID: groupID,
				Count:   uint16(n),
				Index:   uint16(i + 1),
			},
			Payload: blob[start:end:end],
		}
	}
	return frags, nil
}

// IsFragment reports whether datagram starts with a fragment header.
func IsFragment(datagram []byte) bool {
	return len(datagram) >= HeaderSize && datagram[0] == Marker[0] && datagram[1] == Marker[1]
}

// ParseHeader decodes the header at the start of b.
// It does not check the index range; see Header.Valid.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes, need %d", ErrMalformedHeader, len(b), HeaderSize)
	}
	if b[0] != Marker[0] || b[1] != Marker[1] {
		return Header{}, fmt.Errorf("%w: marker %#02x%02x", ErrMalformedHeader, b[0], b[1])
	}
	return Header{
		GroupID: binary.BigEndian.Uint32(b[2:6]),
		Count:   binary.BigEndian.Uint16(b[6:8]),
		Index:   binary.BigEndian.Uint16(b[8:10]),
	}, nil
}

// Parse decodes a fragmented datagram. The payload aliases datagram.
func Parse(datagram []byte) (Fragment, error) {
	h, err := ParseHeader(datagram)
	if err != nil {
		return Fragment{}, err
	}
	return Fragment{Header: h, Payload: datagram[HeaderSize:]}, nil
}

// Join concatenates fragment payloads in the order given.
// The caller guarantees the slice is complete and sorted by index.
func Join(frags []Fragment) []byte {
	total := 0
	for _, f := range frags {
		total += len(f.Payload)
	}
	out := make([]byte, 0, total)
	for _, f := range frags {
		out = append(out, f.Payload...)
	}
	return out
}
