package mbim

import (
	"encoding/binary"
	"fmt"
)

// Header is the decoded message and fragment header of one fragment.
// For non-fragmented message types TotalFragments is 1 and CurrentFragment is 0.
type Header struct {
	MessageType     MessageType
	MessageLength   uint32
	TransactionID   uint32
	TotalFragments  uint32
	CurrentFragment uint32
}

// ParseHeader decodes the headers at the start of buf.
// The message header is always read; the fragment header only for fragmented types.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < MessageHeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes, need %d for message header",
			ErrMalformedFragment, len(buf), MessageHeaderSize)
	}

	h := Header{
		MessageType:     MessageType(binary.LittleEndian.Uint32(buf[0:4])),
		MessageLength:   binary.LittleEndian.Uint32(buf[4:8]),
		TransactionID:   binary.LittleEndian.Uint32(buf[8:12]),
		TotalFragments:  1,
		CurrentFragment: 0,
	}

	if !h.MessageType.IsFragmented() {
		return h, nil
	}

	if len(buf) < FragmentedHeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes, need %d for %s fragment header",
			ErrMalformedFragment, len(buf), FragmentedHeaderSize, h.MessageType)
	}
	h.TotalFragments = binary.LittleEndian.Uint32(buf[12:16])
	h.CurrentFragment = binary.LittleEndian.Uint32(buf[16:20])
	return h, nil
}

// TransactionID returns the transaction ID of a fragment
func TransactionID(buf []byte) (uint32, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return 0, err
	}
	return h.TransactionID, nil
}

// Size returns the encoded size of the header
func (h Header) Size() int {
	if h.MessageType.IsFragmented() {
		return FragmentedHeaderSize
	}
	return MessageHeaderSize
}

// IsLast reports whether this is the final fragment of its message
func (h Header) IsLast() bool {
	return h.CurrentFragment+1 >= h.TotalFragments
}

// MarshalTo writes the header into buf and returns the number of bytes written,
// or 0 if buf is too small.
func (h Header) MarshalTo(buf []byte) int {
	n := h.Size()
	if len(buf) < n {
		return 0
	}
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.MessageType))
	binary.LittleEndian.PutUint32(buf[4:8], h.MessageLength)
	binary.LittleEndian.PutUint32(buf[8:12], h.TransactionID)
	if n == FragmentedHeaderSize {
		binary.LittleEndian.PutUint32(buf[12:16], h.TotalFragments)
		binary.LittleEndian.PutUint32(buf[16:20], h.CurrentFragment)
	}
	return n
}

// Marshal encodes the header
func (h Header) Marshal() []byte {
	buf := make([]byte, h.Size())
	h.MarshalTo(buf)
	return buf
}

// String returns string representation of Header
func (h Header) String() string {
	return fmt.Sprintf("%s{TID=%d, Len=%d, Frag=%d/%d}",
		h.MessageType, h.TransactionID, h.MessageLength, h.CurrentFragment, h.TotalFragments)
}

// NewFragment builds one fragment: the header for messageType followed by payload.
// MessageLength is set to the length of the fragment. total and current are
// ignored for non-fragmented types.
func NewFragment(messageType MessageType, tid, total, current uint32, payload []byte) []byte {
	h := Header{
		MessageType:     messageType,
		TransactionID:   tid,
		TotalFragments:  total,
		CurrentFragment: current,
	}
	buf := make([]byte, h.Size()+len(payload))
	h.MessageLength = uint32(len(buf))
	n := h.MarshalTo(buf)
	copy(buf[n:], payload)
	return buf
}

// Fragment splits body into fragments of messageType no larger than maxControlTransfer.
// An empty body still yields one fragment.
func Fragment(messageType MessageType, tid uint32, body []byte, maxControlTransfer int) ([][]byte, error) {
	if !messageType.IsFragmented() {
		if MessageHeaderSize+len(body) > maxControlTransfer {
			return nil, fmt.Errorf("%s message of %d bytes exceeds max control transfer %d",
				messageType, MessageHeaderSize+len(body), maxControlTransfer)
		}
		return [][]byte{NewFragment(messageType, tid, 1, 0, body)}, nil
	}

	capacity := maxControlTransfer - FragmentedHeaderSize
	if capacity <= 0 {
		return nil, fmt.Errorf("max control transfer %d too small for fragment header", maxControlTransfer)
	}

	total := (len(body) + capacity - 1) / capacity
	if total == 0 {
		total = 1
	}

	fragments := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * capacity
		end := start + capacity
		if end > len(body) {
			end = len(body)
		}
		fragments = append(fragments, NewFragment(messageType, tid, uint32(total), uint32(i), body[start:end]))
	}
	return fragments, nil
}

// Payload returns the bytes of a fragment following its headers
func Payload(buf []byte) ([]byte, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return nil, err
	}
	return buf[h.Size():], nil
}
