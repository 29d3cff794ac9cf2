package channel

import (
	"fmt"

	"avaneesh/mbim-go/pkg/mbim"
)

// Packet is a reassembled MBIM message: fragments of one transaction in index order.
// A packet returned after a fragment timeout may hold fewer fragments than TotalFragments.
type Packet struct {
	MessageType    mbim.MessageType
	TransactionID  uint32
	TotalFragments uint32
	Fragments      [][]byte
}

func newPacket(h mbim.Header, fragment []byte) *Packet {
	return &Packet{
		MessageType:    h.MessageType,
		TransactionID:  h.TransactionID,
		TotalFragments: h.TotalFragments,
		Fragments:      [][]byte{fragment},
	}
}

// Complete reports whether every fragment of the message was received
func (p *Packet) Complete() bool {
	return uint32(len(p.Fragments)) >= p.TotalFragments
}

// Done decodes the packet as a function-to-host message
func (p *Packet) Done() (*mbim.Done, error) {
	return mbim.ParseDone(p.Fragments)
}

// String returns string representation of Packet
func (p *Packet) String() string {
	return fmt.Sprintf("Packet{%s, TID=%d, Fragments=%d/%d}",
		p.MessageType, p.TransactionID, len(p.Fragments), p.TotalFragments)
}
