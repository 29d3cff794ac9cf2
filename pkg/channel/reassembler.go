package channel

import (
	"fmt"
	"time"

	"avaneesh/mbim-go/pkg/internal/logger"
	"avaneesh/mbim-go/pkg/mbim"
)

// Reassembler turns the inbound fragment stream into packets.
// It keeps at most one fragment of look-ahead: the first fragment of the next
// packet, seen while collecting the current one.
type Reassembler struct {
	responses       <-chan []byte
	fragmentTimeout time.Duration
	stash           []byte

	stats  *Statistics
	logger logger.Logger
}

// NewReassembler creates a reassembler reading from responses
func NewReassembler(responses <-chan []byte, fragmentTimeout time.Duration, stats *Statistics, log logger.Logger) *Reassembler {
	if stats == nil {
		stats = NewStatistics()
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Reassembler{
		responses:       responses,
		fragmentTimeout: fragmentTimeout,
		stats:           stats,
		logger:          log,
	}
}

// NextPacket returns the next packet, or nil if no fragment arrives within the
// fragment timeout. The packet is incomplete if its remaining fragments stopped
// arriving or a fragment of another transaction interrupted it.
func (r *Reassembler) NextPacket() (*Packet, error) {
	return r.next(r.fragmentTimeout)
}

// next is NextPacket with the wait for the first fragment bounded by wait
func (r *Reassembler) next(wait time.Duration) (*Packet, error) {
	packet, err := r.assemble(wait)
	if err != nil {
		r.stats.ProtocolError()
		return nil, err
	}
	if packet != nil {
		r.stats.PacketRx()
	}
	return packet, nil
}

func (r *Reassembler) assemble(wait time.Duration) (*Packet, error) {
	first := r.stash
	r.stash = nil
	if first == nil {
		first = r.fetch(wait)
		if first == nil {
			return nil, nil
		}
	}

	h, err := mbim.ParseHeader(first)
	if err != nil {
		return nil, err
	}
	if h.CurrentFragment != 0 {
		return nil, fmt.Errorf("%w: first fragment reports nonzero index %d (%s)",
			ErrProtocol, h.CurrentFragment, h)
	}

	packet := newPacket(h, first)
	last := h.CurrentFragment

	for !h.IsLast() {
		fragment := r.fetch(r.fragmentTimeout)
		if fragment == nil {
			return packet, nil
		}

		fh, err := mbim.ParseHeader(fragment)
		if err != nil {
			return nil, err
		}

		if fh.TransactionID != h.TransactionID {
			r.stash = fragment
			return packet, nil
		}
		if fh.TotalFragments != h.TotalFragments {
			return nil, fmt.Errorf("%w: fragment reports incorrect total %d, expected %d (TID=%d)",
				ErrProtocol, fh.TotalFragments, h.TotalFragments, h.TransactionID)
		}
		if fh.CurrentFragment != last+1 {
			return nil, fmt.Errorf("%w: reordered fragments, got index %d after %d (TID=%d)",
				ErrProtocol, fh.CurrentFragment, last, h.TransactionID)
		}

		packet.Fragments = append(packet.Fragments, fragment)
		last = fh.CurrentFragment
		h.CurrentFragment = last
	}

	return packet, nil
}

// fetch waits up to wait for one inbound fragment
func (r *Reassembler) fetch(wait time.Duration) []byte {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case fragment, ok := <-r.responses:
		if !ok {
			return nil
		}
		r.stats.FragmentRx()
		logger.FrameDump(r.logger, "RX", fragment)
		return fragment
	case <-timer.C:
		return nil
	}
}

// Pending reports whether a look-ahead fragment is stashed
func (r *Reassembler) Pending() bool {
	return r.stash != nil
}
