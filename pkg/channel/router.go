package channel

import (
	"context"
	"fmt"
	"time"

	"avaneesh/mbim-go/pkg/internal/logger"
	"avaneesh/mbim-go/pkg/mbim"
)

// BidirectionalTransaction sends the fragments of one request and waits for the
// packet with the same transaction ID. Packets of other transactions that arrive
// meanwhile are kept for GetOutstandingPackets.
//
// A reply whose remaining fragments stop arriving is returned incomplete.
func (c *Channel) BidirectionalTransaction(fragments [][]byte) (*Packet, error) {
	tid, err := c.send(fragments)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.config.TransactionTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		packet, err := c.reassembler.next(min(c.config.FragmentTimeout, remaining))
		if err != nil {
			return nil, err
		}
		if packet == nil {
			continue
		}

		if packet.TransactionID == tid {
			if !packet.Complete() {
				c.stats.PartialPacket()
				c.logger.Warn("Channel %s: received fewer fragments than claimed for transaction %d (%d of %d)",
					c.id, tid, len(packet.Fragments), packet.TotalFragments)
			}
			return packet, nil
		}

		c.addOutstanding(packet)
	}

	c.stats.TransactionTimeout()
	return nil, fmt.Errorf("%w: no timely reply to transaction %d", ErrProtocol, tid)
}

// UnidirectionalTransaction sends the fragments of one request without waiting for a reply
func (c *Channel) UnidirectionalTransaction(fragments [][]byte) error {
	_, err := c.send(fragments)
	return err
}

// GetOutstandingPackets returns every packet that matched no transaction,
// after collecting any that are ready now.
func (c *Channel) GetOutstandingPackets() ([]*Packet, error) {
	if err := c.verifyEndpointOpen(); err != nil {
		return nil, err
	}

	for {
		packet, err := c.reassembler.NextPacket()
		if err != nil {
			return nil, err
		}
		if packet == nil {
			break
		}
		c.addOutstanding(packet)
	}

	packets := c.outstanding
	c.outstanding = nil
	return packets, nil
}

// Flush waits for queued requests to reach the device, gives their replies time
// to arrive, and discards everything received.
func (c *Channel) Flush() error {
	if err := c.verifyEndpointOpen(); err != nil {
		return err
	}

	remaining := c.requests.Pending()
	drainTimeout := time.Duration(remaining) * c.config.FragmentTimeout
	if !c.requests.Join(drainTimeout) {
		return fmt.Errorf("%w: %d outbound fragments not sent within %v",
			ErrProtocol, c.requests.Pending(), drainTimeout)
	}

	// Each pending fragment may belong to its own transaction
	wait := min(time.Duration(remaining)*c.config.TransactionTimeout, c.config.FlushMaxWait)
	if wait > 0 {
		c.logger.Debug("Channel %s: waiting %v for replies to %d flushed fragments", c.id, wait, remaining)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-c.ctx.Done():
			timer.Stop()
			return ErrChannelClosed
		}
	}

	packets, err := c.GetOutstandingPackets()
	if err != nil {
		return err
	}
	for _, packet := range packets {
		c.stats.DiscardedPacket()
		c.logger.Debug("Channel %s: flushing %s", c.id, packet)
	}
	return nil
}

// send validates and enqueues the fragments of one request, returning its transaction ID
func (c *Channel) send(fragments [][]byte) (uint32, error) {
	if err := c.verifyEndpointOpen(); err != nil {
		return 0, err
	}
	if len(fragments) == 0 {
		return 0, fmt.Errorf("%w: no fragments to send", ErrProtocol)
	}

	tid, err := mbim.TransactionID(fragments[0])
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.config.TransactionTimeout)
	defer cancel()

	for i, fragment := range fragments {
		logger.FrameDump(c.logger, "TX", fragment)
		if err := c.requests.Put(ctx, fragment); err != nil {
			return 0, fmt.Errorf("%w: queueing fragment %d of transaction %d: %v", ErrProtocol, i, tid, err)
		}
		c.stats.FragmentTx()
	}
	return tid, nil
}

func (c *Channel) addOutstanding(packet *Packet) {
	c.stats.OutstandingPacket()
	c.logger.Debug("Channel %s: outstanding %s", c.id, packet)
	c.outstanding = append(c.outstanding, packet)
}
