package channel

import "sync/atomic"

// Statistics tracks channel-level statistics
type Statistics struct {
	// Fragment statistics
	numFragmentsTx uint64
	numFragmentsRx uint64

	// Packet statistics
	numPacketsRx          uint64
	numPartialPackets     uint64
	numOutstandingPackets uint64
	numDiscardedPackets   uint64

	// Error statistics
	numProtocolErrors     uint64
	numTransactionTimeout uint64
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	return &Statistics{}
}

// FragmentTx increments fragments handed to the endpoint
func (s *Statistics) FragmentTx() {
	atomic.AddUint64(&s.numFragmentsTx, 1)
}

// FragmentRx increments fragments received from the endpoint
func (s *Statistics) FragmentRx() {
	atomic.AddUint64(&s.numFragmentsRx, 1)
}

// PacketRx increments reassembled packets
func (s *Statistics) PacketRx() {
	atomic.AddUint64(&s.numPacketsRx, 1)
}

// PartialPacket increments packets returned with missing fragments
func (s *Statistics) PartialPacket() {
	atomic.AddUint64(&s.numPartialPackets, 1)
}

// OutstandingPacket increments packets that matched no pending transaction
func (s *Statistics) OutstandingPacket() {
	atomic.AddUint64(&s.numOutstandingPackets, 1)
}

// DiscardedPacket increments packets dropped by Flush
func (s *Statistics) DiscardedPacket() {
	atomic.AddUint64(&s.numDiscardedPackets, 1)
}

// ProtocolError increments reassembly protocol errors
func (s *Statistics) ProtocolError() {
	atomic.AddUint64(&s.numProtocolErrors, 1)
}

// TransactionTimeout increments transactions that got no reply
func (s *Statistics) TransactionTimeout() {
	atomic.AddUint64(&s.numTransactionTimeout, 1)
}

// GetFragmentsTx returns fragments handed to the endpoint
func (s *Statistics) GetFragmentsTx() uint64 {
	return atomic.LoadUint64(&s.numFragmentsTx)
}

// GetFragmentsRx returns fragments received from the endpoint
func (s *Statistics) GetFragmentsRx() uint64 {
	return atomic.LoadUint64(&s.numFragmentsRx)
}

// GetPacketsRx returns reassembled packets
func (s *Statistics) GetPacketsRx() uint64 {
	return atomic.LoadUint64(&s.numPacketsRx)
}

// GetPartialPackets returns packets returned with missing fragments
func (s *Statistics) GetPartialPackets() uint64 {
	return atomic.LoadUint64(&s.numPartialPackets)
}

// GetOutstandingPackets returns packets that matched no pending transaction
func (s *Statistics) GetOutstandingPackets() uint64 {
	return atomic.LoadUint64(&s.numOutstandingPackets)
}

// GetDiscardedPackets returns packets dropped by Flush
func (s *Statistics) GetDiscardedPackets() uint64 {
	return atomic.LoadUint64(&s.numDiscardedPackets)
}

// GetProtocolErrors returns reassembly protocol errors
func (s *Statistics) GetProtocolErrors() uint64 {
	return atomic.LoadUint64(&s.numProtocolErrors)
}

// GetTransactionTimeouts returns transactions that got no reply
func (s *Statistics) GetTransactionTimeouts() uint64 {
	return atomic.LoadUint64(&s.numTransactionTimeout)
}

// Reset resets all statistics
func (s *Statistics) Reset() {
	atomic.StoreUint64(&s.numFragmentsTx, 0)
	atomic.StoreUint64(&s.numFragmentsRx, 0)
	atomic.StoreUint64(&s.numPacketsRx, 0)
	atomic.StoreUint64(&s.numPartialPackets, 0)
	atomic.StoreUint64(&s.numOutstandingPackets, 0)
	atomic.StoreUint64(&s.numDiscardedPackets, 0)
	atomic.StoreUint64(&s.numProtocolErrors, 0)
	atomic.StoreUint64(&s.numTransactionTimeout, 0)
}
