package endpoint

import (
	"io"
	"sync/atomic"
)

// TransportStats provides transport-level statistics
type TransportStats struct {
	BytesSent     uint64 // Total bytes sent
	BytesReceived uint64 // Total bytes received
	WriteErrors   uint64 // Number of write errors
	ReadErrors    uint64 // Number of read errors
	Connects      uint64 // Number of connections
	Disconnects   uint64 // Number of disconnections
}

type counters struct {
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
	writeErrors   atomic.Uint64
	readErrors    atomic.Uint64
	connects      atomic.Uint64
	disconnects   atomic.Uint64
}

func (c *counters) snapshot() TransportStats {
	return TransportStats{
		BytesSent:     c.bytesSent.Load(),
		BytesReceived: c.bytesReceived.Load(),
		WriteErrors:   c.writeErrors.Load(),
		ReadErrors:    c.readErrors.Load(),
		Connects:      c.connects.Load(),
		Disconnects:   c.disconnects.Load(),
	}
}

// countingStream updates counters for every read and write
type countingStream struct {
	io.ReadWriteCloser
	stats *counters
}

func (s countingStream) Read(p []byte) (int, error) {
	n, err := s.ReadWriteCloser.Read(p)
	s.stats.bytesReceived.Add(uint64(n))
	if err != nil {
		s.stats.readErrors.Add(1)
	}
	return n, err
}

func (s countingStream) Write(p []byte) (int, error) {
	n, err := s.ReadWriteCloser.Write(p)
	s.stats.bytesSent.Add(uint64(n))
	if err != nil {
		s.stats.writeErrors.Add(1)
	}
	return n, err
}
