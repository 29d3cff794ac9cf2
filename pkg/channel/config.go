package channel

import (
	"fmt"
	"time"
)

// ChannelConfig holds configuration for an MBIM channel
type ChannelConfig struct {
	// ID names the channel in log messages
	ID string

	// FragmentTimeout bounds every wait for a single inbound fragment
	// Default: 3 seconds
	FragmentTimeout time.Duration

	// TransactionTimeout bounds the wait for a reply to a bidirectional transaction
	// Default: 5 seconds
	TransactionTimeout time.Duration

	// EndpointJoinTimeout is how long Close waits for the endpoint worker to stop
	// before terminating it
	// Default: 5 seconds
	EndpointJoinTimeout time.Duration

	// FlushMaxWait caps the time Flush spends waiting for stray replies
	// Default: 30 seconds
	FlushMaxWait time.Duration

	// RequestQueueSize is the capacity of the outbound fragment queue
	RequestQueueSize int

	// ResponseQueueSize is the capacity of the inbound fragment queue
	ResponseQueueSize int
}

// DefaultChannelConfig returns default channel configuration
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		ID:                  "mbim",
		FragmentTimeout:     3 * time.Second,
		TransactionTimeout:  5 * time.Second,
		EndpointJoinTimeout: 5 * time.Second,
		FlushMaxWait:        30 * time.Second,
		RequestQueueSize:    64,
		ResponseQueueSize:   256,
	}
}

// Validate checks the configuration for unusable values
func (c ChannelConfig) Validate() error {
	if c.FragmentTimeout <= 0 {
		return fmt.Errorf("fragment timeout must be positive, got %v", c.FragmentTimeout)
	}
	if c.TransactionTimeout <= 0 {
		return fmt.Errorf("transaction timeout must be positive, got %v", c.TransactionTimeout)
	}
	if c.EndpointJoinTimeout <= 0 {
		return fmt.Errorf("endpoint join timeout must be positive, got %v", c.EndpointJoinTimeout)
	}
	if c.FlushMaxWait < 0 {
		return fmt.Errorf("flush max wait must not be negative, got %v", c.FlushMaxWait)
	}
	if c.RequestQueueSize <= 0 || c.ResponseQueueSize <= 0 {
		return fmt.Errorf("queue sizes must be positive, got request=%d response=%d",
			c.RequestQueueSize, c.ResponseQueueSize)
	}
	return nil
}
