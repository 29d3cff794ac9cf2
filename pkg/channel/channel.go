package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"avaneesh/mbim-go/pkg/internal/logger"
)

var (
	// ErrProtocol is the channel protocol error: reassembly contract violations,
	// timeouts, misuse, and endpoint liveness failures all wrap it.
	ErrProtocol = errors.New("MBIM channel protocol error")

	// ErrChannelClosed is returned by every operation after Close
	ErrChannelClosed = fmt.Errorf("%w: channel is closed", ErrProtocol)
)

// Channel is a synchronous MBIM request/response multiplexer over an Endpoint.
//
// The endpoint runs on its own goroutine. Everything else runs on the caller's
// goroutine: calls must be serialized by the caller.
type Channel struct {
	id       string
	endpoint Endpoint
	config   ChannelConfig
	stats    *Statistics
	logger   logger.Logger

	requests    *RequestQueue
	responses   chan []byte
	reassembler *Reassembler
	outstanding []*Packet

	// State
	state   ChannelState
	stateMu sync.RWMutex

	// Worker
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	workerErr error

	closeOnce sync.Once
	closeErr  error
}

// New creates a channel and starts the endpoint worker
func New(endpoint Endpoint, config ChannelConfig, log logger.Logger) (*Channel, error) {
	if endpoint == nil {
		return nil, errors.New("endpoint is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid channel config: %w", err)
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	stats := NewStatistics()
	responses := make(chan []byte, config.ResponseQueueSize)

	c := &Channel{
		id:          config.ID,
		endpoint:    endpoint,
		config:      config,
		stats:       stats,
		logger:      log,
		requests:    NewRequestQueue(config.RequestQueueSize),
		responses:   responses,
		reassembler: NewReassembler(responses, config.FragmentTimeout, stats, log),
		state:       ChannelStateOpen,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	go c.runEndpoint()

	c.logger.Info("Channel %s opened", c.id)
	return c, nil
}

// runEndpoint runs the endpoint until it returns
func (c *Channel) runEndpoint() {
	defer close(c.done)

	c.logger.Debug("Channel %s endpoint worker started", c.id)
	err := c.endpoint.Run(c.ctx, c.requests, c.responses)
	if err != nil && c.ctx.Err() == nil {
		c.logger.Error("Channel %s endpoint worker failed: %v", c.id, err)
	}
	c.workerErr = err
	c.logger.Debug("Channel %s endpoint worker stopped", c.id)
}

// ID returns the channel ID
func (c *Channel) ID() string {
	return c.id
}

// Close stops the endpoint worker and releases the endpoint.
// If the worker does not stop within the join timeout the endpoint is closed
// underneath it. Close is idempotent.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.stateMu.Lock()
		c.state = ChannelStateClosed
		c.stateMu.Unlock()

		c.logger.Info("Channel %s closing", c.id)
		c.cancel()

		var result *multierror.Error

		stopped := c.waitWorker(c.config.EndpointJoinTimeout)
		if !stopped {
			c.logger.Warn("Channel %s endpoint worker still running after %v, terminating",
				c.id, c.config.EndpointJoinTimeout)
		}

		if err := c.endpoint.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing endpoint: %w", err))
		}

		if !stopped && !c.waitWorker(c.config.EndpointJoinTimeout) {
			result = multierror.Append(result, fmt.Errorf("%w: endpoint worker did not terminate", ErrProtocol))
		}

		c.closeErr = result.ErrorOrNil()
		c.logger.Info("Channel %s closed", c.id)
	})
	return c.closeErr
}

// waitWorker waits up to timeout for the endpoint worker to return
func (c *Channel) waitWorker(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.done:
		return true
	case <-timer.C:
		return false
	}
}

// verifyEndpointOpen fails if the channel was closed or its worker has exited
func (c *Channel) verifyEndpointOpen() error {
	if c.State() != ChannelStateOpen {
		return ErrChannelClosed
	}

	select {
	case <-c.done:
		if c.workerErr != nil {
			return fmt.Errorf("%w: endpoint worker exited: %v", ErrProtocol, c.workerErr)
		}
		return fmt.Errorf("%w: endpoint worker exited", ErrProtocol)
	default:
		return nil
	}
}

// Alive reports whether the endpoint worker is still running
func (c *Channel) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Statistics returns channel statistics
func (c *Channel) Statistics() *Statistics {
	return c.stats
}

// State returns the current channel state
func (c *Channel) State() ChannelState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// String returns string representation of channel
func (c *Channel) String() string {
	return fmt.Sprintf("Channel{ID=%s, State=%s, Pending=%d, Outstanding=%d}",
		c.id, c.State(), c.requests.Pending(), len(c.outstanding))
}
