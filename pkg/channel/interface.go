package channel

import "context"

// Endpoint performs the actual USB (or remote) I/O for a Channel.
// It runs on its own goroutine and talks to the channel only through the two queues.
type Endpoint interface {
	// Run writes every fragment taken from requests to the device, in order,
	// calling requests.Done once each one is on the wire. Fragments received
	// from the device are sent to responses in arrival order.
	// Run must return promptly once ctx is cancelled.
	Run(ctx context.Context, requests *RequestQueue, responses chan<- []byte) error

	// Close releases the endpoint's resources. The channel calls it after Run
	// returns, or to force Run to return when it ignores cancellation.
	Close() error
}

// ChannelState represents the state of a channel
type ChannelState int

const (
	ChannelStateOpen ChannelState = iota
	ChannelStateClosed
)

// String returns string representation of ChannelState
func (s ChannelState) String() string {
	switch s {
	case ChannelStateOpen:
		return "Open"
	case ChannelStateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}
