package channel

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"avaneesh/mbim-go/pkg/mbim"
)

// testEndpoint records every fragment written and lets tests control how Run behaves
type testEndpoint struct {
	mu   sync.Mutex
	sent [][]byte

	stall        bool // never take requests
	ignoreCancel bool // keep running until Close
	exitNow      bool // return runErr immediately
	runErr       error

	release chan struct{}
	closed  atomic.Bool
}

func newTestEndpoint() *testEndpoint {
	return &testEndpoint{release: make(chan struct{})}
}

func (e *testEndpoint) Run(ctx context.Context, requests *RequestQueue, responses chan<- []byte) error {
	switch {
	case e.exitNow:
		return e.runErr
	case e.ignoreCancel:
		<-e.release
		return nil
	case e.stall:
		<-ctx.Done()
		return nil
	}

	for {
		fragment, err := requests.Get(ctx)
		if err != nil {
			return nil
		}
		e.mu.Lock()
		e.sent = append(e.sent, fragment)
		e.mu.Unlock()
		requests.Done()
	}
}

func (e *testEndpoint) Close() error {
	if e.closed.CompareAndSwap(false, true) {
		close(e.release)
	}
	return nil
}

func (e *testEndpoint) Sent() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]byte(nil), e.sent...)
}

func testConfig() ChannelConfig {
	config := DefaultChannelConfig()
	config.ID = "test"
	config.FragmentTimeout = 20 * time.Millisecond
	config.TransactionTimeout = 100 * time.Millisecond
	config.EndpointJoinTimeout = 200 * time.Millisecond
	config.FlushMaxWait = 50 * time.Millisecond
	return config
}

func newTestChannel(t *testing.T, ep *testEndpoint, config ChannelConfig) *Channel {
	t.Helper()
	c, err := New(ep, config, nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// queueResponse delivers fragments as if the endpoint had received them
func queueResponse(c *Channel, fragments ...[]byte) {
	for _, f := range fragments {
		c.responses <- f
	}
}

func commandDone(tid, total, current uint32) []byte {
	return mbim.NewFragment(mbim.MessageTypeCommandDone, tid, total, current, []byte{byte(current), 0xC0, 0xFF, 0xEE})
}

func TestChannel_SingleFragmentRoundTrip(t *testing.T) {
	ep := newTestEndpoint()
	c := newTestChannel(t, ep, testConfig())

	request := mbim.OpenMessage(1, 4096)
	response := mbim.NewFragment(mbim.MessageTypeOpenDone, 1, 1, 0, []byte{0, 0, 0, 0})
	queueResponse(c, response)

	packet, err := c.BidirectionalTransaction([][]byte{request})
	if err != nil {
		t.Fatalf("BidirectionalTransaction error: %v", err)
	}
	if diff := cmp.Diff([][]byte{response}, packet.Fragments); diff != "" {
		t.Errorf("Response mismatch (-want +got):\n%s", diff)
	}
	if !packet.Complete() {
		t.Errorf("Expected complete packet")
	}

	if !c.requests.Join(time.Second) {
		t.Fatalf("Request was not written")
	}
	if diff := cmp.Diff([][]byte{request}, ep.Sent()); diff != "" {
		t.Errorf("Sent mismatch (-want +got):\n%s", diff)
	}
}

func TestChannel_MultiFragmentReassembly(t *testing.T) {
	ep := newTestEndpoint()
	c := newTestChannel(t, ep, testConfig())

	request := [][]byte{
		mbim.NewFragment(mbim.MessageTypeCommand, 2, 2, 0, []byte{1}),
		mbim.NewFragment(mbim.MessageTypeCommand, 2, 2, 1, []byte{2}),
	}
	response := [][]byte{commandDone(2, 2, 0), commandDone(2, 2, 1)}
	queueResponse(c, response...)

	packet, err := c.BidirectionalTransaction(request)
	if err != nil {
		t.Fatalf("BidirectionalTransaction error: %v", err)
	}
	if diff := cmp.Diff(response, packet.Fragments); diff != "" {
		t.Errorf("Response mismatch (-want +got):\n%s", diff)
	}
	if packet.TransactionID != 2 || packet.TotalFragments != 2 {
		t.Errorf("Unexpected packet %s", packet)
	}

	if !c.requests.Join(time.Second) {
		t.Fatalf("Request was not written")
	}
	if diff := cmp.Diff(request, ep.Sent()); diff != "" {
		t.Errorf("Fragments not sent in order (-want +got):\n%s", diff)
	}
}

func TestChannel_ProtocolViolations(t *testing.T) {
	tests := []struct {
		name     string
		response [][]byte
		reason   string
	}{
		{
			name:     "ReorderedFragments",
			response: [][]byte{commandDone(3, 2, 0), commandDone(3, 2, 99)},
			reason:   "reordered fragments",
		},
		{
			name:     "IncorrectTotal",
			response: [][]byte{commandDone(3, 2, 0), commandDone(3, 3, 1)},
			reason:   "incorrect total",
		},
		{
			name:     "NonzeroFirstIndex",
			response: [][]byte{commandDone(3, 2, 1)},
			reason:   "nonzero index",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestChannel(t, newTestEndpoint(), testConfig())
			queueResponse(c, tt.response...)

			start := time.Now()
			_, err := c.BidirectionalTransaction([][]byte{mbim.NewFragment(mbim.MessageTypeCommand, 3, 1, 0, nil)})
			if !errors.Is(err, ErrProtocol) {
				t.Fatalf("Expected ErrProtocol, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.reason) {
				t.Errorf("Expected %q in error, got %v", tt.reason, err)
			}
			if elapsed := time.Since(start); elapsed >= c.config.TransactionTimeout {
				t.Errorf("Expected immediate failure, took %v", elapsed)
			}
			if c.Statistics().GetProtocolErrors() != 1 {
				t.Errorf("Expected 1 protocol error, got %d", c.Statistics().GetProtocolErrors())
			}
		})
	}
}

func TestChannel_NotificationInterleaving(t *testing.T) {
	c := newTestChannel(t, newTestEndpoint(), testConfig())

	notification := mbim.NewFragment(mbim.MessageTypeIndicateStatus, 0, 1, 0, []byte{0xAB})
	response := [][]byte{commandDone(4, 2, 0), commandDone(4, 2, 1)}
	queueResponse(c, notification)
	queueResponse(c, response...)

	packet, err := c.BidirectionalTransaction([][]byte{mbim.NewFragment(mbim.MessageTypeCommand, 4, 1, 0, nil)})
	if err != nil {
		t.Fatalf("BidirectionalTransaction error: %v", err)
	}
	if diff := cmp.Diff(response, packet.Fragments); diff != "" {
		t.Errorf("Response mismatch (-want +got):\n%s", diff)
	}

	outstanding, err := c.GetOutstandingPackets()
	if err != nil {
		t.Fatalf("GetOutstandingPackets error: %v", err)
	}
	if len(outstanding) != 1 {
		t.Fatalf("Expected 1 outstanding packet, got %d", len(outstanding))
	}
	if diff := cmp.Diff([][]byte{notification}, outstanding[0].Fragments); diff != "" {
		t.Errorf("Notification changed (-want +got):\n%s", diff)
	}

	again, err := c.GetOutstandingPackets()
	if err != nil {
		t.Fatalf("GetOutstandingPackets error: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("Expected outstanding packets to be drained, got %d", len(again))
	}
}

func TestChannel_NotificationInsideResponse(t *testing.T) {
	c := newTestChannel(t, newTestEndpoint(), testConfig())

	// The reply cuts off a two-fragment notification after its first fragment
	first := mbim.NewFragment(mbim.MessageTypeIndicateStatus, 0, 2, 0, nil)
	response := mbim.NewFragment(mbim.MessageTypeOpenDone, 5, 1, 0, []byte{0, 0, 0, 0})
	queueResponse(c, first, response)

	packet, err := c.BidirectionalTransaction([][]byte{mbim.OpenMessage(5, 4096)})
	if err != nil {
		t.Fatalf("BidirectionalTransaction error: %v", err)
	}
	if diff := cmp.Diff([][]byte{response}, packet.Fragments); diff != "" {
		t.Errorf("Response mismatch (-want +got):\n%s", diff)
	}

	outstanding, err := c.GetOutstandingPackets()
	if err != nil {
		t.Fatalf("GetOutstandingPackets error: %v", err)
	}
	if len(outstanding) != 1 || outstanding[0].Complete() {
		t.Fatalf("Expected one incomplete notification, got %v", outstanding)
	}
}

func TestChannel_PartialResponseTolerated(t *testing.T) {
	c := newTestChannel(t, newTestEndpoint(), testConfig())

	first := commandDone(6, 2, 0)
	queueResponse(c, first)

	packet, err := c.BidirectionalTransaction([][]byte{mbim.NewFragment(mbim.MessageTypeCommand, 6, 1, 0, nil)})
	if err != nil {
		t.Fatalf("BidirectionalTransaction error: %v", err)
	}
	if diff := cmp.Diff([][]byte{first}, packet.Fragments); diff != "" {
		t.Errorf("Response mismatch (-want +got):\n%s", diff)
	}
	if packet.Complete() {
		t.Errorf("Expected incomplete packet")
	}
	if c.Statistics().GetPartialPackets() != 1 {
		t.Errorf("Expected 1 partial packet, got %d", c.Statistics().GetPartialPackets())
	}
}

func TestChannel_NoResponseTimeout(t *testing.T) {
	c := newTestChannel(t, newTestEndpoint(), testConfig())

	start := time.Now()
	_, err := c.BidirectionalTransaction([][]byte{mbim.OpenMessage(7, 4096)})
	elapsed := time.Since(start)

	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("Expected ErrProtocol, got %v", err)
	}
	if !strings.Contains(err.Error(), "no timely reply to transaction 7") {
		t.Errorf("Unexpected error text: %v", err)
	}
	if elapsed < c.config.TransactionTimeout {
		t.Errorf("Failed after %v, before transaction timeout %v", elapsed, c.config.TransactionTimeout)
	}
	if elapsed > c.config.TransactionTimeout+time.Second {
		t.Errorf("Took %v to time out", elapsed)
	}
	if c.Statistics().GetTransactionTimeouts() != 1 {
		t.Errorf("Expected 1 transaction timeout, got %d", c.Statistics().GetTransactionTimeouts())
	}
}

func TestChannel_StaleResponseBecomesOutstanding(t *testing.T) {
	c := newTestChannel(t, newTestEndpoint(), testConfig())

	stale := mbim.NewFragment(mbim.MessageTypeCloseDone, 8, 1, 0, []byte{0, 0, 0, 0})
	reply := mbim.NewFragment(mbim.MessageTypeOpenDone, 9, 1, 0, []byte{0, 0, 0, 0})
	queueResponse(c, stale, reply)

	packet, err := c.BidirectionalTransaction([][]byte{mbim.OpenMessage(9, 4096)})
	if err != nil {
		t.Fatalf("BidirectionalTransaction error: %v", err)
	}
	if packet.TransactionID != 9 {
		t.Errorf("Expected TID 9, got %d", packet.TransactionID)
	}

	outstanding, err := c.GetOutstandingPackets()
	if err != nil {
		t.Fatalf("GetOutstandingPackets error: %v", err)
	}
	if len(outstanding) != 1 || outstanding[0].TransactionID != 8 {
		t.Errorf("Expected stale TID 8 outstanding, got %v", outstanding)
	}
}

func TestChannel_InvalidInput(t *testing.T) {
	c := newTestChannel(t, newTestEndpoint(), testConfig())

	if _, err := c.BidirectionalTransaction(nil); !errors.Is(err, ErrProtocol) {
		t.Errorf("Expected ErrProtocol for empty request, got %v", err)
	}
	if err := c.UnidirectionalTransaction([][]byte{}); !errors.Is(err, ErrProtocol) {
		t.Errorf("Expected ErrProtocol for empty request, got %v", err)
	}
	if _, err := c.BidirectionalTransaction([][]byte{{0x01, 0x02}}); !errors.Is(err, mbim.ErrMalformedFragment) {
		t.Errorf("Expected ErrMalformedFragment for short request, got %v", err)
	}
}

func TestChannel_MalformedResponse(t *testing.T) {
	c := newTestChannel(t, newTestEndpoint(), testConfig())

	queueResponse(c, []byte{0x03, 0x00, 0x00})

	_, err := c.BidirectionalTransaction([][]byte{mbim.OpenMessage(10, 4096)})
	if !errors.Is(err, mbim.ErrMalformedFragment) {
		t.Errorf("Expected ErrMalformedFragment, got %v", err)
	}
}

func TestChannel_UnidirectionalTransaction(t *testing.T) {
	ep := newTestEndpoint()
	c := newTestChannel(t, ep, testConfig())

	first := mbim.CloseMessage(11)
	second := mbim.HostErrorMessage(12, mbim.ErrorCancel)

	if err := c.UnidirectionalTransaction([][]byte{first}); err != nil {
		t.Fatalf("UnidirectionalTransaction error: %v", err)
	}
	if err := c.UnidirectionalTransaction([][]byte{second}); err != nil {
		t.Fatalf("UnidirectionalTransaction error: %v", err)
	}

	if !c.requests.Join(time.Second) {
		t.Fatalf("Requests were not written")
	}
	if diff := cmp.Diff([][]byte{first, second}, ep.Sent()); diff != "" {
		t.Errorf("Sent mismatch (-want +got):\n%s", diff)
	}
	if c.Statistics().GetFragmentsTx() != 2 {
		t.Errorf("Expected 2 TX fragments, got %d", c.Statistics().GetFragmentsTx())
	}
}

func TestChannel_GetOutstandingPacketsEmpty(t *testing.T) {
	c := newTestChannel(t, newTestEndpoint(), testConfig())

	packets, err := c.GetOutstandingPackets()
	if err != nil {
		t.Fatalf("GetOutstandingPackets error: %v", err)
	}
	if len(packets) != 0 {
		t.Errorf("Expected no packets, got %d", len(packets))
	}
}

func TestChannel_FlushDiscardsStrayPackets(t *testing.T) {
	c := newTestChannel(t, newTestEndpoint(), testConfig())

	if err := c.UnidirectionalTransaction([][]byte{mbim.OpenMessage(13, 4096)}); err != nil {
		t.Fatalf("UnidirectionalTransaction error: %v", err)
	}
	queueResponse(c,
		mbim.NewFragment(mbim.MessageTypeOpenDone, 13, 1, 0, []byte{0, 0, 0, 0}),
		mbim.NewFragment(mbim.MessageTypeIndicateStatus, 0, 1, 0, nil),
	)

	if err := c.Flush(); err != nil {
		t.Fatalf("Flush error: %v", err)
	}
	if c.Statistics().GetDiscardedPackets() != 2 {
		t.Errorf("Expected 2 discarded packets, got %d", c.Statistics().GetDiscardedPackets())
	}

	packets, err := c.GetOutstandingPackets()
	if err != nil {
		t.Fatalf("GetOutstandingPackets error: %v", err)
	}
	if len(packets) != 0 {
		t.Errorf("Expected nothing left after flush, got %d", len(packets))
	}
}

func TestChannel_FlushFailsWhenRequestsStuck(t *testing.T) {
	ep := newTestEndpoint()
	ep.stall = true
	c := newTestChannel(t, ep, testConfig())

	frags := [][]byte{mbim.CloseMessage(14), mbim.CloseMessage(15)}
	if err := c.UnidirectionalTransaction(frags); err != nil {
		t.Fatalf("UnidirectionalTransaction error: %v", err)
	}

	err := c.Flush()
	if !errors.Is(err, ErrProtocol) {
		t.Errorf("Expected ErrProtocol, got %v", err)
	}
}

func TestChannel_EndpointExitDetected(t *testing.T) {
	ep := newTestEndpoint()
	ep.exitNow = true
	ep.runErr = errors.New("device unplugged")
	c := newTestChannel(t, ep, testConfig())

	<-c.done

	if c.Alive() {
		t.Errorf("Expected worker to be dead")
	}

	_, err := c.BidirectionalTransaction([][]byte{mbim.OpenMessage(16, 4096)})
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("Expected ErrProtocol, got %v", err)
	}
	if !strings.Contains(err.Error(), "device unplugged") {
		t.Errorf("Expected worker error in message, got %v", err)
	}

	if _, err := c.GetOutstandingPackets(); !errors.Is(err, ErrProtocol) {
		t.Errorf("Expected ErrProtocol from GetOutstandingPackets, got %v", err)
	}
	if err := c.Flush(); !errors.Is(err, ErrProtocol) {
		t.Errorf("Expected ErrProtocol from Flush, got %v", err)
	}
}

func TestChannel_CloseIdempotent(t *testing.T) {
	ep := newTestEndpoint()
	c := newTestChannel(t, ep, testConfig())

	if err := c.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Second Close error: %v", err)
	}

	if c.State() != ChannelStateClosed {
		t.Errorf("Expected Closed, got %s", c.State())
	}
	if c.Alive() {
		t.Errorf("Expected worker to be stopped")
	}
	if !ep.closed.Load() {
		t.Errorf("Expected endpoint to be closed")
	}

	if err := c.UnidirectionalTransaction([][]byte{mbim.CloseMessage(17)}); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("Expected ErrChannelClosed, got %v", err)
	}
}

func TestChannel_CloseTerminatesStuckWorker(t *testing.T) {
	ep := newTestEndpoint()
	ep.ignoreCancel = true
	config := testConfig()
	config.EndpointJoinTimeout = 20 * time.Millisecond
	c := newTestChannel(t, ep, config)

	start := time.Now()
	if err := c.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if time.Since(start) < config.EndpointJoinTimeout {
		t.Errorf("Close returned before join timeout")
	}
	if !ep.closed.Load() {
		t.Errorf("Expected endpoint to be terminated")
	}
	if c.Alive() {
		t.Errorf("Expected worker to be stopped")
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	config := testConfig()
	config.TransactionTimeout = 0

	if _, err := New(newTestEndpoint(), config, nil); err == nil {
		t.Errorf("Expected error for zero transaction timeout")
	}
	if _, err := New(nil, testConfig(), nil); err == nil {
		t.Errorf("Expected error for nil endpoint")
	}
}
