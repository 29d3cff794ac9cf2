package endpoint

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"avaneesh/mbim-go/pkg/channel"
	"avaneesh/mbim-go/pkg/internal/logger"
	"avaneesh/mbim-go/pkg/mbim"
)

// CommandHandler produces the status and information buffer for a COMMAND
type CommandHandler func(cmd *mbim.Command) (status uint32, info []byte)

// SimulatorConfig configures a simulated MBIM function
type SimulatorConfig struct {
	MaxControlTransfer int            // Largest fragment the function sends
	Handler            CommandHandler // Nil replies NO_DEVICE_SUPPORT to every command
	NotificationQueue  int            // Capacity of the Notify queue
}

// DefaultSimulatorConfig returns default simulator configuration
func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		MaxControlTransfer: 4096,
		NotificationQueue:  16,
	}
}

// Simulator is an in-process MBIM function. It reassembles COMMAND fragments,
// answers OPEN, CLOSE and COMMAND with the matching DONE message and emits
// notifications queued through Notify.
type Simulator struct {
	config        SimulatorConfig
	notifications chan [][]byte
	logger        logger.Logger

	mu      sync.Mutex
	opened  bool
	partial map[uint32][][]byte
}

// NewSimulator creates a simulated function
func NewSimulator(config SimulatorConfig, log logger.Logger) (*Simulator, error) {
	if config.MaxControlTransfer < mbim.MinControlTransfer {
		return nil, fmt.Errorf("max control transfer %d below minimum %d",
			config.MaxControlTransfer, mbim.MinControlTransfer)
	}
	if config.NotificationQueue <= 0 {
		config.NotificationQueue = 16
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}

	return &Simulator{
		config:        config,
		notifications: make(chan [][]byte, config.NotificationQueue),
		logger:        log,
		partial:       make(map[uint32][][]byte),
	}, nil
}

// Notify queues an INDICATE_STATUS message
func (s *Simulator) Notify(service uuid.UUID, cid uint32, info []byte) error {
	fragments, err := mbim.IndicateStatusFragments(service, cid, info, s.config.MaxControlTransfer)
	if err != nil {
		return err
	}
	select {
	case s.notifications <- fragments:
		return nil
	default:
		return fmt.Errorf("notification queue full")
	}
}

// Opened reports whether the host has opened the function
func (s *Simulator) Opened() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

// Run implements channel.Endpoint.Run
func (s *Simulator) Run(ctx context.Context, requests *channel.RequestQueue, responses chan<- []byte) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case fragment := <-requests.Items():
			replies := s.handle(fragment)
			requests.Done()
			if err := s.emit(ctx, responses, replies); err != nil {
				return nil
			}

		case fragments := <-s.notifications:
			if err := s.emit(ctx, responses, fragments); err != nil {
				return nil
			}
		}
	}
}

// Close implements channel.Endpoint.Close
func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = false
	return nil
}

func (s *Simulator) emit(ctx context.Context, responses chan<- []byte, fragments [][]byte) error {
	for _, f := range fragments {
		select {
		case responses <- f:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// handle processes one host fragment and returns the reply fragments, if any
func (s *Simulator) handle(fragment []byte) [][]byte {
	h, err := mbim.ParseHeader(fragment)
	if err != nil {
		s.logger.Warn("Simulator: dropping malformed fragment: %v", err)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch h.MessageType {
	case mbim.MessageTypeOpen:
		if _, err := mbim.ParseOpen(fragment); err != nil {
			return [][]byte{mbim.FunctionErrorMessage(h.TransactionID, mbim.ErrorLengthMismatch)}
		}
		s.opened = true
		s.partial = make(map[uint32][][]byte)
		return [][]byte{mbim.OpenDoneMessage(h.TransactionID, mbim.StatusSuccess)}

	case mbim.MessageTypeClose:
		s.opened = false
		s.partial = make(map[uint32][][]byte)
		return [][]byte{mbim.CloseDoneMessage(h.TransactionID, mbim.StatusSuccess)}

	case mbim.MessageTypeCommand:
		if !s.opened {
			return [][]byte{mbim.FunctionErrorMessage(h.TransactionID, mbim.ErrorNotOpened)}
		}
		return s.handleCommandFragment(h, fragment)

	case mbim.MessageTypeHostError:
		s.logger.Debug("Simulator: host error for TID %d", h.TransactionID)
		delete(s.partial, h.TransactionID)
		return nil

	default:
		return [][]byte{mbim.FunctionErrorMessage(h.TransactionID, mbim.ErrorUnknown)}
	}
}

func (s *Simulator) handleCommandFragment(h mbim.Header, fragment []byte) [][]byte {
	tid := h.TransactionID
	collected := s.partial[tid]

	if uint32(len(collected)) != h.CurrentFragment {
		delete(s.partial, tid)
		return [][]byte{mbim.FunctionErrorMessage(tid, mbim.ErrorFragmentOutOfSequence)}
	}

	collected = append(collected, fragment)
	if !h.IsLast() {
		s.partial[tid] = collected
		return nil
	}
	delete(s.partial, tid)

	cmd, err := mbim.ParseCommand(collected)
	if err != nil {
		return [][]byte{mbim.FunctionErrorMessage(tid, mbim.ErrorLengthMismatch)}
	}

	status, info := mbim.StatusNoDeviceSupport, []byte(nil)
	if s.config.Handler != nil {
		status, info = s.config.Handler(cmd)
	}

	replies, err := mbim.CommandDoneFragments(tid, cmd.Service, cmd.CID, status, info, s.config.MaxControlTransfer)
	if err != nil {
		s.logger.Error("Simulator: failed to build reply for TID %d: %v", tid, err)
		return [][]byte{mbim.FunctionErrorMessage(tid, mbim.ErrorMaxTransfer)}
	}
	return replies
}
