package endpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gousb"
	"golang.org/x/sync/errgroup"

	"avaneesh/mbim-go/pkg/channel"
	"avaneesh/mbim-go/pkg/internal/logger"
)

// CDC class requests and notifications used by MBIM functions
const (
	requestTypeHostToInterface = 0x21 // Class, interface, host-to-device
	requestTypeInterfaceToHost = 0xA1 // Class, interface, device-to-host

	requestSendEncapsulatedCommand = 0x00
	requestGetEncapsulatedResponse = 0x01

	notificationResponseAvailable = 0x01
	notificationSize              = 8
)

// USBConfig configures a USB endpoint
type USBConfig struct {
	Interface          int           // MBIM communication interface number
	NotifyEndpoint     int           // Interrupt IN endpoint address, e.g. 0x81
	MaxControlTransfer int           // wMaxControlMessage; sizes the GET_ENCAPSULATED_RESPONSE buffer
	ControlTimeout     time.Duration // Timeout for control transfers
}

// DefaultUSBConfig returns default USB configuration
func DefaultUSBConfig() USBConfig {
	return USBConfig{
		Interface:          0,
		NotifyEndpoint:     0x81,
		MaxControlTransfer: 4096,
		ControlTimeout:     5 * time.Second,
	}
}

// controlDevice is the subset of *gousb.Device used by USBEndpoint
type controlDevice interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
}

// notificationReader is the subset of *gousb.InEndpoint used by USBEndpoint
type notificationReader interface {
	ReadContext(ctx context.Context, buf []byte) (int, error)
}

// USBEndpoint drives an MBIM function over its CDC control interface.
// Fragments go out with SEND_ENCAPSULATED_COMMAND and are fetched with
// GET_ENCAPSULATED_RESPONSE after a RESPONSE_AVAILABLE notification.
type USBEndpoint struct {
	dev         controlDevice
	notify      notificationReader
	iface       uint16
	maxTransfer int
	done        func()

	controlLock sync.Mutex
	stats       counters
	logger      logger.Logger
	closed      atomic.Bool
}

// NewUSBEndpoint claims the MBIM interface of an opened device
func NewUSBEndpoint(dev *gousb.Device, config USBConfig, log logger.Logger) (*USBEndpoint, error) {
	if config.ControlTimeout > 0 {
		dev.ControlTimeout = config.ControlTimeout
	}

	num, err := dev.ActiveConfigNum()
	if err != nil {
		return nil, fmt.Errorf("failed to get active config: %w", err)
	}

	cfg, err := dev.Config(num)
	if err != nil {
		return nil, fmt.Errorf("failed to get config %d: %w", num, err)
	}

	intf, err := cfg.Interface(config.Interface, 0)
	if err != nil {
		cfg.Close()
		return nil, fmt.Errorf("failed to claim interface %d: %w", config.Interface, err)
	}

	done := func() {
		intf.Close()
		cfg.Close()
	}

	in, err := intf.InEndpoint(config.NotifyEndpoint & 0x0f)
	if err != nil {
		done()
		return nil, fmt.Errorf("failed to open notification endpoint 0x%02x: %w", config.NotifyEndpoint, err)
	}

	return newUSBEndpoint(dev, in, config, done, log), nil
}

// OpenUSBChannel claims the MBIM interface of dev and starts a channel over it.
// Closing the channel releases the interface.
func OpenUSBChannel(dev *gousb.Device, usbConfig USBConfig, config channel.ChannelConfig, log logger.Logger) (*channel.Channel, error) {
	ep, err := NewUSBEndpoint(dev, usbConfig, log)
	if err != nil {
		return nil, err
	}
	c, err := channel.New(ep, config, log)
	if err != nil {
		ep.Close()
		return nil, err
	}
	return c, nil
}

func newUSBEndpoint(dev controlDevice, notify notificationReader, config USBConfig, done func(), log logger.Logger) *USBEndpoint {
	if config.MaxControlTransfer <= 0 {
		config.MaxControlTransfer = DefaultUSBConfig().MaxControlTransfer
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	ue := &USBEndpoint{
		dev:         dev,
		notify:      notify,
		iface:       uint16(config.Interface),
		maxTransfer: config.MaxControlTransfer,
		done:        done,
		logger:      log,
	}
	ue.stats.connects.Add(1)
	return ue
}

// Run implements channel.Endpoint.Run
func (ue *USBEndpoint) Run(ctx context.Context, requests *channel.RequestQueue, responses chan<- []byte) error {
	if ue.closed.Load() {
		return fmt.Errorf("USB endpoint is closed")
	}
	defer ue.stats.disconnects.Add(1)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			fragment, err := requests.Get(gctx)
			if err != nil {
				return nil
			}
			err = ue.sendEncapsulatedCommand(fragment)
			requests.Done()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	})

	g.Go(func() error {
		buf := make([]byte, 64)
		for {
			n, err := ue.notify.ReadContext(gctx, buf)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				ue.stats.readErrors.Add(1)
				return fmt.Errorf("reading notification: %w", err)
			}
			if n < notificationSize {
				ue.logger.Debug("USB: ignoring short notification of %d bytes", n)
				continue
			}
			if buf[1] != notificationResponseAvailable {
				ue.logger.Debug("USB: ignoring notification 0x%02x", buf[1])
				continue
			}
			if err := ue.drainResponses(gctx, responses); err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	})

	return g.Wait()
}

// drainResponses fetches encapsulated responses until the function has none left
func (ue *USBEndpoint) drainResponses(ctx context.Context, responses chan<- []byte) error {
	for {
		fragment, err := ue.getEncapsulatedResponse()
		if err != nil {
			return err
		}
		if len(fragment) == 0 {
			return nil
		}
		select {
		case responses <- fragment:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (ue *USBEndpoint) sendEncapsulatedCommand(fragment []byte) error {
	ue.controlLock.Lock()
	defer ue.controlLock.Unlock()

	n, err := ue.dev.Control(requestTypeHostToInterface, requestSendEncapsulatedCommand, 0, ue.iface, fragment)
	if err != nil {
		ue.stats.writeErrors.Add(1)
		return fmt.Errorf("SEND_ENCAPSULATED_COMMAND failed: %w", err)
	}
	ue.stats.bytesSent.Add(uint64(n))
	if n != len(fragment) {
		ue.stats.writeErrors.Add(1)
		return fmt.Errorf("SEND_ENCAPSULATED_COMMAND wrote %d of %d bytes", n, len(fragment))
	}
	return nil
}

// getEncapsulatedResponse returns nil when the function has nothing queued
func (ue *USBEndpoint) getEncapsulatedResponse() ([]byte, error) {
	ue.controlLock.Lock()
	defer ue.controlLock.Unlock()

	buf := make([]byte, ue.maxTransfer)
	n, err := ue.dev.Control(requestTypeInterfaceToHost, requestGetEncapsulatedResponse, 0, ue.iface, buf)
	if err != nil {
		if errors.Is(err, gousb.ErrorPipe) {
			return nil, nil
		}
		ue.stats.readErrors.Add(1)
		return nil, fmt.Errorf("GET_ENCAPSULATED_RESPONSE failed: %w", err)
	}
	ue.stats.bytesReceived.Add(uint64(n))
	if n == 0 {
		return nil, nil
	}
	return buf[:n], nil
}

// Close implements channel.Endpoint.Close. It releases the interface, which
// also aborts transfers still in flight.
func (ue *USBEndpoint) Close() error {
	if !ue.closed.CompareAndSwap(false, true) {
		return nil
	}
	if ue.done != nil {
		ue.done()
	}
	return nil
}

// Statistics returns transport statistics
func (ue *USBEndpoint) Statistics() TransportStats {
	return ue.stats.snapshot()
}
