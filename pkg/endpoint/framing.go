package endpoint

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"avaneesh/mbim-go/pkg/channel"
)

// Stream framing: every fragment is preceded by its length as a little-endian uint32
const (
	FrameHeaderSize = 4
	MaxFrameSize    = 64 * 1024
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrEmptyFrame    = errors.New("empty frame")
)

// WriteFrame writes one length-prefixed fragment
func WriteFrame(w io.Writer, data []byte) error {
	if len(data) == 0 {
		return ErrEmptyFrame
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}

	buf := make([]byte, FrameHeaderSize+len(data))
	binary.LittleEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[FrameHeaderSize:], data)

	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed fragment
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	n := binary.LittleEndian.Uint32(header[:])
	if n == 0 {
		return nil, ErrEmptyFrame
	}
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Pump moves fragments between a channel's queues and a framed stream until ctx
// is cancelled or the stream fails. The stream is closed when Pump returns.
func Pump(ctx context.Context, rwc io.ReadWriteCloser, requests *channel.RequestQueue, responses chan<- []byte) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		rwc.Close()
		return nil
	})

	g.Go(func() error {
		for {
			fragment, err := requests.Get(gctx)
			if err != nil {
				return nil
			}
			err = WriteFrame(rwc, fragment)
			requests.Done()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("writing fragment: %w", err)
			}
		}
	})

	g.Go(func() error {
		for {
			fragment, err := ReadFrame(rwc)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("reading fragment: %w", err)
			}
			select {
			case responses <- fragment:
			case <-gctx.Done():
				return nil
			}
		}
	})

	return g.Wait()
}
