package endpoint

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"avaneesh/mbim-go/pkg/channel"
	"avaneesh/mbim-go/pkg/mbim"
)

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	frags := [][]byte{mbim.OpenMessage(1, 4096), mbim.CloseMessage(2)}

	for _, f := range frags {
		if err := WriteFrame(&buf, f); err != nil {
			t.Fatalf("WriteFrame error: %v", err)
		}
	}

	var got [][]byte
	for i := 0; i < len(frags); i++ {
		f, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame error: %v", err)
		}
		got = append(got, f)
	}
	if diff := cmp.Diff(frags, got); diff != "" {
		t.Errorf("Frames mismatch (-want +got):\n%s", diff)
	}

	if _, err := ReadFrame(&buf); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF on empty stream, got %v", err)
	}
}

func TestWriteFrame_Rejects(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, nil); !errors.Is(err, ErrEmptyFrame) {
		t.Errorf("Expected ErrEmptyFrame, got %v", err)
	}
	if err := WriteFrame(&buf, make([]byte, MaxFrameSize+1)); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Expected ErrFrameTooLarge, got %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("Rejected frames must not be written, got %d bytes", buf.Len())
	}
}

func TestReadFrame_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  error
	}{
		{"zero length", []byte{0, 0, 0, 0}, ErrEmptyFrame},
		{"too large", []byte{0x01, 0x00, 0x01, 0x00}, ErrFrameTooLarge},
		{"truncated header", []byte{4, 0}, io.ErrUnexpectedEOF},
		{"truncated body", []byte{4, 0, 0, 0, 1, 2}, io.ErrUnexpectedEOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(bytes.NewReader(tt.input))
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestPump_MovesFragments(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	requests := channel.NewRequestQueue(4)
	responses := make(chan []byte, 4)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- Pump(ctx, local, requests, responses) }()

	request := mbim.OpenMessage(7, 4096)
	if err := requests.Put(ctx, request); err != nil {
		t.Fatalf("Put error: %v", err)
	}

	got, err := ReadFrame(remote)
	if err != nil {
		t.Fatalf("ReadFrame error: %v", err)
	}
	if !bytes.Equal(got, request) {
		t.Errorf("Expected request % x, got % x", request, got)
	}
	if !requests.Join(time.Second) {
		t.Errorf("Written fragment was not marked done")
	}

	response := mbim.OpenDoneMessage(7, mbim.StatusSuccess)
	if err := WriteFrame(remote, response); err != nil {
		t.Fatalf("WriteFrame error: %v", err)
	}
	select {
	case f := <-responses:
		if !bytes.Equal(f, response) {
			t.Errorf("Expected response % x, got % x", response, f)
		}
	case <-time.After(time.Second):
		t.Fatalf("Response not delivered")
	}

	cancel()
	select {
	case err := <-result:
		if err != nil {
			t.Errorf("Expected clean exit on cancel, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Pump did not stop on cancel")
	}
}

func TestPump_ReportsStreamFailure(t *testing.T) {
	local, remote := net.Pipe()

	requests := channel.NewRequestQueue(4)
	responses := make(chan []byte, 4)

	result := make(chan error, 1)
	go func() { result <- Pump(context.Background(), local, requests, responses) }()

	remote.Close()

	select {
	case err := <-result:
		if err == nil {
			t.Errorf("Expected error when the peer goes away")
		}
	case <-time.After(time.Second):
		t.Fatalf("Pump did not stop when the peer closed")
	}
}
