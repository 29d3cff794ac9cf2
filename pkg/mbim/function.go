package mbim

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Builders and parsers for the function side of the protocol

// OpenDoneMessage builds an OPEN_DONE reply
func OpenDoneMessage(tid uint32, status uint32) []byte {
	return statusMessage(MessageTypeOpenDone, tid, status)
}

// CloseDoneMessage builds a CLOSE_DONE reply
func CloseDoneMessage(tid uint32, status uint32) []byte {
	return statusMessage(MessageTypeCloseDone, tid, status)
}

// FunctionErrorMessage builds a FUNCTION_ERROR message
func FunctionErrorMessage(tid uint32, code uint32) []byte {
	return statusMessage(MessageTypeFunctionError, tid, code)
}

func statusMessage(messageType MessageType, tid uint32, status uint32) []byte {
	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, status)
	return NewFragment(messageType, tid, 1, 0, body)
}

// CommandDoneFragments builds a COMMAND_DONE reply split to fit maxControlTransfer
func CommandDoneFragments(tid uint32, service uuid.UUID, cid uint32, status uint32, info []byte, maxControlTransfer int) ([][]byte, error) {
	body := make([]byte, 28+len(info))
	copy(body[0:16], service[:])
	binary.LittleEndian.PutUint32(body[16:20], cid)
	binary.LittleEndian.PutUint32(body[20:24], status)
	binary.LittleEndian.PutUint32(body[24:28], uint32(len(info)))
	copy(body[28:], info)
	return Fragment(MessageTypeCommandDone, tid, body, maxControlTransfer)
}

// IndicateStatusFragments builds an unsolicited INDICATE_STATUS message.
// Notifications always carry transaction ID 0.
func IndicateStatusFragments(service uuid.UUID, cid uint32, info []byte, maxControlTransfer int) ([][]byte, error) {
	body := make([]byte, 24+len(info))
	copy(body[0:16], service[:])
	binary.LittleEndian.PutUint32(body[16:20], cid)
	binary.LittleEndian.PutUint32(body[20:24], uint32(len(info)))
	copy(body[24:], info)
	return Fragment(MessageTypeIndicateStatus, 0, body, maxControlTransfer)
}

// Command is a decoded COMMAND message
type Command struct {
	TransactionID uint32
	Service       uuid.UUID
	CID           uint32
	CommandType   CommandType
	Information   []byte
}

// ParseCommand decodes a COMMAND message from its fragments
func ParseCommand(fragments [][]byte) (*Command, error) {
	if len(fragments) == 0 {
		return nil, fmt.Errorf("%w: no fragments", ErrMalformedMessage)
	}

	var (
		tid  uint32
		body []byte
	)
	for i, frag := range fragments {
		h, err := ParseHeader(frag)
		if err != nil {
			return nil, err
		}
		if h.MessageType != MessageTypeCommand {
			return nil, fmt.Errorf("%w: %s", ErrUnexpectedMessage, h.MessageType)
		}
		if i == 0 {
			tid = h.TransactionID
		} else if h.TransactionID != tid {
			return nil, fmt.Errorf("%w: fragment %d has TID %d, first was %d", ErrMalformedMessage, i, h.TransactionID, tid)
		}
		body = append(body, frag[h.Size():]...)
	}

	if len(body) < 28 {
		return nil, fmt.Errorf("%w: COMMAND body of %d bytes", ErrMalformedMessage, len(body))
	}

	cmd := &Command{
		TransactionID: tid,
		CID:           binary.LittleEndian.Uint32(body[16:20]),
		CommandType:   CommandType(binary.LittleEndian.Uint32(body[20:24])),
	}
	copy(cmd.Service[:], body[0:16])

	info, err := informationBuffer(body[24:])
	if err != nil {
		return nil, err
	}
	cmd.Information = info
	return cmd, nil
}

// ParseOpen returns the MaxControlTransfer requested by an OPEN message
func ParseOpen(buf []byte) (uint32, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return 0, err
	}
	if h.MessageType != MessageTypeOpen {
		return 0, fmt.Errorf("%w: %s", ErrUnexpectedMessage, h.MessageType)
	}
	body := buf[h.Size():]
	if len(body) < 4 {
		return 0, fmt.Errorf("%w: OPEN body of %d bytes", ErrMalformedMessage, len(body))
	}
	return binary.LittleEndian.Uint32(body[0:4]), nil
}
