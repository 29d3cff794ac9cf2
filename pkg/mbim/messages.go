package mbim

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Device service identifiers
var (
	BasicConnect = uuid.MustParse("a289cc33-bcbb-8b4f-b6b0-133ec2aae6df")
	SMS          = uuid.MustParse("533fbeeb-14fe-4467-9f90-33a223e56c3f")
	USSD         = uuid.MustParse("e550a0c8-5e82-479e-82f7-10abf4c3351f")
	Phonebook    = uuid.MustParse("4bf38476-1e6a-41db-b1d8-bed289c25bdb")
	STK          = uuid.MustParse("d8f20131-fcb5-4e17-8602-d6ed3816164c")
	Auth         = uuid.MustParse("1d2b5ff7-0aa1-48b2-aa52-50f15767174e")
	DSS          = uuid.MustParse("c08a26dd-7718-4382-8482-6e0d583c4d0e")
)

// Basic connect CIDs
const (
	CIDDeviceCaps      uint32 = 1
	CIDSubscriberReady uint32 = 2
	CIDRadioState      uint32 = 3
	CIDPin             uint32 = 4
	CIDHomeProvider    uint32 = 6
	CIDRegisterState   uint32 = 9
	CIDPacketService   uint32 = 10
	CIDSignalState     uint32 = 11
	CIDConnect         uint32 = 12
	CIDIPConfiguration uint32 = 15
	CIDDeviceServices  uint32 = 16
)

// OpenMessage builds an MBIM OPEN request
func OpenMessage(tid uint32, maxControlTransfer uint32) []byte {
	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, maxControlTransfer)
	return NewFragment(MessageTypeOpen, tid, 1, 0, body)
}

// CloseMessage builds an MBIM CLOSE request
func CloseMessage(tid uint32) []byte {
	return NewFragment(MessageTypeClose, tid, 1, 0, nil)
}

// HostErrorMessage builds an MBIM HOST_ERROR message
func HostErrorMessage(tid uint32, code uint32) []byte {
	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, code)
	return NewFragment(MessageTypeHostError, tid, 1, 0, body)
}

// CommandFragments builds a COMMAND message split into fragments that each fit
// in maxControlTransfer bytes.
func CommandFragments(tid uint32, service uuid.UUID, cid uint32, commandType CommandType, info []byte, maxControlTransfer int) ([][]byte, error) {
	body := make([]byte, 28+len(info))
	copy(body[0:16], service[:])
	binary.LittleEndian.PutUint32(body[16:20], cid)
	binary.LittleEndian.PutUint32(body[20:24], uint32(commandType))
	binary.LittleEndian.PutUint32(body[24:28], uint32(len(info)))
	copy(body[28:], info)
	return Fragment(MessageTypeCommand, tid, body, maxControlTransfer)
}

// Done is a decoded function-to-host message
type Done struct {
	MessageType   MessageType
	TransactionID uint32

	// Status holds the status code of *_DONE messages and the error code of FUNCTION_ERROR
	Status uint32

	// Set for COMMAND_DONE and INDICATE_STATUS
	Service     uuid.UUID
	CID         uint32
	Information []byte
}

// String returns string representation of Done
func (d *Done) String() string {
	switch d.MessageType {
	case MessageTypeCommandDone, MessageTypeIndicateStatus:
		return fmt.Sprintf("%s{TID=%d, Service=%s, CID=%d, Status=%d, Info=%d bytes}",
			d.MessageType, d.TransactionID, d.Service, d.CID, d.Status, len(d.Information))
	default:
		return fmt.Sprintf("%s{TID=%d, Status=%d}", d.MessageType, d.TransactionID, d.Status)
	}
}

// ParseDone decodes a function-to-host message from its fragments.
// Fragments are concatenated in the order given after their headers are stripped.
func ParseDone(fragments [][]byte) (*Done, error) {
	if len(fragments) == 0 {
		return nil, fmt.Errorf("%w: no fragments", ErrMalformedMessage)
	}

	first, err := ParseHeader(fragments[0])
	if err != nil {
		return nil, err
	}

	var body []byte
	for i, frag := range fragments {
		h, err := ParseHeader(frag)
		if err != nil {
			return nil, err
		}
		if h.MessageType != first.MessageType || h.TransactionID != first.TransactionID {
			return nil, fmt.Errorf("%w: fragment %d is %s, first was %s", ErrMalformedMessage, i, h, first)
		}
		body = append(body, frag[h.Size():]...)
	}

	d := &Done{
		MessageType:   first.MessageType,
		TransactionID: first.TransactionID,
	}

	switch first.MessageType {
	case MessageTypeOpenDone, MessageTypeCloseDone, MessageTypeFunctionError:
		if len(body) < 4 {
			return nil, fmt.Errorf("%w: %s body of %d bytes", ErrMalformedMessage, first.MessageType, len(body))
		}
		d.Status = binary.LittleEndian.Uint32(body[0:4])

	case MessageTypeCommandDone:
		if len(body) < 28 {
			return nil, fmt.Errorf("%w: COMMAND_DONE body of %d bytes", ErrMalformedMessage, len(body))
		}
		copy(d.Service[:], body[0:16])
		d.CID = binary.LittleEndian.Uint32(body[16:20])
		d.Status = binary.LittleEndian.Uint32(body[20:24])
		info, err := informationBuffer(body[24:])
		if err != nil {
			return nil, err
		}
		d.Information = info

	case MessageTypeIndicateStatus:
		if len(body) < 24 {
			return nil, fmt.Errorf("%w: INDICATE_STATUS body of %d bytes", ErrMalformedMessage, len(body))
		}
		copy(d.Service[:], body[0:16])
		d.CID = binary.LittleEndian.Uint32(body[16:20])
		info, err := informationBuffer(body[20:])
		if err != nil {
			return nil, err
		}
		d.Information = info

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedMessage, first.MessageType)
	}

	return d, nil
}

// informationBuffer reads a length-prefixed information buffer
func informationBuffer(b []byte) ([]byte, error) {
	n := binary.LittleEndian.Uint32(b[0:4])
	if uint64(n) > uint64(len(b)-4) {
		return nil, fmt.Errorf("%w: information buffer claims %d bytes, %d present",
			ErrMalformedMessage, n, len(b)-4)
	}
	info := make([]byte, n)
	copy(info, b[4:4+n])
	return info, nil
}
