package mbim

import (
	"errors"
	"fmt"
)

// MBIM control message header sizes
const (
	MessageHeaderSize    = 12 // MessageType, MessageLength, TransactionId
	FragmentHeaderSize   = 8  // TotalFragments, CurrentFragment
	FragmentedHeaderSize = MessageHeaderSize + FragmentHeaderSize
)

// MessageType identifies an MBIM control message
type MessageType uint32

// Host to function
const (
	MessageTypeOpen      MessageType = 0x00000001
	MessageTypeClose     MessageType = 0x00000002
	MessageTypeCommand   MessageType = 0x00000003
	MessageTypeHostError MessageType = 0x00000004
)

// Function to host
const (
	MessageTypeOpenDone       MessageType = 0x80000001
	MessageTypeCloseDone      MessageType = 0x80000002
	MessageTypeCommandDone    MessageType = 0x80000003
	MessageTypeFunctionError  MessageType = 0x80000004
	MessageTypeIndicateStatus MessageType = 0x80000007
)

// String returns string representation of MessageType
func (t MessageType) String() string {
	switch t {
	case MessageTypeOpen:
		return "OPEN"
	case MessageTypeClose:
		return "CLOSE"
	case MessageTypeCommand:
		return "COMMAND"
	case MessageTypeHostError:
		return "HOST_ERROR"
	case MessageTypeOpenDone:
		return "OPEN_DONE"
	case MessageTypeCloseDone:
		return "CLOSE_DONE"
	case MessageTypeCommandDone:
		return "COMMAND_DONE"
	case MessageTypeFunctionError:
		return "FUNCTION_ERROR"
	case MessageTypeIndicateStatus:
		return "INDICATE_STATUS"
	default:
		return fmt.Sprintf("UNKNOWN(0x%08x)", uint32(t))
	}
}

// IsFragmented reports whether messages of this type carry a fragment header.
// Every other type is a single-fragment message.
func (t MessageType) IsFragmented() bool {
	switch t {
	case MessageTypeCommand, MessageTypeCommandDone, MessageTypeIndicateStatus:
		return true
	default:
		return false
	}
}

// CommandType selects query or set for COMMAND messages
type CommandType uint32

const (
	CommandTypeQuery CommandType = 0
	CommandTypeSet   CommandType = 1
)

// Status codes carried in *_DONE messages
const (
	StatusSuccess           uint32 = 0
	StatusBusy              uint32 = 1
	StatusFailure           uint32 = 2
	StatusSIMNotInserted    uint32 = 3
	StatusBadSIM            uint32 = 4
	StatusPINRequired       uint32 = 5
	StatusNoDeviceSupport   uint32 = 9
	StatusNotInitialized    uint32 = 14
	StatusInvalidParameters uint32 = 21
)

// Error codes carried in HOST_ERROR and FUNCTION_ERROR messages
const (
	ErrorTimeoutFragment       uint32 = 1
	ErrorFragmentOutOfSequence uint32 = 2
	ErrorLengthMismatch        uint32 = 3
	ErrorDuplicatedTID         uint32 = 4
	ErrorNotOpened             uint32 = 5
	ErrorUnknown               uint32 = 6
	ErrorCancel                uint32 = 7
	ErrorMaxTransfer           uint32 = 8
)

// MinControlTransfer is the smallest MaxControlTransfer a function may report
const MinControlTransfer = 64

var (
	// ErrMalformedFragment is returned when a buffer is too short for its declared headers
	ErrMalformedFragment = errors.New("malformed MBIM fragment")

	// ErrMalformedMessage is returned when a reassembled message body is inconsistent
	ErrMalformedMessage = errors.New("malformed MBIM message")

	// ErrUnexpectedMessage is returned when a message has the wrong type for the parser
	ErrUnexpectedMessage = errors.New("unexpected MBIM message type")
)
