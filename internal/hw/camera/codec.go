package camera

import (
	"encoding/binary"
	"fmt"
)

// Wire constants of the VC0706 command set.
const (
	CommandMark  byte = 0x56 // first byte of every command
	ResponseMark byte = 0x76 // first byte of every response
	SerialNumber byte = 0x00 // device address

	// HeaderLen is the length of every response header:
	// mark, serial, opcode, status, payload length.
	HeaderLen = 5
)

// Opcode identifies a command.
type Opcode byte

const (
	OpSystemReset  Opcode = 0x26
	OpWriteData    Opcode = 0x31
	OpReadFrame    Opcode = 0x32
	OpFrameLength  Opcode = 0x34
	OpFrameControl Opcode = 0x36
)

func (o Opcode) String() string {
	switch o {
	case OpReadFrame:
		return "read frame"
	case OpWriteData:
		return "write data"
	case OpFrameLength:
		return "get frame length"
	case OpFrameControl:
		return "frame control"
	case OpSystemReset:
		return "system reset"
	default:
		return fmt.Sprintf("opcode 0x%02X", byte(o))
	}
}

// Frame control sub-commands.
const (
	FrameStopCurrent byte = 0x00
	FrameResumeNext  byte = 0x03
)

// Registers written through OpWriteData.
const (
	RegImageSize byte = 0x19
	RegRatio     byte = 0x1A
)

// transferModeMCU selects MCU (polled) transfer for OpReadFrame.
const transferModeMCU byte = 0x0A

// Command is an encoded command frame. It is never modified after Encode.
type Command []byte

// Opcode returns the opcode embedded in the command.
func (c Command) Opcode() Opcode {
	if len(c) < 3 {
		return 0
	}
	return Opcode(c[2])
}

// Encode builds a command frame: [0x56, 0x00, opcode, len(params), params...].
func Encode(op Opcode, params ...byte) Command {
	cmd := make(Command, 0, 4+len(params))
	cmd = append(cmd, CommandMark, SerialNumber, byte(op), byte(len(params)))
	return append(cmd, params...)
}

// ResetCommand returns the system reset command.
func ResetCommand() Command {
	return Encode(OpSystemReset)
}

// StopFrameCommand freezes the current frame in the sensor buffer.
func StopFrameCommand() Command {
	return Encode(OpFrameControl, FrameStopCurrent)
}

// ResumeFrameCommand releases the frozen frame so the sensor moves to the next one.
func ResumeFrameCommand() Command {
	return Encode(OpFrameControl, FrameResumeNext)
}

// FrameLengthCommand queries the size of the frozen frame.
func FrameLengthCommand() Command {
	return Encode(OpFrameLength, 0x00)
}

// ReadFrameCommand requests length bytes from offset 0 of the frame buffer.
//
// Parameters: buffer type, transfer mode, offset (BE32), length (BE32),
// block size (BE16).
func ReadFrameCommand(length uint32, blockSize uint16) Command {
	params := make([]byte, 12)
	params[0] = 0x00
	params[1] = transferModeMCU
	binary.BigEndian.PutUint32(params[2:6], 0)
	binary.BigEndian.PutUint32(params[6:10], length)
	binary.BigEndian.PutUint16(params[10:12], blockSize)
	return Encode(OpReadFrame, params...)
}

// WriteRegisterCommand writes one byte to a sensor register.
func WriteRegisterCommand(reg, value byte) Command {
	return Encode(OpWriteData, 0x04, 0x01, 0x00, reg, value)
}

// Validate checks that resp starts with the success header for op and carries
// at least payloadLen payload bytes, and returns that payload.
//
// Header: [0x76, 0x00, op, 0x00 (status), payloadLen].
func Validate(resp []byte, op Opcode, payloadLen int) ([]byte, error) {
	if len(resp) == 0 {
		return nil, &ProtocolError{Op: op.String(), Err: fmt.Errorf("%w: empty response", ErrMalformedResponse)}
	}
	if len(resp) < HeaderLen+payloadLen {
		return nil, &ProtocolError{Op: op.String(), Err: fmt.Errorf("%w: got %d bytes, need %d",
			ErrMalformedResponse, len(resp), HeaderLen+payloadLen)}
	}
	want := [HeaderLen]byte{ResponseMark, SerialNumber, byte(op), 0x00, byte(payloadLen)}
	for i, b := range want {
		if resp[i] != b {
			return nil, &ProtocolError{Op: op.String(), Err: fmt.Errorf("%w: header byte %d is 0x%02X, expected 0x%02X",
				ErrMalformedResponse, i, resp[i], b)}
		}
	}
	return resp[HeaderLen : HeaderLen+payloadLen], nil
}

// DecodeLength decodes the big-endian frame length payload.
func DecodeLength(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, &ProtocolError{Op: OpFrameLength.String(), Err: fmt.Errorf("%w: length payload is %d bytes",
			ErrMalformedResponse, len(payload))}
	}
	return binary.BigEndian.Uint32(payload), nil
}
