package solarbus

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/sigurn/crc8"

	solarbusruntime "github.com/antoine510/solar-mgr/pkg/protocol/solarbus/runtime"
)

/**
request  = magic1(1) + magic2(1) + address(1) + command(1) + params(N)
response = result(sizeof result) [+ crc8(1)]

params and results are little-endian, packed in field order with no padding.
*/

// ByteOrder is the byte order of every multi-byte field on the wire.
var ByteOrder = binary.LittleEndian

// SMBUS flavour: poly 0x07, init 0, no reflection, no final xor.
var crcTable = crc8.MakeTable(crc8.CRC8)

// Frame is a decoded request frame.
type Frame struct {
	Address byte
	Command byte
	Payload []byte
}

// EncodeFrame builds the request frame for address/command with an already encoded payload.
func EncodeFrame(address, command byte, payload []byte) []byte {
	frame := make([]byte, solarbusruntime.HeaderSize, solarbusruntime.HeaderSize+len(payload))
	frame[0] = solarbusruntime.Magic1
	frame[1] = solarbusruntime.Magic2
	frame[2] = address
	frame[3] = command
	return append(frame, payload...)
}

// DecodeFrame is the inverse of EncodeFrame.
func DecodeFrame(frame []byte) (*Frame, error) {
	if len(frame) < solarbusruntime.HeaderSize {
		return nil, errors.Wrapf(solarbusruntime.ErrBadFrame, "frame of %d bytes", len(frame))
	}
	if frame[0] != solarbusruntime.Magic1 || frame[1] != solarbusruntime.Magic2 {
		return nil, errors.Wrapf(solarbusruntime.ErrBadFrame, "magic % x", frame[:2])
	}
	payload := make([]byte, len(frame)-solarbusruntime.HeaderSize)
	copy(payload, frame[solarbusruntime.HeaderSize:])
	return &Frame{Address: frame[2], Command: frame[3], Payload: payload}, nil
}

// AppendParams appends each parameter's fixed-size encoding in argument order.
func AppendParams(dst []byte, params ...interface{}) ([]byte, error) {
	buf := bytes.NewBuffer(dst)
	for i, p := range params {
		if binary.Size(p) < 0 {
			return nil, errors.Wrapf(solarbusruntime.ErrResultType, "parameter %d (%T)", i, p)
		}
		if err := binary.Write(buf, ByteOrder, p); err != nil {
			return nil, errors.Wrapf(err, "parameter %d", i)
		}
	}
	return buf.Bytes(), nil
}

// ResultSize is the number of bytes result occupies on the wire, or -1.
func ResultSize(result interface{}) int {
	return binary.Size(result)
}

// DecodeResult copies data into result, which must be a pointer to a fixed-size value.
func DecodeResult(data []byte, result interface{}) error {
	size := binary.Size(result)
	if size <= 0 {
		return errors.Wrapf(solarbusruntime.ErrResultType, "%T", result)
	}
	if len(data) != size {
		return solarbusruntime.ErrWrongLength
	}
	return binary.Read(bytes.NewReader(data), ByteOrder, result)
}

// Checksum computes the CRC8 of data.
func Checksum(data []byte) byte {
	return crc8.Checksum(data, crcTable)
}

// AppendCRC appends the checksum of data to data.
func AppendCRC(data []byte) []byte {
	return append(data, Checksum(data))
}

// VerifyCRC checks the last byte of response against the checksum of the bytes before it.
func VerifyCRC(response []byte) bool {
	if len(response) == 0 {
		return false
	}
	last := len(response) - 1
	return Checksum(response[:last]) == response[last]
}
