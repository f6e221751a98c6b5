package runtime

import (
	"errors"
	"time"
)

var ErrOpen = errors.New("serial port open failed")
var ErrConfig = errors.New("serial port configuration failed")
var ErrWrite = errors.New("serial port write failure")
var ErrRead = errors.New("serial port read failure")
var ErrReadTimeout = errors.New("read timed-out")
var ErrWrongLength = errors.New("wrong read size")
var ErrCrcMismatch = errors.New("response crc8 mismatch")
var ErrNoResponse = errors.New("no response")
var ErrInvalidValue = errors.New("invalid value")
var ErrSerialPortClosed = errors.New("serial port closed")
var ErrUnsupportedBaudRate = errors.New("unsupported baud rate")
var ErrBadFrame = errors.New("bad frame")
var ErrResultType = errors.New("result is not a fixed-size type")

const (
	// Magic1 and Magic2 open every request frame and identify the protocol version.
	Magic1 byte = 0x4f
	Magic2 byte = 0xc7

	// HeaderSize is magic(2) + address(1) + command(1).
	HeaderSize = 4

	// CommandOnline is reserved on every module and answered with OnlineSentinel.
	CommandOnline  byte = 0
	OnlineSentinel byte = 0x42

	DefaultBaudRate     = 9600
	DefaultReadTimeout  = 100 * time.Millisecond
	DefaultRetryBackoff = 250 * time.Millisecond
	DefaultDevice       = "/dev/mppts"

	// MaxResponseSize bounds a single response read; payloads are fixed and small.
	MaxResponseSize = 255
)

// DefaultRetryBaudRates compensates for the drift of the modules' internal RC oscillator.
var DefaultRetryBaudRates = []int{9600, 9600, 9500, 9700}

var SupportedBaudRates = map[int]struct{}{
	9600:    {},
	19200:   {},
	38400:   {},
	57600:   {},
	115200:  {},
	230400:  {},
	460800:  {},
	500000:  {},
	576000:  {},
	921600:  {},
	1000000: {},
	1152000: {},
	1500000: {},
	2000000: {},
	2500000: {},
	3000000: {},
	3500000: {},
	4000000: {},
}

func IsSupportedBaudRate(rate int) bool {
	_, ok := SupportedBaudRates[rate]
	return ok
}

// IsTransient reports errors the dispatcher absorbs by retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrReadTimeout) || errors.Is(err, ErrWrongLength) || errors.Is(err, ErrCrcMismatch)
}
