package solarbus

import (
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
	"k8s.io/klog/v2"

	solarbusruntime "github.com/antoine510/solar-mgr/pkg/protocol/solarbus/runtime"
)

// Transport is raw byte I/O on the bus. It knows nothing about frames.
type Transport interface {
	// SetBaudRate reconfigures the line speed.
	SetBaudRate(rate int) error
	// Write writes all of p or fails.
	Write(p []byte) error
	// ReadExact blocks until exactly n bytes arrived or timeout elapsed.
	// On failure no partial data is returned.
	ReadExact(n int, timeout time.Duration) ([]byte, error)
	// Flush discards bytes received but not yet read.
	Flush() error
	Close() error
}

var _ Transport = (*SerialClient)(nil)

// SerialClient is the Transport of a real serial device.
type SerialClient struct {
	Device   string
	BaudRate int
	Port     serial.Port
	buf      []byte
}

func serialMode(baudRate int) *serial.Mode {
	return &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// OpenSerial opens device in raw 8N1 mode. Flow control and modem lines are left alone.
func OpenSerial(device string, baudRate int) (*SerialClient, error) {
	if !solarbusruntime.IsSupportedBaudRate(baudRate) {
		return nil, errors.Wrapf(solarbusruntime.ErrUnsupportedBaudRate, "open %s at %d", device, baudRate)
	}
	port, err := serial.Open(device, serialMode(baudRate))
	if err != nil {
		klog.V(2).InfoS("Failed to open serial port", "device", device, "error", err)
		return nil, errors.Wrapf(solarbusruntime.ErrOpen, "%s: %v", device, err)
	}
	return NewSerialClient(device, baudRate, port), nil
}

// NewSerialClient wraps an already opened port.
func NewSerialClient(device string, baudRate int, port serial.Port) *SerialClient {
	return &SerialClient{
		Device:   device,
		BaudRate: baudRate,
		Port:     port,
		buf:      make([]byte, solarbusruntime.MaxResponseSize+1),
	}
}

func (sc *SerialClient) SetBaudRate(rate int) error {
	if rate == sc.BaudRate {
		return nil
	}
	if err := sc.Port.SetMode(serialMode(rate)); err != nil {
		klog.V(2).InfoS("Failed to change serial baud rate", "device", sc.Device, "baudRate", rate, "error", err)
		return errors.Wrapf(solarbusruntime.ErrConfig, "set baud rate %d: %v", rate, err)
	}
	klog.V(5).InfoS("Changed serial baud rate", "device", sc.Device, "from", sc.BaudRate, "to", rate)
	sc.BaudRate = rate
	return nil
}

func (sc *SerialClient) Write(p []byte) error {
	n, err := sc.Port.Write(p)
	if err != nil {
		klog.V(2).InfoS("Failed to write byte to serial port", "error", err)
		return errors.Wrap(solarbusruntime.ErrWrite, err.Error())
	}
	if n != len(p) {
		klog.V(2).InfoS("Short write to serial port", "written", n, "expected", len(p))
		return solarbusruntime.ErrWrite
	}
	klog.V(5).InfoS("Succeed to write byte to serial port", "bytes", p, "length", n)
	return nil
}

// ReadExact collects bytes until n arrived. More than n bytes in the same burst
// is reported as ErrWrongLength.
func (sc *SerialClient) ReadExact(n int, timeout time.Duration) ([]byte, error) {
	if n <= 0 || n > solarbusruntime.MaxResponseSize {
		return nil, solarbusruntime.ErrWrongLength
	}
	deadline := time.Now().Add(timeout)
	received := 0
	for received < n {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, solarbusruntime.ErrReadTimeout
		}
		if err := sc.Port.SetReadTimeout(remaining); err != nil {
			return nil, errors.Wrap(solarbusruntime.ErrConfig, err.Error())
		}
		// the extra byte of room is what detects an over-long response
		m, err := sc.Port.Read(sc.buf[received:])
		if err != nil {
			klog.V(2).InfoS("Failed to read byte from serial port", "error", err)
			return nil, errors.Wrap(solarbusruntime.ErrRead, err.Error())
		}
		if m == 0 {
			return nil, solarbusruntime.ErrReadTimeout
		}
		received += m
	}
	if received != n {
		klog.V(4).InfoS("Serial response length mismatch", "received", received, "expected", n)
		return nil, solarbusruntime.ErrWrongLength
	}
	out := make([]byte, n)
	copy(out, sc.buf[:n])
	klog.V(5).InfoS("Succeed to read byte from serial port", "bytes", out)
	return out, nil
}

func (sc *SerialClient) Flush() error {
	return sc.Port.ResetInputBuffer()
}

func (sc *SerialClient) Close() error {
	return sc.Port.Close()
}
