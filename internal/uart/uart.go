// Package uart opens the P1 port. Meters push one telegram every 1 to 10 seconds,
// Source only ever reads.
package uart

import (
	"bufio"
	"io"
	"time"

	"github.com/juju/errors"
)

const (
	DriverTermios = "termios"
	DriverBugst   = "bugst"
	DriverTarm    = "tarm"
	DriverFile    = "file"
)

const (
	DefaultBaud        = 115200
	DefaultReadTimeout = 12 * time.Second
)

type ErrTimeoutT string

func (e ErrTimeoutT) Error() string { return string(e) }
func (ErrTimeoutT) Timeout() bool   { return true }

const ErrTimeout = ErrTimeoutT("uart read timeout")

type Config struct {
	Driver       string
	Device       string
	Baud         int
	DataBits     int
	Parity       string // N E O
	StopBits     int
	HardwareFlow bool // RTS/CTS
	ReadTimeout  time.Duration
}

// DefaultConfig is DSMR4 port settings: 115200 8N1, RTS/CTS.
func DefaultConfig() Config {
	return Config{
		Driver:       DriverTermios,
		Baud:         DefaultBaud,
		DataBits:     8,
		Parity:       "N",
		StopBits:     1,
		HardwareFlow: true,
		ReadTimeout:  DefaultReadTimeout,
	}
}

func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.Driver == "" {
		c.Driver = d.Driver
	}
	if c.Baud == 0 {
		c.Baud = d.Baud
	}
	if c.DataBits == 0 {
		c.DataBits = d.DataBits
	}
	if c.Parity == "" {
		c.Parity = d.Parity
	}
	if c.StopBits == 0 {
		c.StopBits = d.StopBits
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	return c
}

type Uarter interface {
	Open(Config) error
	Read(p []byte) (int, error)
	Close() error
}

func NewUarter(driver string) (Uarter, error) {
	switch driver {
	case DriverTermios:
		return newTermiosUart(), nil
	case DriverBugst:
		return new(bugstUart), nil
	case DriverTarm:
		return new(tarmUart), nil
	case DriverFile:
		return new(fileUart), nil
	}
	return nil, errors.NotSupportedf("uart driver=%q", driver)
}

// Source is a line reader over opened port.
type Source struct {
	u    io.Closer
	r    *bufio.Reader
	name string
}

func Open(c Config) (*Source, error) {
	c = c.normalize()
	if c.Device == "" {
		return nil, errors.NotValidf("uart device empty")
	}
	u, err := NewUarter(c.Driver)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err = u.Open(c); err != nil {
		return nil, errors.Annotatef(err, "uart open driver=%s device=%s", c.Driver, c.Device)
	}
	return NewSource(u, c.Driver+":"+c.Device), nil
}

// NewSource reads lines from any reader, Close is forwarded if r is io.Closer.
func NewSource(r io.Reader, name string) *Source {
	s := &Source{
		r:    bufio.NewReaderSize(r, 1024),
		name: name,
	}
	if c, ok := r.(io.Closer); ok {
		s.u = c
	}
	return s
}

func (self *Source) ReadSlice(delim byte) ([]byte, error) { return self.r.ReadSlice(delim) }

func (self *Source) Name() string { return self.name }

func (self *Source) Close() error {
	if self.u == nil {
		return nil
	}
	err := self.u.Close()
	self.u = nil
	return errors.Annotatef(err, "uart close %s", self.name)
}

// timeoutReader turns empty reads into ErrTimeout so bufio does not spin.
type timeoutReader struct {
	r io.Reader
	// tarm reports VTIME expiry as EOF
	eofIsTimeout bool
}

func (self timeoutReader) Read(p []byte) (int, error) {
	n, err := self.r.Read(p)
	if n == 0 && len(p) != 0 {
		if err == nil || (self.eofIsTimeout && err == io.EOF) {
			return 0, ErrTimeout
		}
	}
	return n, err
}
