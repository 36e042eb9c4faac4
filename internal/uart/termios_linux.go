//go:build linux

package uart

import (
	"os"
	"time"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

var baudRates = map[int]uint32{
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
	230400: unix.B230400,
}

type fdReader struct {
	fd      int
	timeout time.Duration
}

func (self fdReader) Read(p []byte) (n int, err error) {
	if err = ioWaitRead(self.fd, 1, self.timeout); err != nil {
		return 0, err
	}
	return unix.Read(self.fd, p)
}

func ioWaitRead(fd int, min int, wait time.Duration) error {
	tfinal := time.Now().Add(wait)
	for {
		out, err := unix.IoctlGetInt(fd, unix.TIOCINQ)
		if err != nil {
			return os.NewSyscallError("TIOCINQ", err)
		}
		if out >= min {
			return nil
		}
		if time.Now().After(tfinal) {
			return ErrTimeout
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type termiosUart struct {
	f      *os.File
	reader fdReader
}

func newTermiosUart() *termiosUart { return &termiosUart{} }

func (self *termiosUart) Open(c Config) (err error) {
	speed, ok := baudRates[c.Baud]
	if !ok {
		return errors.NotSupportedf("baud=%d", c.Baud)
	}
	if self.f != nil {
		self.f.Close()
	}
	self.f, err = os.OpenFile(c.Device, unix.O_RDWR|unix.O_NOCTTY|unix.O_CLOEXEC, 0600)
	if err != nil {
		return errors.Trace(err)
	}
	fd := int(self.f.Fd())
	if err = ioResetTermios(fd, c, speed); err != nil {
		self.f.Close()
		self.f = nil
		return errors.Trace(err)
	}
	self.reader = fdReader{fd: fd, timeout: c.ReadTimeout}
	return nil
}

func (self *termiosUart) Read(p []byte) (int, error) { return self.reader.Read(p) }

func (self *termiosUart) Close() error {
	if self.f == nil {
		return nil
	}
	err := self.f.Close()
	self.f = nil
	return err
}

// raw mode, flush input
func ioResetTermios(fd int, c Config, speed uint32) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return os.NewSyscallError("TCGETS", err)
	}
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CSTOPB | unix.CRTSCTS | unix.CBAUD
	t.Cflag |= unix.CREAD | unix.CLOCAL | speed
	switch c.DataBits {
	case 7:
		t.Cflag |= unix.CS7
	default:
		t.Cflag |= unix.CS8
	}
	switch c.Parity {
	case "E":
		t.Cflag |= unix.PARENB
	case "O":
		t.Cflag |= unix.PARENB | unix.PARODD
	}
	if c.StopBits == 2 {
		t.Cflag |= unix.CSTOPB
	}
	if c.HardwareFlow {
		t.Cflag |= unix.CRTSCTS
	}
	t.Ispeed = speed
	t.Ospeed = speed
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
	if err = unix.IoctlSetTermios(fd, unix.TCSETSF, t); err != nil {
		return os.NewSyscallError("TCSETSF", err)
	}
	return nil
}
