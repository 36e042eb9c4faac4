package uart

import (
	"os"

	"github.com/juju/errors"
	"github.com/tarm/serial"
	bugst "go.bug.st/serial"
)

// fileUart replays captured telegrams, EOF is not a timeout.
type fileUart struct{ f *os.File }

func (self *fileUart) Open(c Config) (err error) {
	self.f, err = os.Open(c.Device)
	return errors.Trace(err)
}
func (self *fileUart) Read(p []byte) (int, error) { return self.f.Read(p) }
func (self *fileUart) Close() error               { return self.f.Close() }

type bugstUart struct {
	port   bugst.Port
	reader timeoutReader
}

func (self *bugstUart) Open(c Config) error {
	mode := &bugst.Mode{
		BaudRate: c.Baud,
		DataBits: c.DataBits,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	}
	switch c.Parity {
	case "E":
		mode.Parity = bugst.EvenParity
	case "O":
		mode.Parity = bugst.OddParity
	}
	if c.StopBits == 2 {
		mode.StopBits = bugst.TwoStopBits
	}
	port, err := bugst.Open(c.Device, mode)
	if err != nil {
		return errors.Trace(err)
	}
	if err = port.SetReadTimeout(c.ReadTimeout); err != nil {
		port.Close()
		return errors.Annotate(err, "SetReadTimeout")
	}
	// go.bug.st has no CRTSCTS, meter only needs RTS asserted to send
	if c.HardwareFlow {
		if err = port.SetRTS(true); err != nil {
			port.Close()
			return errors.Annotate(err, "SetRTS")
		}
	}
	self.port = port
	self.reader = timeoutReader{r: port}
	return nil
}
func (self *bugstUart) Read(p []byte) (int, error) { return self.reader.Read(p) }
func (self *bugstUart) Close() error               { return self.port.Close() }

type tarmUart struct {
	port   *serial.Port
	reader timeoutReader
}

func (self *tarmUart) Open(c Config) error {
	sc := &serial.Config{
		Name:        c.Device,
		Baud:        c.Baud,
		ReadTimeout: c.ReadTimeout,
		Size:        byte(c.DataBits),
		Parity:      serial.Parity(c.Parity[0]),
		StopBits:    serial.StopBits(c.StopBits),
	}
	port, err := serial.OpenPort(sc)
	if err != nil {
		return errors.Trace(err)
	}
	self.port = port
	self.reader = timeoutReader{r: port, eofIsTimeout: true}
	return nil
}
func (self *tarmUart) Read(p []byte) (int, error) { return self.reader.Read(p) }
func (self *tarmUart) Close() error               { return self.port.Close() }
