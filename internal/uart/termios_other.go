//go:build !linux

package uart

import "github.com/juju/errors"

type termiosUart struct{}

func newTermiosUart() *termiosUart { return &termiosUart{} }

func (self *termiosUart) Open(c Config) error {
	return errors.NotSupportedf("termios driver on this OS, use bugst or tarm")
}
func (self *termiosUart) Read(p []byte) (int, error) { return 0, errors.NotSupportedf("termios") }
func (self *termiosUart) Close() error               { return nil }
