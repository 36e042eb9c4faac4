package p1

import (
	"bufio"
	"io"
	"strings"

	"github.com/juju/errors"
)

const (
	markStart = '/'
	markEnd   = '!'
)

// StreamError.Op values
const (
	OpFindStart = "find start"
	OpReadBody  = "read body"
)

// LineSource is satisfied by *bufio.Reader and uart.Source.
type LineSource interface {
	ReadSlice(delim byte) ([]byte, error)
}

// ReadFrame skips input until telegram start line, then accumulates lines
// up to and including the '!' checksum line.
// There is no bound other than source read timeout.
// Incomplete telegram is never returned, read errors come as StreamError.
func ReadFrame(src LineSource) (string, error) {
	var b strings.Builder
	for {
		line, err := readLine(src)
		if err != nil {
			return "", errors.Trace(StreamError{Op: OpFindStart, Err: err})
		}
		if len(line) != 0 && line[0] == markStart {
			if err = checkASCII(line); err != nil {
				return "", errors.Trace(err)
			}
			b.WriteString(line)
			break
		}
	}
	for {
		line, err := readLine(src)
		if err == io.EOF && len(line) != 0 && line[0] == markEnd {
			// last line of capture file without line terminator
			err = nil
		}
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return "", errors.Trace(StreamError{Op: OpReadBody, Err: err})
		}
		if err = checkASCII(line); err != nil {
			return "", errors.Trace(err)
		}
		b.WriteString(line)
		if line[0] == markEnd {
			return b.String(), nil
		}
	}
}

// readLine copies line out of source buffer, joining pieces of lines longer than buffer.
func readLine(src LineSource) (string, error) {
	var long []byte
	for {
		chunk, err := src.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			long = append(long, chunk...)
			continue
		}
		if long != nil {
			return string(append(long, chunk...)), err
		}
		return string(chunk), err
	}
}

func checkASCII(line string) error {
	for i := 0; i < len(line); i++ {
		if line[i] >= 0x80 {
			return MalformedError{Reason: "non-ASCII byte", Line: line}
		}
	}
	return nil
}
