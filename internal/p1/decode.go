package p1

import (
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/p1meter/crc"
	"github.com/temoto/p1meter/log2"
)

// Protocol is DSMR version of telegram format.
type Protocol int

const (
	ProtocolV2 Protocol = 2 // no CRC, two-line gas reading
	ProtocolV4 Protocol = 4
)

func ParseProtocol(version int) (Protocol, error) {
	switch p := Protocol(version); p {
	case ProtocolV2, ProtocolV4:
		return p, nil
	}
	return 0, errors.NotSupportedf("DSMR protocol version=%d", version)
}

func (p Protocol) HasChecksum() bool { return p != ProtocolV2 }

func (p Protocol) String() string { return "DSMR" + strconv.Itoa(int(p)) }

// ChecksumPolicy selects what Decode does on CRC mismatch.
type ChecksumPolicy int

const (
	// return ChecksumError, no telegram
	ChecksumStrict ChecksumPolicy = iota
	// return default valued telegram, no error
	ChecksumTolerant
)

func ParseChecksumPolicy(s string) (ChecksumPolicy, error) {
	switch s {
	case "", "strict":
		return ChecksumStrict, nil
	case "tolerant":
		return ChecksumTolerant, nil
	}
	return 0, errors.NotValidf("checksum policy=%q (expected strict|tolerant)", s)
}

func (c ChecksumPolicy) String() string {
	if c == ChecksumTolerant {
		return "tolerant"
	}
	return "strict"
}

type Options struct {
	Protocol Protocol
	Checksum ChecksumPolicy
	Log      *log2.Log
	// default timestamp source, time.Now if nil
	Now func() time.Time
	// called on every CRC mismatch, regardless of policy
	OnChecksumError func(ChecksumError)
}

// Decoder holds no per call state, one instance serves any number of Decode calls.
type Decoder struct {
	opt      Options
	patterns []pattern
}

func NewDecoder(opt Options) (*Decoder, error) {
	if opt.Protocol == 0 {
		opt.Protocol = ProtocolV4
	}
	if _, err := ParseProtocol(int(opt.Protocol)); err != nil {
		return nil, errors.Trace(err)
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Decoder{
		opt:      opt,
		patterns: patternTable(opt.Protocol),
	}, nil
}

func (d *Decoder) Protocol() Protocol { return d.opt.Protocol }

// Decode validates checksum (if protocol has it) and extracts readings.
// Lines not matching any pattern are ignored.
func (d *Decoder) Decode(text string) (Telegram, error) {
	result := NewTelegram(d.opt.Now())
	if d.opt.Protocol.HasChecksum() {
		if err := VerifyChecksum(text); err != nil {
			ce, ok := errors.Cause(err).(ChecksumError)
			if !ok {
				return Telegram{}, errors.Trace(err)
			}
			if d.opt.OnChecksumError != nil {
				d.opt.OnChecksumError(ce)
			}
			if d.opt.Checksum == ChecksumTolerant {
				d.opt.Log.Errorf("%v, using default telegram", ce)
				return result, nil
			}
			return Telegram{}, errors.Trace(err)
		}
	}

	lines := strings.Split(text, "\r\n")
	for i := range lines {
		for _, p := range d.patterns {
			window := lines[i]
			if p.window > 1 {
				if i+p.window > len(lines) {
					continue
				}
				window = strings.Join(lines[i:i+p.window], "\r\n")
			}
			m := p.re.FindStringSubmatch(window)
			if m == nil {
				continue
			}
			if err := p.apply(&result, m); err != nil {
				return Telegram{}, errors.Annotatef(err, "pattern=%s", p.name)
			}
			d.opt.Log.Debugf("p1 match pattern=%s line=%q", p.name, lines[i])
			break
		}
	}
	return result, nil
}

// VerifyChecksum checks CRC-16/ARC over text up to and including '!'
// against hex value following it.
func VerifyChecksum(text string) error {
	idx := strings.LastIndex(text, "\r\n!")
	if idx < 0 {
		return errors.Trace(MalformedError{Reason: "checksum line not found"})
	}
	end := idx + 3
	declared := text[end:]
	if i := strings.IndexAny(declared, "\r\n"); i >= 0 {
		declared = declared[:i]
	}
	computed := crc.CRC16_ARC([]byte(text[:end]))
	given, err := strconv.ParseUint(declared, 16, 32)
	if err != nil || given != uint64(computed) {
		return errors.Trace(ChecksumError{Declared: declared, Computed: computed})
	}
	return nil
}
