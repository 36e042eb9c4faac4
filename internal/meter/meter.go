// Package meter reads telegrams from source and hands them to sinks.
package meter

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/p1meter/helpers"
	"github.com/temoto/p1meter/internal/metrics"
	"github.com/temoto/p1meter/internal/p1"
	"github.com/temoto/p1meter/internal/store"
	"github.com/temoto/p1meter/log2"
)

// Error kinds, also used as metrics label.
const (
	KindOK          = metrics.KindOK
	KindEOF         = "eof"
	KindTimeout     = "timeout"
	KindStream      = "stream"
	KindChecksum    = "checksum"
	KindMalformed   = "malformed"
	KindDuplicate   = "duplicate"
	KindPersistence = "persistence"
	KindConfig      = "config"
	KindUnknown     = "unknown"
)

func ErrorKind(err error) string {
	if err == nil {
		return KindOK
	}
	cause := errors.Cause(err)
	switch e := cause.(type) {
	case p1.StreamError:
		if e.Op == p1.OpFindStart && e.Err == io.EOF {
			return KindEOF
		}
		if e.Timeout() {
			return KindTimeout
		}
		return KindStream
	case p1.ChecksumError:
		return KindChecksum
	case p1.MalformedError:
		return KindMalformed
	case store.PersistenceError:
		if e.Duplicate {
			return KindDuplicate
		}
		return KindPersistence
	}
	if errors.IsNotValid(err) || errors.IsNotSupported(err) || errors.IsNotFound(err) {
		return KindConfig
	}
	return KindUnknown
}

// Recoverable errors are logged and skipped in daemon mode.
func Recoverable(err error) bool {
	switch ErrorKind(err) {
	case KindChecksum, KindMalformed, KindTimeout, KindDuplicate:
		return true
	}
	return false
}

type Sink interface {
	Consume(ctx context.Context, t p1.Telegram) error
}

type Source interface {
	p1.LineSource
	Close() error
	Name() string
}

type Options struct {
	Log     *log2.Log
	Decoder p1.Options
	Sinks   []Sink
	// optional
	Metrics *metrics.Metrics
	// daemon pause between telegrams, 0 reads as fast as meter sends
	Interval time.Duration
	// bounds all sinks for one telegram, default 30s
	SinkTimeout time.Duration
}

const DefaultSinkTimeout = 30 * time.Second

type Meter struct {
	alive       *alive.Alive
	log         *log2.Log
	src         Source
	dec         *p1.Decoder
	sinks       []Sink
	metrics     *metrics.Metrics
	interval    time.Duration
	sinkTimeout time.Duration
	closeOnce   sync.Once
	closeErr    error
}

func New(src Source, opt Options) (*Meter, error) {
	if opt.Decoder.Log == nil {
		opt.Decoder.Log = opt.Log
	}
	if opt.SinkTimeout <= 0 {
		opt.SinkTimeout = DefaultSinkTimeout
	}
	dec, err := p1.NewDecoder(opt.Decoder)
	if err != nil {
		return nil, errors.Annotate(err, "meter")
	}
	return &Meter{
		alive:       alive.NewAlive(),
		log:         opt.Log,
		src:         src,
		dec:         dec,
		sinks:       opt.Sinks,
		metrics:     opt.Metrics,
		interval:    opt.Interval,
		sinkTimeout: opt.SinkTimeout,
	}, nil
}

// ReadOnce blocks until one telegram is read, decoded and consumed by every sink.
// Source read timeout bounds the wait. Telegram read before ctx is cancelled
// still reaches every sink: sinks get ctx values without its cancellation, limited by SinkTimeout.
func (self *Meter) ReadOnce(ctx context.Context) (p1.Telegram, error) {
	begin := time.Now()
	t, err := self.readOnce(ctx)
	if self.metrics != nil {
		self.metrics.ObserveRead(ErrorKind(err), time.Since(begin))
	}
	return t, err
}

func (self *Meter) readOnce(ctx context.Context) (p1.Telegram, error) {
	text, err := p1.ReadFrame(self.src)
	if err != nil {
		return p1.Telegram{}, errors.Annotatef(err, "source=%s", self.src.Name())
	}
	self.log.Debugf("meter frame source=%s length=%d", self.src.Name(), len(text))
	t, err := self.dec.Decode(text)
	if err != nil {
		return p1.Telegram{}, errors.Trace(err)
	}

	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), self.sinkTimeout)
	defer cancel()
	// every sink gets the telegram, first error wins
	var first error
	for _, s := range self.sinks {
		if err := s.Consume(sinkCtx, t); err != nil {
			if first == nil {
				first = err
			} else {
				self.log.Error(err)
			}
		}
	}
	return t, errors.Trace(first)
}

// Run reads until ctx is done, Stop is called or source is exhausted.
// Recoverable errors are logged, anything else is returned.
func (self *Meter) Run(ctx context.Context) error {
	if !self.alive.Add(1) {
		return nil
	}
	defer self.alive.Done()
	stopch := self.alive.StopChan()
	for self.alive.IsRunning() && ctx.Err() == nil {
		t, err := self.ReadOnce(ctx)
		switch kind := ErrorKind(err); {
		case err == nil:
			self.log.Debugf("meter telegram timestamp=%s actual=%v", t.LocalTimestamp, t.Actual)
		case kind == KindEOF:
			self.log.Infof("meter source=%s exhausted", self.src.Name())
			return nil
		case Recoverable(err):
			self.log.Errorf("meter kind=%s err=%v", kind, err)
			continue
		default:
			return err
		}

		if self.interval > 0 {
			select {
			case <-time.After(self.interval):
			case <-stopch:
			case <-ctx.Done():
			}
		}
	}
	return nil
}

// Stop asks Run to return after current telegram.
func (self *Meter) Stop() { self.alive.Stop() }

// Close releases source and every sink that is io.Closer.
func (self *Meter) Close() error {
	self.closeOnce.Do(func() {
		self.alive.Stop()
		self.alive.Wait()
		errs := []error{self.src.Close()}
		for _, s := range self.sinks {
			if c, ok := s.(io.Closer); ok {
				errs = append(errs, c.Close())
			}
		}
		self.closeErr = helpers.FoldErrors(errs)
	})
	return self.closeErr
}
