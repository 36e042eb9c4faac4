// Package publish forwards telegrams to MQTT broker through persistent outbox.
//
// Publisher contract:
// - Consume blocks at most for disk write, network may be slow or absent
// - messages are delivered at least once, in order
// - Close blocks until outbox is empty or network timeout
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/p1meter/helpers"
	"github.com/temoto/p1meter/internal/p1"
	"github.com/temoto/p1meter/internal/week"
	"github.com/temoto/p1meter/log2"
	"github.com/temoto/spq"
)

const (
	DefaultNetworkTimeout = 30 * time.Second
	retryMin              = 1 * time.Second
	retryMax              = 2 * time.Minute
)

type Options struct {
	Topic string
	// spq directory, empty keeps outbox in memory
	OutboxPath     string
	NetworkTimeout time.Duration
	// optional, adds Week to record
	Tracker *week.Tracker
	// optional, called with every Week added to record
	OnWeek func(kwh float64)
	// optional, called after each broker delivery attempt
	OnDelivery func(err error)
	// first retry delay, doubles up to 2 minutes
	RetryMin time.Duration
}

type Publisher struct { //nolint:maligned
	alive     *alive.Alive
	log       *log2.Log
	opt       Options
	q         *spq.Queue
	transport Transporter
	backoff   helpers.Backoff

	// payloads pushed by this process and not yet delivered, outbox order.
	// Records left from previous runs are delivered first and do not match.
	ownLk sync.Mutex
	own   [][]byte
}

func New(log *log2.Log, transport Transporter, opt Options) (*Publisher, error) {
	if opt.Topic == "" {
		return nil, errors.NotValidf("publish topic empty")
	}
	if opt.NetworkTimeout <= 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.RetryMin <= 0 {
		opt.RetryMin = retryMin
	}
	path := opt.OutboxPath
	if path == "" {
		log.Info("publish outbox_path is empty, undelivered telegrams are lost on exit")
		path = spq.OnlyForTesting
	}
	q, err := spq.Open(path)
	if err != nil {
		return nil, errors.Annotatef(err, "publish outbox path=%s", opt.OutboxPath)
	}
	self := &Publisher{
		alive:     alive.NewAlive(),
		log:       log,
		opt:       opt,
		q:         q,
		transport: transport,
		backoff:   helpers.Backoff{Min: opt.RetryMin, Max: retryMax},
	}
	self.alive.Add(1)
	go self.worker()
	return self, nil
}

// Consume encodes telegram as JSON record and stores it in outbox.
func (self *Publisher) Consume(ctx context.Context, t p1.Telegram) error {
	r := t.Record()
	if self.opt.Tracker != nil {
		w, err := self.opt.Tracker.Observe(ctx, t)
		if err != nil {
			// still publish readings without aggregate
			self.log.Error(errors.Annotate(err, "publish week"))
		} else {
			r = r.WithWeek(w)
			if self.opt.OnWeek != nil {
				self.opt.OnWeek(w)
			}
		}
	}
	b, err := json.Marshal(r)
	if err != nil {
		return errors.Annotate(err, "publish marshal")
	}
	self.ownLk.Lock()
	defer self.ownLk.Unlock()
	if err = self.q.Push(b); err != nil {
		return errors.Annotate(err, "publish outbox push")
	}
	self.own = append(self.own, b)
	return nil
}

// Pending is number of records consumed by this process and not yet delivered.
func (self *Publisher) Pending() int {
	self.ownLk.Lock()
	defer self.ownLk.Unlock()
	return len(self.own)
}

func (self *Publisher) delivered(payload []byte) {
	self.ownLk.Lock()
	defer self.ownLk.Unlock()
	if len(self.own) != 0 && bytes.Equal(self.own[0], payload) {
		self.own[0] = nil
		self.own = self.own[1:]
	}
}

func (self *Publisher) Close() error {
	deadline := time.Now().Add(self.opt.NetworkTimeout)
	for self.Pending() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if n := self.Pending(); n > 0 {
		self.log.Errorf("publish close with pending=%d, kept in outbox", n)
	}
	self.alive.Stop()
	errs := []error{self.q.Close()}
	self.alive.Wait()
	errs = append(errs, self.transport.Close())
	return helpers.FoldErrors(errs)
}

func (self *Publisher) worker() {
	defer self.alive.Done()
	stopch := self.alive.StopChan()
	for {
		box, err := self.q.Peek()
		switch err {
		case nil: // success path

		case spq.ErrClosed:
			if self.alive.IsRunning() {
				self.log.Errorf("CRITICAL publish outbox closed unexpectedly")
			}
			return

		default:
			self.log.Errorf("CRITICAL publish outbox err=%v", err)
			self.backoff.Failure()
			if !self.sleep(stopch) {
				return
			}
			continue
		}

		if !self.sleep(stopch) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), self.opt.NetworkTimeout)
		err = self.transport.Publish(ctx, self.opt.Topic, box.Bytes())
		cancel()
		if self.opt.OnDelivery != nil {
			self.opt.OnDelivery(err)
		}
		if err != nil {
			self.backoff.Failure()
			self.log.Errorf("publish deliver attempt=%d err=%v", self.backoff.Failures(), err)
			continue
		}
		self.backoff.Reset()
		if err = self.q.Delete(box); err != nil {
			self.log.Errorf("publish outbox delete err=%v", err)
			continue
		}
		self.delivered(box.Bytes())
	}
}

// sleep waits out retry delay, false when stopped.
func (self *Publisher) sleep(stopch <-chan struct{}) bool {
	d := self.backoff.Wait()
	if d == 0 {
		return true
	}
	select {
	case <-time.After(d):
		return true
	case <-stopch:
		return false
	}
}
