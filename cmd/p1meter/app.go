package main

import (
	"context"
	"io"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/p1meter/cmd/p1meter/subcmd"
	"github.com/temoto/p1meter/helpers"
	"github.com/temoto/p1meter/internal/meter"
	"github.com/temoto/p1meter/internal/metrics"
	"github.com/temoto/p1meter/internal/p1"
	"github.com/temoto/p1meter/internal/publish"
	"github.com/temoto/p1meter/internal/state"
	"github.com/temoto/p1meter/internal/store"
	"github.com/temoto/p1meter/internal/uart"
	"github.com/temoto/p1meter/internal/week"
	"github.com/temoto/p1meter/log2"
)

const redisPrefix = "p1meter:week:"

type app struct {
	log     *log2.Log
	stdout  io.Writer
	metrics *metrics.Metrics
	// systemd readiness, nil in tests
	notify func(string) bool
}

func (self *app) modules() []subcmd.Mod {
	return []subcmd.Mod{
		{Name: "read", Main: self.cmdRead},
		{Name: "daemon", Main: self.cmdDaemon},
	}
}

func (self *app) sdnotify(s string) {
	if self.notify != nil {
		self.notify(s)
	}
}

// cmdRead prints and stores exactly one telegram.
func (self *app) cmdRead(ctx context.Context, c *state.Config) error {
	m, cleanup, err := self.build(ctx, c, true)
	if err != nil {
		return err
	}
	_, err = m.ReadOnce(ctx)
	return self.finish(err, cleanup)
}

func (self *app) cmdDaemon(ctx context.Context, c *state.Config) error {
	m, cleanup, err := self.build(ctx, c, false)
	if err != nil {
		return err
	}
	self.sdnotify(daemon.SdNotifyReady)
	err = m.Run(ctx)
	self.sdnotify(daemon.SdNotifyStopping)
	return self.finish(err, cleanup)
}

// finish keeps primary error intact for kind detection, cleanup errors are logged.
func (self *app) finish(err error, cleanup func() error) error {
	cerr := cleanup()
	if err == nil {
		return cerr
	}
	if cerr != nil {
		self.log.Error(errors.Annotate(cerr, "cleanup"))
	}
	return err
}

// build opens source and every sink required by config.
// cleanup closes meter first, so sinks are flushed before shared clients go away.
func (self *app) build(ctx context.Context, c *state.Config, withPrinter bool) (*meter.Meter, func() error, error) {
	var (
		sinks   []meter.Sink
		extra   []io.Closer
		st      *store.Store
		stSink  bool
		tracker *week.Tracker
	)
	abort := func(err error) (*meter.Meter, func() error, error) {
		for _, s := range sinks {
			if cl, ok := s.(io.Closer); ok {
				_ = cl.Close()
			}
		}
		if st != nil && !stSink {
			_ = st.Close()
		}
		for _, cl := range extra {
			_ = cl.Close()
		}
		return nil, nil, err
	}
	openStore := func() (*store.Store, error) {
		if st != nil {
			return st, nil
		}
		var err error
		st, err = store.Open(ctx, self.log, store.Config{Dsn: c.Sql.Dsn, Table: c.Sql.Table})
		return st, err
	}

	switch c.Week.Baseline {
	case state.BaselineNone:
	case state.BaselineMemory:
		tracker = week.NewTracker(week.NewMemoryBaseline(), self.log)
	case state.BaselineRedis:
		rc, err := week.DialRedis(ctx, c.Week.RedisAddr, c.Week.RedisPassword, c.Week.RedisDb)
		if err != nil {
			return abort(errors.Annotate(err, "week"))
		}
		extra = append(extra, rc)
		tracker = week.NewTracker(week.NewRedisBaseline(rc, redisPrefix), self.log)
	case state.BaselineSQL:
		s, err := openStore()
		if err != nil {
			return abort(errors.Annotate(err, "week"))
		}
		tracker = week.NewTracker(week.NewSQLBaseline(s), self.log)
	}

	if withPrinter {
		p, err := meter.NewPrinter(self.stdout, c.Output...)
		if err != nil {
			return abort(err)
		}
		sinks = append(sinks, p)
	}

	switch c.Mode {
	case state.ModeSQL:
		s, err := openStore()
		if err != nil {
			return abort(err)
		}
		stSink = true
		sinks = append(sinks, s)

	case state.ModePublish:
		transport, err := publish.NewTransport(c.Mqtt.Driver, self.log, publish.TransportOptions{
			Broker:         c.Mqtt.Broker,
			ClientID:       c.Mqtt.ClientId,
			Username:       c.Mqtt.Username,
			Password:       c.Mqtt.Password,
			Qos:            byte(c.Mqtt.Qos),
			Retain:         c.Mqtt.Retain,
			KeepaliveSec:   c.Mqtt.KeepaliveSec,
			NetworkTimeout: c.NetworkTimeout,
			LogDebug:       c.Mqtt.LogDebug,
		})
		if err != nil {
			return abort(err)
		}
		opt := publish.Options{
			Topic:          c.Mqtt.Topic,
			OutboxPath:     c.Mqtt.OutboxPath,
			NetworkTimeout: c.NetworkTimeout,
			Tracker:        tracker,
		}
		if self.metrics != nil {
			opt.OnDelivery = self.metrics.Delivery
			opt.OnWeek = self.metrics.ObserveWeek
		}
		pub, err := publish.New(self.log, transport, opt)
		if err != nil {
			_ = transport.Close()
			return abort(err)
		}
		sinks = append(sinks, pub)
	}

	// publisher observes week itself, one baseline lookup per telegram
	if tracker != nil && c.Mode != state.ModePublish {
		sinks = append(sinks, meter.WeekSink{Tracker: tracker, Metrics: self.metrics, Log: self.log})
	}
	if self.metrics != nil {
		sinks = append(sinks, self.metrics)
	}

	src, err := uart.Open(c.Uart)
	if err != nil {
		return abort(errors.Trace(p1.StreamError{Op: "open", Err: err}))
	}
	self.log.Debugf("source=%s mode=%s protocol=%s checksum=%s", src.Name(), c.Mode, c.Decoder.Protocol, c.Decoder.Checksum)

	m, err := meter.New(src, meter.Options{
		Log:         self.log,
		Decoder:     c.Decoder,
		Sinks:       sinks,
		Metrics:     self.metrics,
		Interval:    c.Interval,
		SinkTimeout: c.NetworkTimeout,
	})
	if err != nil {
		_ = src.Close()
		return abort(err)
	}
	if st != nil && !stSink {
		extra = append(extra, st)
	}
	cleanup := func() error {
		errs := []error{m.Close()}
		for _, cl := range extra {
			errs = append(errs, cl.Close())
		}
		return helpers.FoldErrors(errs)
	}
	return m, cleanup, nil
}
