// Package metrics exposes latest readings and reader health to Prometheus.
package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/temoto/p1meter/internal/p1"
	"github.com/temoto/p1meter/log2"
)

const namespace = "p1meter"

// read result kinds, see meter.ErrorKind
const (
	KindOK = "ok"
)

type Metrics struct {
	reg *prometheus.Registry

	actual   prometheus.Gauge
	tariff1  prometheus.Gauge
	tariff2  prometheus.Gauge
	gas      prometheus.Gauge
	epoch    prometheus.Gauge
	week     prometheus.Gauge
	reads    *prometheus.CounterVec
	duration prometheus.Histogram
	errors   prometheus.Counter
	delivery *prometheus.CounterVec
}

func New() *Metrics {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}
	m := &Metrics{
		reg:     prometheus.NewRegistry(),
		actual:  gauge("actual_kw", "Instantaneous power draw in kilowatt"),
		tariff1: gauge("tariff1_kwh", "Energy counter tariff 1 in kilowatt.hour"),
		tariff2: gauge("tariff2_kwh", "Energy counter tariff 2 in kilowatt.hour"),
		gas:     gauge("gas_m3", "Gas counter in cubic meters"),
		epoch:   gauge("telegram_timestamp_seconds", "Meter time of last telegram, unix seconds"),
		week:    gauge("week_kwh", "Energy consumed since Monday 00:00 UTC in kilowatt.hour"),
		reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reads_total",
			Help:      "Telegram reads by result kind",
		}, []string{"kind"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "read_duration_seconds",
			Help:      "Time to read and decode one telegram",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 15, 30},
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_errors_total",
			Help:      "Errors written to log",
		}),
		delivery: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_deliveries_total",
			Help:      "Broker delivery attempts by result",
		}, []string{"result"}),
	}
	m.reg.MustRegister(
		m.actual, m.tariff1, m.tariff2, m.gas, m.epoch, m.week,
		m.reads, m.duration, m.errors, m.delivery,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (self *Metrics) Registry() *prometheus.Registry { return self.reg }

// Consume makes Metrics a telegram sink.
func (self *Metrics) Consume(_ context.Context, t p1.Telegram) error {
	self.actual.Set(t.Actual)
	self.tariff1.Set(t.Tariff1)
	self.tariff2.Set(t.Tariff2)
	self.gas.Set(t.Gas)
	self.epoch.Set(float64(t.Epoch))
	return nil
}

func (self *Metrics) ObserveRead(kind string, d time.Duration) {
	self.reads.WithLabelValues(kind).Inc()
	self.duration.Observe(d.Seconds())
}

func (self *Metrics) ObserveWeek(kwh float64) { self.week.Set(kwh) }

// LogError fits log2.ErrorFunc.
func (self *Metrics) LogError(error) { self.errors.Inc() }

func (self *Metrics) Delivery(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	self.delivery.WithLabelValues(result).Inc()
}

func (self *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(self.reg, promhttp.HandlerOpts{})
}

// Serve listens on addr until ctx is done. Listen errors are returned synchronously.
func (self *Metrics) Serve(ctx context.Context, log *log2.Log, addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Annotatef(err, "metrics listen=%s", addr)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", self.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics serve err=%v", err)
		}
	}()
	log.Infof("metrics listen=%s", ln.Addr())
	return ln.Addr(), nil
}
