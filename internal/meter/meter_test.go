package meter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/p1meter/crc"
	"github.com/temoto/p1meter/internal/metrics"
	"github.com/temoto/p1meter/internal/p1"
	"github.com/temoto/p1meter/internal/store"
	"github.com/temoto/p1meter/internal/uart"
	"github.com/temoto/p1meter/internal/week"
	"github.com/temoto/p1meter/log2"
)

func seal(lines ...string) string {
	payload := strings.Join(lines, "\r\n") + "\r\n!"
	return fmt.Sprintf("%s%04X\r\n", payload, crc.CRC16_ARC([]byte(payload)))
}

func telegramText(ts string, actual string) string {
	return seal("/ISK5\\2M550T-1012", "0-0:1.0.0("+ts+"S)", "1-0:1.8.1(000100.000*kWh)", "1-0:1.8.2(000050.000*kWh)", "1-0:1.7.0("+actual+"*kW)")
}

type mockSink struct {
	sync.Mutex
	ts     []p1.Telegram
	err    error
	closed bool
}

func (self *mockSink) Consume(_ context.Context, t p1.Telegram) error {
	self.Lock()
	defer self.Unlock()
	self.ts = append(self.ts, t)
	return self.err
}

func (self *mockSink) Close() error {
	self.closed = true
	return nil
}

func (self *mockSink) count() int {
	self.Lock()
	defer self.Unlock()
	return len(self.ts)
}

func newTestMeter(t testing.TB, input string, opt Options) *Meter {
	t.Helper()
	src := uart.NewSource(strings.NewReader(input), "test")
	if opt.Log == nil {
		opt.Log = log2.NewTest(t, log2.LDebug)
	}
	m, err := New(src, opt)
	require.NoError(t, err)
	return m
}

func TestReadOnceFile(t *testing.T) {
	t.Parallel()

	src, err := uart.Open(uart.Config{Driver: uart.DriverFile, Device: "../p1/testdata/telegram4.dat"})
	require.NoError(t, err)
	var buf bytes.Buffer
	printer, err := NewPrinter(&buf, FormatText, FormatJSON, FormatXML)
	require.NoError(t, err)
	ms := &mockSink{}
	mx := metrics.New()
	m, err := New(src, Options{
		Log:     log2.NewTest(t, log2.LDebug),
		Sinks:   []Sink{printer, ms, mx},
		Metrics: mx,
	})
	require.NoError(t, err)

	tg, err := m.ReadOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "240615120000", tg.LocalTimestamp)
	assert.Equal(t, []p1.Telegram{tg}, ms.ts)

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "Timestamp: 240615120000\r\nActual: 0.345\r\n"), out)
	assert.Contains(t, out, `"Tariff2": 2345.678`)
	assert.Contains(t, out, "<Telegram>\n  <Timestamp>240615120000</Timestamp>")

	_, err = m.ReadOnce(context.Background())
	assert.Equal(t, KindEOF, ErrorKind(err))

	require.NoError(t, m.Close())
	assert.True(t, ms.closed)
	assert.NoError(t, m.Close())
}

func TestReadOnceChecksum(t *testing.T) {
	t.Parallel()

	bad := strings.Replace(telegramText("240615120000", "00.345"), "00.345", "00.999", 1)
	ms := &mockSink{}
	mx := metrics.New()
	m := newTestMeter(t, bad, Options{Sinks: []Sink{ms}, Metrics: mx})
	_, err := m.ReadOnce(context.Background())
	require.Error(t, err)
	assert.True(t, p1.IsChecksum(err))
	assert.Equal(t, KindChecksum, ErrorKind(err))
	assert.Equal(t, 0, ms.count())
	expect := `
# HELP p1meter_reads_total Telegram reads by result kind
# TYPE p1meter_reads_total counter
p1meter_reads_total{kind="checksum"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(mx.Registry(), strings.NewReader(expect), "p1meter_reads_total"))
}

func TestRunDaemon(t *testing.T) {
	t.Parallel()

	input := strings.Join([]string{
		"garbage from the middle of telegram\r\n",
		telegramText("240615120000", "00.345"),
		strings.Replace(telegramText("240615120010", "00.345"), "00.345", "00.999", 1),
		seal("/ISK5\\2M550T-1012", "1-0:1.7.0(0.3.4*kW)"),
		telegramText("240615120020", "00.400"),
	}, "")
	ms := &mockSink{}
	m := newTestMeter(t, input, Options{Sinks: []Sink{ms}})
	require.NoError(t, m.Run(context.Background()))
	require.Equal(t, 2, ms.count())
	assert.Equal(t, 0.345, ms.ts[0].Actual)
	assert.Equal(t, 0.4, ms.ts[1].Actual)
	assert.Equal(t, "240615120020", ms.ts[1].LocalTimestamp)
	require.NoError(t, m.Close())
}

func TestRunTolerant(t *testing.T) {
	t.Parallel()

	bad := strings.Replace(telegramText("240615120010", "00.345"), "00.345", "00.999", 1)
	now := time.Date(2026, time.October, 19, 8, 30, 0, 0, time.UTC)
	ms := &mockSink{}
	m := newTestMeter(t, bad, Options{
		Sinks:   []Sink{ms},
		Decoder: p1.Options{Checksum: p1.ChecksumTolerant, Now: func() time.Time { return now }},
	})
	require.NoError(t, m.Run(context.Background()))
	require.Equal(t, 1, ms.count())
	assert.Equal(t, p1.NewTelegram(now), ms.ts[0])
}

func TestRunSinkErrors(t *testing.T) {
	t.Parallel()

	input := telegramText("240615120000", "00.345") + telegramText("240615120010", "00.345")

	dup := &mockSink{err: errors.Trace(store.PersistenceError{Op: "insert", Duplicate: true, Err: &pgconn.PgError{Code: "23505"}})}
	m := newTestMeter(t, input, Options{Sinks: []Sink{dup}})
	require.NoError(t, m.Run(context.Background()), "duplicate is recoverable")
	assert.Equal(t, 2, dup.count())

	fatal := &mockSink{err: errors.Trace(store.PersistenceError{Op: "insert", Err: io.ErrClosedPipe})}
	other := &mockSink{}
	m = newTestMeter(t, input, Options{Sinks: []Sink{fatal, other}})
	err := m.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindPersistence, ErrorKind(err))
	assert.Equal(t, 1, fatal.count())
	assert.Equal(t, 1, other.count(), "every sink gets telegram")
}

func TestRunStop(t *testing.T) {
	t.Parallel()

	ms := &mockSink{}
	m := newTestMeter(t, telegramText("240615120000", "00.345")+telegramText("240615120010", "00.345"),
		Options{Sinks: []Sink{ms}, Interval: time.Hour})
	done := make(chan error)
	go func() { done <- m.Run(context.Background()) }()
	require.Eventually(t, func() bool { return ms.count() == 1 }, 5*time.Second, 5*time.Millisecond)
	m.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.Equal(t, 1, ms.count())
	assert.NoError(t, m.Close())

	// stopped meter does not read
	assert.NoError(t, m.Run(context.Background()))
	assert.Equal(t, 1, ms.count())
}

func TestRunContext(t *testing.T) {
	t.Parallel()

	ms := &mockSink{}
	m := newTestMeter(t, telegramText("240615120000", "00.345")+telegramText("240615120010", "00.345"),
		Options{Sinks: []Sink{ms}, Interval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- m.Run(ctx) }()
	require.Eventually(t, func() bool { return ms.count() == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

// cancelSource cancels ctx on first read, like a signal arriving while meter is mid frame.
type cancelSource struct {
	*uart.Source
	once   sync.Once
	cancel context.CancelFunc
}

func (self *cancelSource) ReadSlice(delim byte) ([]byte, error) {
	self.once.Do(self.cancel)
	return self.Source.ReadSlice(delim)
}

// ctxSink fails on done ctx, as database/sql ExecContext does.
type ctxSink struct{ mockSink }

func (self *ctxSink) Consume(ctx context.Context, t p1.Telegram) error {
	if err := ctx.Err(); err != nil {
		return store.PersistenceError{Op: "insert", Err: err}
	}
	return self.mockSink.Consume(ctx, t)
}

func TestRunCancelMidFrame(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	input := telegramText("240615120000", "00.345") + telegramText("240615120010", "00.345")
	src := &cancelSource{Source: uart.NewSource(strings.NewReader(input), "test"), cancel: cancel}
	sink := &ctxSink{}
	mx := metrics.New()
	m, err := New(src, Options{
		Log:         log2.NewTest(t, log2.LDebug),
		Sinks:       []Sink{sink, mx},
		Metrics:     mx,
		SinkTimeout: time.Second,
	})
	require.NoError(t, err)

	err = m.Run(ctx)
	require.NoError(t, err, errors.ErrorStack(err))
	require.Equal(t, 1, sink.count(), "telegram read during shutdown is stored")
	assert.Equal(t, "240615120000", sink.ts[0].LocalTimestamp)
	expect := `
# HELP p1meter_reads_total Telegram reads by result kind
# TYPE p1meter_reads_total counter
p1meter_reads_total{kind="ok"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(mx.Registry(), strings.NewReader(expect), "p1meter_reads_total"))
	assert.NoError(t, m.Close())
}

func TestReadOnceSinkTimeout(t *testing.T) {
	t.Parallel()

	var deadline time.Time
	sink := sinkFunc(func(ctx context.Context, _ p1.Telegram) error {
		deadline, _ = ctx.Deadline()
		return nil
	})
	m := newTestMeter(t, telegramText("240615120000", "00.345"), Options{Sinks: []Sink{sink}, SinkTimeout: time.Minute})
	begin := time.Now()
	_, err := m.ReadOnce(context.Background())
	require.NoError(t, err)
	assert.WithinDuration(t, begin.Add(time.Minute), deadline, 5*time.Second)
}

type sinkFunc func(context.Context, p1.Telegram) error

func (f sinkFunc) Consume(ctx context.Context, t p1.Telegram) error { return f(ctx, t) }

func TestErrorKind(t *testing.T) {
	t.Parallel()

	timeout := p1.StreamError{Op: p1.OpReadBody, Err: uart.ErrTimeout}
	cases := []struct {
		err    error
		expect string
	}{
		{nil, KindOK},
		{errors.Trace(p1.StreamError{Op: p1.OpFindStart, Err: io.EOF}), KindEOF},
		{errors.Annotate(timeout, "source=test"), KindTimeout},
		{p1.StreamError{Op: p1.OpReadBody, Err: io.ErrUnexpectedEOF}, KindStream},
		{p1.ChecksumError{Declared: "ABCD", Computed: 0x1234}, KindChecksum},
		{errors.Trace(p1.MalformedError{Reason: "non-ASCII byte"}), KindMalformed},
		{store.PersistenceError{Op: "insert", Duplicate: true}, KindDuplicate},
		{store.PersistenceError{Op: "ping"}, KindPersistence},
		{errors.NotValidf("config source.device empty"), KindConfig},
		{fmt.Errorf("surprise"), KindUnknown},
	}
	for _, c := range cases {
		assert.Equal(t, c.expect, ErrorKind(c.err), "err=%v", c.err)
	}
	assert.True(t, Recoverable(timeout))
	assert.False(t, Recoverable(p1.StreamError{Op: p1.OpReadBody, Err: io.ErrUnexpectedEOF}))
}

func TestPrinter(t *testing.T) {
	t.Parallel()

	_, err := NewPrinter(io.Discard, "csv")
	assert.True(t, errors.IsNotValid(err))

	var buf bytes.Buffer
	p, err := NewPrinter(&buf, FormatJSON)
	require.NoError(t, err)
	require.NoError(t, p.Consume(context.Background(), p1.Telegram{LocalTimestamp: "240615120000", Epoch: 1718449200, Actual: 0.345}))
	r, err := p1.ParseRecord(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 0.345, r.Actual)
	assert.Equal(t, int64(1718449200), r.Epoch)
}

func TestWeekSink(t *testing.T) {
	t.Parallel()

	mx := metrics.New()
	ws := WeekSink{Tracker: week.NewTracker(week.NewMemoryBaseline(), nil), Metrics: mx, Log: log2.NewTest(t, log2.LDebug)}
	at := time.Date(2024, time.June, 15, 12, 0, 0, 0, time.UTC)
	require.NoError(t, ws.Consume(context.Background(), p1.Telegram{Epoch: at.Unix(), Tariff1: 10, Tariff2: 5}))
	require.NoError(t, ws.Consume(context.Background(), p1.Telegram{Epoch: at.Unix() + 60, Tariff1: 11, Tariff2: 5.5}))
	expect := `
# HELP p1meter_week_kwh Energy consumed since Monday 00:00 UTC in kilowatt.hour
# TYPE p1meter_week_kwh gauge
p1meter_week_kwh 1.5
`
	assert.NoError(t, testutil.GatherAndCompare(mx.Registry(), strings.NewReader(expect), "p1meter_week_kwh"))

	// baseline failure does not fail telegram
	broken := WeekSink{Tracker: week.NewTracker(failBaseline{}, nil), Log: log2.NewTest(t, log2.LDebug)}
	assert.NoError(t, broken.Consume(context.Background(), p1.Telegram{}))
}

type failBaseline struct{}

func (failBaseline) Baseline(context.Context, int64, float64) (float64, error) {
	return 0, fmt.Errorf("redis: connection refused")
}
