package meter

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"io"

	"github.com/juju/errors"
	"github.com/temoto/p1meter/internal/metrics"
	"github.com/temoto/p1meter/internal/p1"
	"github.com/temoto/p1meter/internal/week"
	"github.com/temoto/p1meter/log2"
)

const (
	FormatText = "text"
	FormatJSON = "json"
	FormatXML  = "xml"
)

// Printer writes telegram in each of formats.
type Printer struct {
	w       io.Writer
	formats []string
}

func NewPrinter(w io.Writer, formats ...string) (*Printer, error) {
	for _, f := range formats {
		switch f {
		case FormatText, FormatJSON, FormatXML:
		default:
			return nil, errors.NotValidf("output format=%q", f)
		}
	}
	return &Printer{w: w, formats: formats}, nil
}

func (self *Printer) Consume(_ context.Context, t p1.Telegram) error {
	for _, f := range self.formats {
		var b []byte
		var err error
		switch f {
		case FormatText:
			b = []byte(t.String())
		case FormatJSON:
			b, err = json.MarshalIndent(t.Record(), "", "  ")
			b = append(b, '\n')
		case FormatXML:
			b, err = xml.MarshalIndent(t.Record(), "", "  ")
			b = append(b, '\n')
		}
		if err != nil {
			return errors.Annotatef(err, "print format=%s", f)
		}
		if _, err = self.w.Write(b); err != nil {
			return errors.Annotate(err, "print")
		}
	}
	return nil
}

// WeekSink reports this week's consumption to log and metrics.
type WeekSink struct {
	Tracker *week.Tracker
	Metrics *metrics.Metrics
	Log     *log2.Log
}

func (self WeekSink) Consume(ctx context.Context, t p1.Telegram) error {
	w, err := self.Tracker.Observe(ctx, t)
	if err != nil {
		// aggregate is best effort, telegram is still good
		self.Log.Error(errors.Annotate(err, "week"))
		return nil
	}
	self.Log.Debugf("week consumption=%v kWh", w)
	if self.Metrics != nil {
		self.Metrics.ObserveWeek(w)
	}
	return nil
}
