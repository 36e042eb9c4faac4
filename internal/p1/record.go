package p1

import (
	"encoding/json"
	"encoding/xml"

	"github.com/juju/errors"
)

// Record is the external encoding of Telegram for publishing and printing.
type Record struct {
	XMLName   xml.Name `json:"-" xml:"Telegram"`
	Timestamp string   `json:"Timestamp" xml:"Timestamp"`
	Epoch     int64    `json:"Epoch" xml:"Epoch"`
	Actual    float64  `json:"Actual" xml:"Actual"`
	Tariff1   float64  `json:"Tariff1" xml:"Tariff1"`
	Tariff2   float64  `json:"Tariff2" xml:"Tariff2"`
	Gas       float64  `json:"Gas" xml:"Gas"`
	// this week's consumption, kWh
	Week *float64 `json:"Week,omitempty" xml:"Week,omitempty"`
}

func (t Telegram) Record() Record {
	return Record{
		Timestamp: t.LocalTimestamp,
		Epoch:     t.Epoch,
		Actual:    t.Actual,
		Tariff1:   t.Tariff1,
		Tariff2:   t.Tariff2,
		Gas:       t.Gas,
	}
}

func (r Record) WithWeek(week float64) Record {
	r.Week = &week
	return r
}

func (r Record) Telegram() Telegram {
	return Telegram{
		LocalTimestamp: r.Timestamp,
		Epoch:          r.Epoch,
		Actual:         r.Actual,
		Tariff1:        r.Tariff1,
		Tariff2:        r.Tariff2,
		Gas:            r.Gas,
	}
}

func ParseRecord(b []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return Record{}, errors.Annotatef(err, "p1 record json=%q", b)
	}
	return r, nil
}
