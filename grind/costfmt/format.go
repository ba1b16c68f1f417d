// Package costfmt turns raw trace costs into display values.
package costfmt

import (
	"fmt"
	"math"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

type Unit string

const (
	Percent Unit = "percent"
	Usec    Unit = "usec"
	Msec    Unit = "msec"
)

func ParseUnit(s string) (Unit, error) {
	switch u := Unit(strings.ToLower(strings.TrimSpace(s))); u {
	case Percent, Usec, Msec:
		return u, nil
	}
	return "", fmt.Errorf("unknown cost format %q", s)
}

// EventUnit is the unit the profiler recorded its time event in, as declared
// by the "events:" header.
type EventUnit int

const (
	EventUnknown EventUnit = iota
	EventMicroseconds
	EventTenNanoseconds
	EventNanoseconds
)

func (e EventUnit) String() string {
	switch e {
	case EventMicroseconds:
		return "us"
	case EventTenNanoseconds:
		return "10ns"
	case EventNanoseconds:
		return "ns"
	}
	return "unknown"
}

// EventUnitOf inspects the first event of an "events:" header value.
// Xdebug 2 writes "Time" in microseconds, Xdebug 3 writes "Time_(10ns)".
func EventUnitOf(events string) EventUnit {
	fields := strings.Fields(events)
	if len(fields) == 0 {
		return EventUnknown
	}
	switch fields[0] {
	case "Time", "Time_(us)", "Time_(µs)":
		return EventMicroseconds
	case "Time_(10ns)":
		return EventTenNanoseconds
	case "Time_(ns)":
		return EventNanoseconds
	}
	return EventUnknown
}

// perMicro is the number of raw units in one microsecond.
func (e EventUnit) perMicro() (float64, bool) {
	switch e {
	case EventMicroseconds:
		return 1, true
	case EventTenNanoseconds:
		return 100, true
	case EventNanoseconds:
		return 1000, true
	}
	return 0, false
}

// Context carries what a conversion needs besides the raw value.
type Context struct {
	// Total is the denominator for Percent.
	Total  int64
	Events EventUnit
}

type Cost struct {
	Value float64 `json:"value"`
	Text  string  `json:"text"`
	// Degraded is set when the trace declared a time unit we do not know, so
	// the raw value was shown as if it already were in the requested unit.
	Degraded bool `json:"degraded,omitempty"`
}

// Formatter renders numbers with a fixed English convention ("." decimal
// point, "," grouping) no matter what the host locale is.
type Formatter struct {
	p *message.Printer
}

func New() *Formatter {
	return &Formatter{p: message.NewPrinter(language.English)}
}

func (f *Formatter) Format(raw int64, unit Unit, ctx Context) Cost {
	switch unit {
	case Percent:
		v := 0.0
		if ctx.Total != 0 {
			v = float64(raw) * 100 / float64(ctx.Total)
		}
		return Cost{Value: v, Text: f.p.Sprintf("%.2f", v)}
	case Msec, Usec:
		per, ok := ctx.Events.perMicro()
		if !ok {
			return Cost{Value: float64(raw), Text: f.p.Sprintf("%d", raw), Degraded: true}
		}
		if unit == Msec {
			per *= 1000
		}
		v := math.Round(float64(raw) / per)
		return Cost{Value: v, Text: f.p.Sprintf("%d", int64(v))}
	}
	return Cost{Value: float64(raw), Text: f.p.Sprintf("%d", raw), Degraded: true}
}
