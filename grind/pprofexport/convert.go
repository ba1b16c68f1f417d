// Package pprofexport turns a parsed trace into a pprof profile and pushes
// it to Pyroscope.
package pprofexport

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/pprof/profile"

	"github.com/Emyrk/grindview/grind/callgrind"
	"github.com/Emyrk/grindview/grind/costfmt"
)

const (
	SampleCost  = "cost"
	SampleCalls = "calls"
)

// Converter builds one profile. Locations are shared by ordinal, so every
// function appears once in the profile tables.
type Converter struct {
	file   *callgrind.File
	scale  int64
	fid    uint64
	locs   map[int]*profile.Location
	result *profile.Profile
}

// New prepares a conversion of f. Costs are reported in nanoseconds when
// the trace's time unit is known and as raw units otherwise.
func New(f *callgrind.File, events costfmt.EventUnit, modTime time.Time) *Converter {
	unit, scale := "units", int64(1)
	switch events {
	case costfmt.EventMicroseconds:
		unit, scale = "nanoseconds", 1000
	case costfmt.EventTenNanoseconds:
		unit, scale = "nanoseconds", 10
	case costfmt.EventNanoseconds:
		unit, scale = "nanoseconds", 1
	}

	return &Converter{
		file:  f,
		scale: scale,
		locs:  make(map[int]*profile.Location),
		result: &profile.Profile{
			SampleType: []*profile.ValueType{
				{Type: SampleCost, Unit: unit},
				{Type: SampleCalls, Unit: "count"},
			},
			DefaultSampleType: SampleCost,
			Sample:            []*profile.Sample{},
			Location:          []*profile.Location{},
			Function:          []*profile.Function{},
			Comments:          comments(f),
			TimeNanos:         modTime.UnixNano(),
		},
	}
}

func comments(f *callgrind.File) []string {
	var out []string
	for _, key := range []string{"creator", "cmd", "events"} {
		if v, ok := f.HeaderValue(key); ok {
			out = append(out, key+": "+v)
		}
	}
	return out
}

// Convert emits one cost sample per function and one call-count sample per
// call edge. The trace only records caller/callee pairs, not full stacks,
// so a function's self cost is attached to the chain of its dominant
// callers: at every step the caller with the most calls that is not
// already on the chain.
func (c *Converter) Convert() *profile.Profile {
	fns := c.file.Functions()
	for _, fn := range fns {
		if fn.SelfCost == 0 {
			continue
		}
		c.result.Sample = append(c.result.Sample, &profile.Sample{
			Location: c.stack(fn.Ordinal),
			Value:    []int64{fn.SelfCost * c.scale, 0},
		})
	}

	for _, e := range c.file.Edges() {
		c.result.Sample = append(c.result.Sample, &profile.Sample{
			// location[0] is the leaf.
			Location: []*profile.Location{c.location(fns[e.Callee]), c.location(fns[e.Caller])},
			Value:    []int64{0, e.Calls},
		})
	}

	var total int64
	for _, fn := range fns {
		total += fn.SelfCost
	}
	c.result.DurationNanos = total * c.scale
	return c.result
}

func (c *Converter) Encode() ([]byte, error) {
	var buf bytes.Buffer
	err := c.result.Write(&buf)
	if err != nil {
		return nil, fmt.Errorf("write profile: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *Converter) stack(ordinal int) []*profile.Location {
	seen := map[int]bool{ordinal: true}
	fn, _ := c.file.FunctionInfo(ordinal)
	stack := []*profile.Location{c.location(fn)}
	for cur := ordinal; ; {
		callers, _ := c.file.CalledFrom(cur)
		next, best := -1, int64(-1)
		for _, call := range callers {
			if !seen[call.Function] && call.Calls > best {
				next, best = call.Function, call.Calls
			}
		}
		if next < 0 {
			return stack
		}
		seen[next] = true
		caller, _ := c.file.FunctionInfo(next)
		stack = append(stack, c.location(caller))
		cur = next
	}
}

func (c *Converter) location(fn callgrind.Function) *profile.Location {
	if loc, found := c.locs[fn.Ordinal]; found {
		return loc
	}

	c.fid++
	pf := &profile.Function{
		ID:         c.fid,
		Name:       fn.Name,
		SystemName: fn.Name,
		Filename:   fn.File,
		StartLine:  int64(fn.Line),
	}
	c.result.Function = append(c.result.Function, pf)

	loc := &profile.Location{
		ID:   c.fid,
		Line: []profile.Line{{Function: pf, Line: pf.StartLine}},
	}
	c.locs[fn.Ordinal] = loc
	c.result.Location = append(c.result.Location, loc)
	return loc
}

// Convert is New(...).Convert().
func Convert(f *callgrind.File, events costfmt.EventUnit, modTime time.Time) *profile.Profile {
	return New(f, events, modTime).Convert()
}
