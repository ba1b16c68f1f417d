// Package callgrind reads the cost dumps written by Xdebug's profiler
// (callgrind format) into an ordinal indexed function table and call graph.
package callgrind

import (
	"sync"
)

// Function is one merged function record. Ordinals are assigned in the order
// names are first seen and stay stable for the life of the File.
type Function struct {
	Ordinal         int    `json:"nr"`
	Name            string `json:"functionName"`
	File            string `json:"file"`
	Line            int    `json:"line"`
	SelfCost        int64  `json:"summedSelfCostRaw"`
	CumulativeCost  int64  `json:"summedInclusiveCostRaw"`
	InvocationCount int64  `json:"invocationCount"`
	CalledFromCount int    `json:"calledFromInfoCount"`
	SubCallCount    int    `json:"subCallInfoCount"`
}

// CallEdge is a merged (caller, callee, call site) relationship.
type CallEdge struct {
	Caller int
	Callee int
	Line   int
	Calls  int64
	Cost   int64
	// HasCost is false when none of the call's cost lines carried an event
	// value, only a position.
	HasCost bool
}

// Call is one row of CalledFrom or SubCalls. Function is the ordinal on the
// other side of the edge.
type Call struct {
	Function int   `json:"functionNr"`
	Line     int   `json:"line"`
	Calls    int64 `json:"callCount"`
	Cost     int64 `json:"summedCallCostRaw"`
}

// File is a fully parsed trace. It is never modified after Parse returns and
// is safe for concurrent use.
type File struct {
	Name   string
	Header map[string]string

	functions []Function
	edges     []CallEdge
	// incoming and outgoing hold edge indexes per ordinal, in parse order.
	incoming [][]int
	outgoing [][]int

	cumulativeOnce sync.Once
	cumulative     []int64
}

func (f *File) FunctionCount() int {
	return len(f.functions)
}

// FunctionInfo returns the record for ordinal with its cumulative cost
// resolved.
func (f *File) FunctionInfo(ordinal int) (Function, error) {
	if err := f.checkOrdinal(ordinal); err != nil {
		return Function{}, err
	}
	fn := f.functions[ordinal]
	fn.CumulativeCost = f.cumulativeCosts()[ordinal]
	return fn, nil
}

// Functions returns a copy of every record, cumulative costs included.
func (f *File) Functions() []Function {
	cum := f.cumulativeCosts()
	out := make([]Function, len(f.functions))
	copy(out, f.functions)
	for i := range out {
		out[i].CumulativeCost = cum[i]
	}
	return out
}

func (f *File) Edges() []CallEdge {
	out := make([]CallEdge, len(f.edges))
	copy(out, f.edges)
	return out
}

func (f *File) HeaderValue(key string) (string, bool) {
	v, ok := f.Header[key]
	return v, ok
}

// HeaderOr returns the header value for key, or defaultValue when absent.
func (f *File) HeaderOr(key, defaultValue string) string {
	if v, found := f.Header[key]; found {
		return v
	}
	return defaultValue
}

// TotalSelfCost sums the self cost of every function.
func (f *File) TotalSelfCost() int64 {
	var total int64
	for i := range f.functions {
		total += f.functions[i].SelfCost
	}
	return total
}
