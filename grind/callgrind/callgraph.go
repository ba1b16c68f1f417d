package callgrind

// CalledFrom lists the callers of ordinal in parse order.
func (f *File) CalledFrom(ordinal int) ([]Call, error) {
	if err := f.checkOrdinal(ordinal); err != nil {
		return nil, err
	}
	calls := make([]Call, 0, len(f.incoming[ordinal]))
	for _, idx := range f.incoming[ordinal] {
		e := f.edges[idx]
		calls = append(calls, Call{Function: e.Caller, Line: e.Line, Calls: e.Calls, Cost: e.Cost})
	}
	return calls, nil
}

// SubCalls lists the callees of ordinal in parse order.
func (f *File) SubCalls(ordinal int) ([]Call, error) {
	if err := f.checkOrdinal(ordinal); err != nil {
		return nil, err
	}
	calls := make([]Call, 0, len(f.outgoing[ordinal]))
	for _, idx := range f.outgoing[ordinal] {
		e := f.edges[idx]
		calls = append(calls, Call{Function: e.Callee, Line: e.Line, Calls: e.Calls, Cost: e.Cost})
	}
	return calls, nil
}

// CalledByHost reports whether some invocations of ordinal are not
// accounted for by any recorded caller, which means the trace's entry point
// invoked it.
func (f *File) CalledByHost(ordinal int) (bool, error) {
	if err := f.checkOrdinal(ordinal); err != nil {
		return false, err
	}
	var found int64
	for _, idx := range f.incoming[ordinal] {
		found += f.edges[idx].Calls
	}
	return found < f.functions[ordinal].InvocationCount, nil
}

// CumulativeCost is the self cost of ordinal plus the cost attributed
// through its outgoing calls.
func (f *File) CumulativeCost(ordinal int) (int64, error) {
	if err := f.checkOrdinal(ordinal); err != nil {
		return 0, err
	}
	return f.cumulativeCosts()[ordinal], nil
}

func (f *File) cumulativeCosts() []int64 {
	f.cumulativeOnce.Do(func() {
		f.cumulative = resolveCumulative(f.functions, f.edges, f.outgoing)
	})
	return f.cumulative
}

type visitState uint8

const (
	unvisited visitState = iota
	inProgress
	resolved
)

// resolveCumulative computes every cumulative cost once. An edge with a
// recorded cost contributes that cost. An edge without one contributes the
// callee's cumulative cost scaled by the share of the callee's invocations
// it accounts for. Edges back into a function that is still being resolved
// contribute nothing, which breaks recursion and call cycles.
func resolveCumulative(functions []Function, edges []CallEdge, outgoing [][]int) []int64 {
	cum := make([]int64, len(functions))
	state := make([]visitState, len(functions))

	var visit func(ord int) int64
	visit = func(ord int) int64 {
		if state[ord] != unvisited {
			return cum[ord]
		}
		state[ord] = inProgress
		cum[ord] = functions[ord].SelfCost
		for _, idx := range outgoing[ord] {
			e := edges[idx]
			if e.HasCost {
				cum[ord] += e.Cost
				continue
			}
			if state[e.Callee] == inProgress {
				continue
			}
			callee := visit(e.Callee)
			inv := functions[e.Callee].InvocationCount
			if inv > 0 && e.Calls < inv {
				callee = int64(float64(callee) * float64(e.Calls) / float64(inv))
			}
			cum[ord] += callee
		}
		state[ord] = resolved
		return cum[ord]
	}

	for ord := range functions {
		visit(ord)
	}
	return cum
}
