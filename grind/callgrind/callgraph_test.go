package callgrind_test

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Emyrk/grindview/grind/callgrind"
)

func TestCalledByHost(t *testing.T) {
	// f is invoked 5 times, callers account for 3 of them.
	const trace = `version: 1
events: Time

fn=main
1 1
cfn=f
calls=2 0
2 4
cfn=f
calls=1 0
3 2

fn=f
1 1
fn=f
1 1
fn=f
1 1
fn=f
1 1
fn=f
1 1
`
	f, err := callgrind.Parse(strings.NewReader(trace), "host")
	require.NoError(t, err)

	fn, err := f.FunctionInfo(1)
	require.NoError(t, err)
	require.Equal(t, "f", fn.Name)
	require.EqualValues(t, 5, fn.InvocationCount)

	from, err := f.CalledFrom(1)
	require.NoError(t, err)
	var sum int64
	for _, c := range from {
		sum += c.Calls
	}
	require.EqualValues(t, 3, sum)

	host, err := f.CalledByHost(1)
	require.NoError(t, err)
	require.True(t, host)

	// main has no callers at all.
	host, err = f.CalledByHost(0)
	require.NoError(t, err)
	require.True(t, host)

	_, err = f.CalledByHost(2)
	require.ErrorIs(t, err, callgrind.ErrIndexOutOfRange)
	_, err = f.CalledFrom(-1)
	require.ErrorIs(t, err, callgrind.ErrIndexOutOfRange)
	_, err = f.SubCalls(7)
	require.ErrorIs(t, err, callgrind.ErrIndexOutOfRange)
}

func TestCumulativeCostCycles(t *testing.T) {
	// The call cost lines carry only a position, so cumulative cost has to be
	// derived from the callees. a and b call each other, c calls itself.
	const trace = `version: 1
events: Time

fn=a
1 10
cfn=b
calls=1 0
5

fn=b
2 20
cfn=a
calls=1 0
7

fn=c
3 40
cfn=c
calls=4 0
3
`
	f, err := callgrind.Parse(strings.NewReader(trace), "cycle")
	require.NoError(t, err)

	a, err := f.CumulativeCost(0)
	require.NoError(t, err)
	require.EqualValues(t, 30, a, "a = self + b, b stops at the in-progress a")

	b, err := f.CumulativeCost(1)
	require.NoError(t, err)
	require.EqualValues(t, 20, b)

	c, err := f.CumulativeCost(2)
	require.NoError(t, err)
	require.EqualValues(t, 40, c, "self recursion adds nothing")
}

func TestCumulativeCostProRated(t *testing.T) {
	// d is invoked twice, e accounts for one of those calls and inherits
	// half of d's cost.
	const trace = `version: 1
events: Time

fn=e
1 5
cfn=d
calls=1 0
2

fn=d
1 20
fn=d
1 20
`
	f, err := callgrind.Parse(strings.NewReader(trace), "prorate")
	require.NoError(t, err)

	e, err := f.CumulativeCost(0)
	require.NoError(t, err)
	require.EqualValues(t, 25, e)
}

func TestConcurrentQueries(t *testing.T) {
	f := openFixture(t, "cachegrind.out.xdebug2")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ord := 0; ord < f.FunctionCount(); ord++ {
				_, err := f.FunctionInfo(ord)
				assert.NoError(t, err)
				_, err = f.CalledByHost(ord)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	main, err := f.CumulativeCost(3)
	require.NoError(t, err)
	require.EqualValues(t, 157, main)
}
