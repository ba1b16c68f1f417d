package callgrind

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const maxLineSize = 16 << 20

// Open parses the trace at path. Errors from the file system are wrapped, so
// errors.Is(err, fs.ErrNotExist) still works.
func Open(path string) (*File, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace: %w", err)
	}
	defer fd.Close()

	return Parse(fd, filepath.Base(path))
}

// Parse reads a whole trace in a single pass. On error no File is returned.
func Parse(r io.Reader, name string) (*File, error) {
	p := newParser(r, name)
	if err := p.parseHeader(); err != nil {
		return nil, err
	}
	if err := p.parseBody(); err != nil {
		return nil, err
	}
	return p.finish()
}

type callState int

const (
	stateNone callState = iota
	// A cfn= line was read, a calls= line must follow.
	stateCalls
	// A calls= line was read, the call's cost line must follow.
	stateCallCost
)

type edgeKey struct {
	caller, callee, line int
}

type parser struct {
	name   string
	sc     *bufio.Scanner
	lineNo int

	file    *File
	byName  map[string]int
	byEdge  map[edgeKey]int
	files   compressed
	fns     compressed
	// posSize is the number of position columns of a cost line, linePos the
	// column holding the source line.
	posSize int
	linePos int

	curFile    string
	calleeFile string
	curFn      int
	// lastPos holds the previous value of every position column, relative
	// positions are resolved against it.
	lastPos []int64

	state     callState
	callee    int
	callCount int64
}

func newParser(r io.Reader, name string) *parser {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	return &parser{
		name: name,
		sc:   sc,
		file: &File{
			Name:   name,
			Header: make(map[string]string),
		},
		byName:  make(map[string]int),
		byEdge:  make(map[edgeKey]int),
		files:   make(compressed),
		fns:     make(compressed),
		posSize: 1,
		curFn:   -1,
	}
}

func (p *parser) errorf(format string, args ...any) error {
	return &ParseError{File: p.name, Line: p.lineNo, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) scan() (string, bool) {
	if !p.sc.Scan() {
		return "", false
	}
	p.lineNo++
	return strings.TrimRight(p.sc.Text(), "\r"), true
}

func (p *parser) scanErr() error {
	if err := p.sc.Err(); err != nil {
		return p.errorf("read: %v", err)
	}
	return nil
}

func (p *parser) parseHeader() error {
	for {
		line, ok := p.scan()
		if !ok {
			return p.scanErr()
		}
		if strings.TrimSpace(line) == "" {
			return nil
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := headerLine(line)
		if !ok {
			return p.errorf("malformed header line %q", line)
		}
		p.setHeader(key, value)
	}
}

func (p *parser) setHeader(key, value string) {
	p.file.Header[key] = value
	if key == "positions" {
		cols := strings.Fields(value)
		if len(cols) > 0 {
			p.posSize = len(cols)
			p.linePos = 0
			for i, c := range cols {
				if c == "line" {
					p.linePos = i
				}
			}
		}
	}
}

// headerLine splits "key: value". Keys are restricted to word characters so
// body records such as "fn=foo::bar" are never taken for a header.
func headerLine(line string) (string, string, bool) {
	key, value, ok := strings.Cut(line, ":")
	if !ok || key == "" {
		return "", "", false
	}
	for _, c := range key {
		if !(c == '_' || c == '-' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return "", "", false
		}
	}
	return key, strings.TrimSpace(value), true
}

func (p *parser) parseBody() error {
	for {
		line, ok := p.scan()
		if !ok {
			if err := p.scanErr(); err != nil {
				return err
			}
			if p.state != stateNone {
				return p.errorf("unexpected end of file inside call to %q", p.file.functions[p.callee].Name)
			}
			return nil
		}
		if err := p.parseLine(line); err != nil {
			return err
		}
	}
}

func (p *parser) parseLine(line string) error {
	if line == "" || line[0] == '#' {
		if p.state != stateNone && line == "" {
			return p.errorf("truncated call to %q", p.file.functions[p.callee].Name)
		}
		return nil
	}

	switch p.state {
	case stateCalls:
		if !strings.HasPrefix(line, "calls=") {
			return p.errorf("expected calls= line after call to %q", p.file.functions[p.callee].Name)
		}
		return p.parseCalls(line[len("calls="):])
	case stateCallCost:
		if !isCostLine(line) {
			return p.errorf("expected cost line after calls= for %q", p.file.functions[p.callee].Name)
		}
		return p.parseCallCost(line)
	}

	if isCostLine(line) {
		return p.parseSelfCost(line)
	}

	spec, value, ok := strings.Cut(line, "=")
	if ok && !strings.Contains(spec, " ") {
		return p.parseSpec(spec, value)
	}

	if key, value, ok := headerLine(line); ok {
		p.setHeader(key, value)
		return nil
	}

	return p.errorf("unrecognized line %q", line)
}

func (p *parser) parseSpec(spec, value string) error {
	switch spec {
	case "fl", "fi", "fe":
		name, err := p.files.resolve(value)
		if err != nil {
			return p.errorf("%v", err)
		}
		p.curFile = name
		p.calleeFile = ""
	case "fn":
		name, err := p.fns.resolve(value)
		if err != nil {
			return p.errorf("%v", err)
		}
		ord := p.function(name, p.curFile)
		p.file.functions[ord].InvocationCount++
		p.curFn = ord
	case "cfl", "cfi":
		name, err := p.files.resolve(value)
		if err != nil {
			return p.errorf("%v", err)
		}
		p.calleeFile = name
	case "cfn":
		if p.curFn < 0 {
			return p.errorf("call record before any function")
		}
		name, err := p.fns.resolve(value)
		if err != nil {
			return p.errorf("%v", err)
		}
		file := p.calleeFile
		if file == "" {
			file = p.curFile
		}
		p.callee = p.function(name, file)
		p.calleeFile = ""
		p.state = stateCalls
	case "calls":
		return p.errorf("calls= without a preceding cfn=")
	default:
		// ob=, cob=, jump=, jcnd= and friends carry nothing this viewer uses.
	}
	return nil
}

// function returns the ordinal for name, allocating one on first sight.
func (p *parser) function(name, file string) int {
	if ord, ok := p.byName[name]; ok {
		return ord
	}
	ord := len(p.file.functions)
	p.byName[name] = ord
	p.file.functions = append(p.file.functions, Function{
		Ordinal: ord,
		Name:    name,
		File:    file,
	})
	p.file.incoming = append(p.file.incoming, nil)
	p.file.outgoing = append(p.file.outgoing, nil)
	return ord
}

func (p *parser) parseCalls(value string) error {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return p.errorf("empty calls= line")
	}
	n, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return p.errorf("invalid call count %q", fields[0])
	}
	p.callCount = n
	p.state = stateCallCost
	return nil
}

func (p *parser) parseSelfCost(line string) error {
	if p.curFn < 0 {
		return p.errorf("cost line before any function")
	}
	pos, cost, _, err := p.costLine(line)
	if err != nil {
		return err
	}
	fn := &p.file.functions[p.curFn]
	if fn.Line == 0 {
		fn.Line = int(pos)
	}
	fn.SelfCost += cost
	return nil
}

func (p *parser) parseCallCost(line string) error {
	pos, cost, hasCost, err := p.costLine(line)
	if err != nil {
		return err
	}

	key := edgeKey{caller: p.curFn, callee: p.callee, line: int(pos)}
	idx, ok := p.byEdge[key]
	if !ok {
		idx = len(p.file.edges)
		p.byEdge[key] = idx
		p.file.edges = append(p.file.edges, CallEdge{
			Caller: p.curFn,
			Callee: p.callee,
			Line:   int(pos),
		})
		p.file.outgoing[p.curFn] = append(p.file.outgoing[p.curFn], idx)
		p.file.incoming[p.callee] = append(p.file.incoming[p.callee], idx)
	}
	edge := &p.file.edges[idx]
	edge.Calls += p.callCount
	edge.Cost += cost
	edge.HasCost = edge.HasCost || hasCost

	p.state = stateNone
	return nil
}

// costLine parses "<position...> <event cost...>" and returns the first
// position and the first event cost.
func (p *parser) costLine(line string) (int64, int64, bool, error) {
	fields := strings.Fields(line)
	if len(fields) < p.posSize {
		return 0, 0, false, p.errorf("cost line %q has fewer than %d position fields", line, p.posSize)
	}

	if len(p.lastPos) != p.posSize {
		p.lastPos = make([]int64, p.posSize)
	}
	var first int64
	for i := 0; i < p.posSize; i++ {
		pos, err := p.position(i, fields[i])
		if err != nil {
			return 0, 0, false, err
		}
		if i == p.linePos {
			first = pos
		}
	}

	costs := fields[p.posSize:]
	for _, c := range costs {
		if _, err := strconv.ParseInt(c, 10, 64); err != nil {
			return 0, 0, false, p.errorf("invalid cost %q", c)
		}
	}
	if len(costs) == 0 {
		return first, 0, false, nil
	}
	cost, _ := strconv.ParseInt(costs[0], 10, 64)
	return first, cost, true, nil
}

// position resolves absolute and relative ("+n", "-n", "*") values of
// position column col.
func (p *parser) position(col int, field string) (int64, error) {
	var (
		v   int64
		err error
	)
	switch field[0] {
	case '*':
		v = p.lastPos[col]
	case '+':
		v, err = parseNumber(field[1:])
		v = p.lastPos[col] + v
	case '-':
		v, err = parseNumber(field[1:])
		v = p.lastPos[col] - v
	default:
		v, err = parseNumber(field)
	}
	if err != nil {
		return 0, p.errorf("invalid position %q", field)
	}
	p.lastPos[col] = v
	return v, nil
}

// parseNumber accepts decimal and, for instruction addresses, 0x-prefixed
// hex.
func parseNumber(s string) (int64, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseInt(s[2:], 16, 64)
	}
	return strconv.ParseInt(s, 10, 64)
}

func isCostLine(line string) bool {
	c := line[0]
	return c >= '0' && c <= '9' || c == '+' || c == '-' || c == '*'
}

func (p *parser) finish() (*File, error) {
	if _, ok := p.file.Header["events"]; !ok {
		return nil, &ParseError{File: p.name, Line: p.lineNo, Msg: `missing required "events" header`}
	}
	for i := range p.file.functions {
		p.file.functions[i].CalledFromCount = len(p.file.incoming[i])
		p.file.functions[i].SubCallCount = len(p.file.outgoing[i])
	}
	return p.file, nil
}

// headerPeekLines bounds ReadHeader so listing a directory of large traces
// stays cheap.
const headerPeekLines = 20

// ReadHeader reads only the leading "key: value" block of the trace at path,
// at most headerPeekLines lines. Malformed lines are skipped rather than
// reported, the full parse will report them.
func ReadHeader(path string) (map[string]string, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace: %w", err)
	}
	defer fd.Close()

	header := make(map[string]string)
	sc := bufio.NewScanner(fd)
	sc.Buffer(make([]byte, 4096), maxLineSize)
	for i := 0; i < headerPeekLines && sc.Scan(); i++ {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			break
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		if key, value, ok := headerLine(line); ok {
			header[key] = value
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	return header, nil
}
