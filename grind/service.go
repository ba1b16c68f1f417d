// Package grind ties the trace store, the parse cache and the aggregation
// engine together into the operations the HTTP API, the CLI and the MCP
// server expose.
package grind

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/pprof/profile"
	"github.com/rs/zerolog"

	"github.com/Emyrk/grindview/grind/aggregate"
	"github.com/Emyrk/grindview/grind/callgrind"
	"github.com/Emyrk/grindview/grind/config"
	"github.com/Emyrk/grindview/grind/costfmt"
	"github.com/Emyrk/grindview/grind/dot"
	"github.com/Emyrk/grindview/grind/pprofexport"
	"github.com/Emyrk/grindview/grind/tracecache"
	"github.com/Emyrk/grindview/grind/tracefs"
)

// NewestTrace is the trace name that selects the most recent trace.
const NewestTrace = "0"

// Lister finds traces on disk.
type Lister interface {
	List() ([]tracefs.Trace, error)
	Stat(name string) (tracefs.Trace, error)
}

// Deleter removes a trace and whatever was derived from it.
type Deleter interface {
	Delete(name string) error
}

// Store is everything the service needs from the trace directory.
type Store interface {
	Lister
	Deleter
	ArtifactPath(name, suffix string) (string, error)
}

type Service struct {
	cfg        config.Config
	loc        *time.Location
	store      Store
	cache      *tracecache.Cache
	classifier *aggregate.Classifier
	formatter  *costfmt.Formatter
	logger     zerolog.Logger

	sourceRoots []string
}

func NewService(cfg config.Config, store Store, cache *tracecache.Cache, logger zerolog.Logger) (*Service, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	return &Service{
		cfg:        cfg,
		loc:        loc,
		store:      store,
		cache:      cache,
		classifier: aggregate.NewClassifier(cfg.KindPatterns),
		formatter:  costfmt.New(),
		logger:     logger.With().Str("component", "service").Logger(),

		sourceRoots: cleanSourceRoots(cfg.SourceRoots),
	}, nil
}

func (s *Service) Config() config.Config { return s.cfg }

type TraceInfo struct {
	Filename      string    `json:"filename"`
	Path          string    `json:"-"`
	ModTime       time.Time `json:"-"`
	MTime         string    `json:"mtime"`
	Size          int64     `json:"filesize"`
	InvokeCommand string    `json:"invokeUrl"`
}

// ListTraces returns the traces on disk, newest first.
func (s *Service) ListTraces(_ context.Context) ([]TraceInfo, error) {
	traces, err := s.store.List()
	if err != nil {
		return nil, err
	}
	out := make([]TraceInfo, 0, len(traces))
	for _, t := range traces {
		info := TraceInfo{
			Filename: t.Name,
			Path:     t.Path,
			ModTime:  t.ModTime,
			MTime:    s.formatTime(t.ModTime),
			Size:     t.Size,
		}
		header, err := callgrind.ReadHeader(t.Path)
		if err != nil {
			// Deleted or unreadable since the listing, keep the row.
			s.logger.Debug().Err(err).Str("trace", t.Name).Msg("read trace header")
		} else {
			info.InvokeCommand = header["cmd"]
		}
		out = append(out, info)
	}
	return out, nil
}

func (s *Service) formatTime(t time.Time) string {
	return t.In(s.loc).Format(s.cfg.DateFormat)
}

// resolve turns a request's trace name into a trace, NewestTrace and ""
// picking the most recent one.
func (s *Service) resolve(name string) (tracefs.Trace, error) {
	if name != "" && name != NewestTrace {
		return s.store.Stat(name)
	}
	traces, err := s.store.List()
	if err != nil {
		return tracefs.Trace{}, err
	}
	if len(traces) == 0 {
		return tracefs.Trace{}, fmt.Errorf("%w: no traces in %s", tracefs.ErrNotFound, s.cfg.ProfilerDir)
	}
	return traces[0], nil
}

// unit parses a requested cost format, falling back to the configured
// default when it is empty or unknown.
func (s *Service) unit(requested string) costfmt.Unit {
	if requested != "" {
		u, err := costfmt.ParseUnit(requested)
		if err == nil {
			return u
		}
		s.logger.Debug().Err(err).Msg("falling back to default cost format")
	}
	u, _ := costfmt.ParseUnit(s.cfg.DefaultCostFormat)
	return u
}

func (s *Service) load(ctx context.Context, name, costFormat string) (tracefs.Trace, *tracecache.Entry, error) {
	trace, err := s.resolve(name)
	if err != nil {
		return tracefs.Trace{}, nil, err
	}
	entry, err := s.cache.Get(ctx, trace.Path, s.unit(costFormat))
	if err != nil {
		return tracefs.Trace{}, nil, err
	}
	return trace, entry, nil
}

// runTotal is the whole run's cost: the summary header, else the totals
// header, else the summed self cost of every function.
func runTotal(f *callgrind.File) int64 {
	for _, key := range []string{"summary", "totals"} {
		v, ok := f.HeaderValue(key)
		if !ok {
			continue
		}
		fields := strings.Fields(v)
		if len(fields) == 0 {
			continue
		}
		n, err := strconv.ParseInt(fields[0], 10, 64)
		if err == nil {
			return n
		}
	}
	return f.TotalSelfCost()
}

func (s *Service) costContext(e *tracecache.Entry) costfmt.Context {
	return costfmt.Context{Total: runTotal(e.File), Events: e.Events}
}

type FunctionListRequest struct {
	File       string
	CostFormat string
	// Fraction and HideInternals default to the configuration when nil.
	Fraction      *float64
	HideInternals *bool
}

type FunctionRow struct {
	aggregate.Record
	SelfCostFormatted      costfmt.Cost `json:"summedSelfCost"`
	InclusiveCostFormatted costfmt.Cost `json:"summedInclusiveCost"`
}

type FunctionList struct {
	DataFile              string              `json:"dataFile"`
	CostFormat            costfmt.Unit        `json:"costFormat"`
	Functions             []FunctionRow       `json:"functions"`
	Breakdown             aggregate.Breakdown `json:"breakdown"`
	ShownTotal            int64               `json:"shownTotal"`
	SummedInvocationCount int64               `json:"summedInvocationCount"`
	SummedRunTime         costfmt.Cost        `json:"summedRunTime"`
	InvokeCommand         string              `json:"invokeUrl"`
	Runs                  string              `json:"runs"`
	MTime                 string              `json:"mtime"`
	LinkToFunctionLine    bool                `json:"linkToFunctionLine"`
}

func (s *Service) fraction(requested *float64) float64 {
	if requested == nil {
		return s.cfg.ShowFraction
	}
	return *requested
}

func (s *Service) hideInternals(requested *bool) bool {
	if requested == nil {
		return s.cfg.HideInternals
	}
	return *requested
}

// FunctionList returns the functions that make up the requested fraction of
// the shown cost, most expensive first, plus the per-kind breakdown.
func (s *Service) FunctionList(ctx context.Context, req FunctionListRequest) (*FunctionList, error) {
	trace, entry, err := s.load(ctx, req.File, req.CostFormat)
	if err != nil {
		return nil, err
	}
	f := entry.File
	hide := s.hideInternals(req.HideInternals)

	records := s.classifier.Records(f.Functions())
	breakdown, shownTotal := aggregate.ComputeBreakdown(records, hide)
	top := aggregate.SelectTopByFraction(aggregate.Shown(records, hide), s.fraction(req.Fraction))

	cctx := s.costContext(entry)
	rows := make([]FunctionRow, 0, len(top))
	for _, r := range top {
		rows = append(rows, FunctionRow{
			Record:                 r,
			SelfCostFormatted:      s.formatter.Format(r.SelfCost, entry.Key.Unit, cctx),
			InclusiveCostFormatted: s.formatter.Format(r.CumulativeCost, entry.Key.Unit, cctx),
		})
	}

	var invocations int64
	for _, r := range records {
		invocations += r.InvocationCount
	}

	runs := f.HeaderOr("runs", f.HeaderOr("part", ""))
	return &FunctionList{
		DataFile:              trace.Name,
		CostFormat:            entry.Key.Unit,
		Functions:             rows,
		Breakdown:             breakdown,
		ShownTotal:            shownTotal,
		SummedInvocationCount: invocations,
		SummedRunTime:         s.formatter.Format(runTotal(f), costfmt.Msec, cctx),
		InvokeCommand:         f.HeaderOr("cmd", ""),
		Runs:                  runs,
		MTime:                 s.formatTime(trace.ModTime),
		LinkToFunctionLine:    linkToFunctionLine(f.HeaderOr("creator", "")),
	}, nil
}

var versionPattern = regexp.MustCompile(`\d+(\.\d+)*`)

// linkToFunctionLine reports whether the creator wrote trustworthy function
// line numbers, which Xdebug does after 2.1.
func linkToFunctionLine(creator string) bool {
	v := versionPattern.FindString(creator)
	if v == "" {
		return false
	}
	return compareVersions(v, "2.1") > 0
}

// compareVersions compares dotted numeric versions. When one is a prefix of
// the other, the longer one is greater.
func compareVersions(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		x, _ := strconv.Atoi(as[i])
		y, _ := strconv.Atoi(bs[i])
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(as) < len(bs):
		return -1
	case len(as) > len(bs):
		return 1
	}
	return 0
}

type CallInfoRequest struct {
	File       string
	CostFormat string
	Ordinal    int
}

type CallRow struct {
	callgrind.Call
	File          string       `json:"file"`
	FunctionName  string       `json:"callerFunctionName"`
	CostFormatted costfmt.Cost `json:"summedCallCost"`
}

type CallInfo struct {
	Function     FunctionRow `json:"function"`
	CalledFrom   []CallRow   `json:"calledFrom"`
	SubCalls     []CallRow   `json:"subCalls"`
	CalledByHost bool        `json:"calledByHost"`
}

// CallInfo lists who calls a function and what it calls. Sub-call rows carry
// the file of the function itself, since that is where the call happens.
func (s *Service) CallInfo(ctx context.Context, req CallInfoRequest) (*CallInfo, error) {
	_, entry, err := s.load(ctx, req.File, req.CostFormat)
	if err != nil {
		return nil, err
	}
	f := entry.File
	unit := entry.Key.Unit
	cctx := s.costContext(entry)

	fn, err := f.FunctionInfo(req.Ordinal)
	if err != nil {
		return nil, err
	}
	calledFrom, err := f.CalledFrom(req.Ordinal)
	if err != nil {
		return nil, err
	}
	subCalls, err := f.SubCalls(req.Ordinal)
	if err != nil {
		return nil, err
	}
	host, err := f.CalledByHost(req.Ordinal)
	if err != nil {
		return nil, err
	}

	row := func(c callgrind.Call, file string) (CallRow, error) {
		other, err := f.FunctionInfo(c.Function)
		if err != nil {
			return CallRow{}, err
		}
		if file == "" {
			file = other.File
		}
		return CallRow{
			Call:          c,
			File:          file,
			FunctionName:  other.Name,
			CostFormatted: s.formatter.Format(c.Cost, unit, cctx),
		}, nil
	}

	info := &CallInfo{
		Function: FunctionRow{
			Record:                 aggregate.Record{Function: fn, Kind: s.classifier.Classify(fn.Name)},
			SelfCostFormatted:      s.formatter.Format(fn.SelfCost, unit, cctx),
			InclusiveCostFormatted: s.formatter.Format(fn.CumulativeCost, unit, cctx),
		},
		CalledFrom:   make([]CallRow, 0, len(calledFrom)),
		SubCalls:     make([]CallRow, 0, len(subCalls)),
		CalledByHost: host,
	}
	for _, c := range calledFrom {
		r, err := row(c, "")
		if err != nil {
			return nil, err
		}
		info.CalledFrom = append(info.CalledFrom, r)
	}
	for _, c := range subCalls {
		r, err := row(c, fn.File)
		if err != nil {
			return nil, err
		}
		info.SubCalls = append(info.SubCalls, r)
	}
	return info, nil
}

type ClearResult struct {
	Deleted      int  `json:"deleted"`
	NoFilesFound bool `json:"noFilesFound,omitempty"`
}

// ClearTraces deletes every listed trace and its artifacts.
func (s *Service) ClearTraces(_ context.Context) (ClearResult, error) {
	traces, err := s.store.List()
	if err != nil {
		return ClearResult{}, err
	}
	if len(traces) == 0 {
		return ClearResult{NoFilesFound: true}, nil
	}

	var result ClearResult
	for _, t := range traces {
		err := s.store.Delete(t.Name)
		if errors.Is(err, tracefs.ErrNotFound) {
			continue
		}
		if err != nil {
			return result, fmt.Errorf("delete %s: %w", t.Name, err)
		}
		s.cache.Invalidate(t.Path)
		result.Deleted++
	}
	s.logger.Info().Int("deleted", result.Deleted).Msg("cleared traces")
	return result, nil
}

type GraphRequest struct {
	File       string
	CostFormat string
	Fraction   *float64
}

type edgePair struct{ from, to int }

// Graph renders the functions that make up the requested fraction of the
// cost, and the calls between them, as a DOT document. Node weights are
// cumulative cost relative to the run total.
func (s *Service) Graph(ctx context.Context, req GraphRequest) ([]byte, error) {
	trace, entry, err := s.load(ctx, req.File, req.CostFormat)
	if err != nil {
		return nil, err
	}
	f := entry.File
	unit := entry.Key.Unit
	cctx := s.costContext(entry)
	hide := s.cfg.HideInternals

	records := s.classifier.Records(f.Functions())
	top := aggregate.SelectTopByFraction(aggregate.Shown(records, hide), s.fraction(req.Fraction))

	weight := func(v int64) float64 {
		if cctx.Total == 0 {
			return 0
		}
		return float64(v) / float64(cctx.Total)
	}

	g := dot.Graph{Name: trace.Name}
	selected := make(map[int]bool, len(top))
	for _, r := range top {
		selected[r.Ordinal] = true
		g.Nodes = append(g.Nodes, dot.Node{
			ID: r.Ordinal,
			Label: fmt.Sprintf("%s\n%s (%s)\n%dx",
				r.Name,
				s.formatter.Format(r.CumulativeCost, unit, cctx).Text,
				s.formatter.Format(r.SelfCost, unit, cctx).Text,
				r.InvocationCount,
			),
			Weight: weight(r.CumulativeCost),
		})
	}

	// Call sites on different lines collapse into one arrow.
	var order []edgePair
	merged := make(map[edgePair]callgrind.CallEdge)
	for _, e := range f.Edges() {
		if !selected[e.Caller] || !selected[e.Callee] {
			continue
		}
		key := edgePair{e.Caller, e.Callee}
		m, ok := merged[key]
		if !ok {
			order = append(order, key)
		}
		m.Calls += e.Calls
		m.Cost += e.Cost
		merged[key] = m
	}
	for _, key := range order {
		m := merged[key]
		g.Edges = append(g.Edges, dot.Edge{
			From:   key.from,
			To:     key.to,
			Label:  fmt.Sprintf("%s\n%dx", s.formatter.Format(m.Cost, unit, cctx).Text, m.Calls),
			Weight: weight(m.Cost),
		})
	}

	var buf bytes.Buffer
	err = dot.Encode(&buf, g)
	if err != nil {
		return nil, fmt.Errorf("encode graph: %w", err)
	}
	return buf.Bytes(), nil
}

// GraphImage renders the graph with the configured dot executable and
// caches the image in the storage dir, one image per fraction and cost
// format. It returns the image path.
func (s *Service) GraphImage(ctx context.Context, req GraphRequest) (string, error) {
	if s.cfg.DotExecutable == "" {
		return "", ErrNoRenderer
	}
	trace, err := s.resolve(req.File)
	if err != nil {
		return "", err
	}
	req.File = trace.Name

	pct := 100 - int(math.Round(s.fraction(req.Fraction)*100))
	unit := s.unit(req.CostFormat)
	path, err := s.store.ArtifactPath(trace.Name, fmt.Sprintf("%d-%s.%s", pct, unit, s.cfg.GraphImageType))
	if err != nil {
		return "", err
	}
	if fresh(path, trace.ModTime) {
		return path, nil
	}

	src, err := s.Graph(ctx, req)
	if err != nil {
		return "", err
	}
	err = dot.Render(ctx, s.cfg.DotExecutable, s.cfg.GraphImageType, src, path)
	if err != nil {
		return "", err
	}
	s.logger.Debug().
		Str("trace", trace.Name).
		Str("unit", string(unit)).
		Str("image", path).
		Msg("rendered call graph")
	return path, nil
}

// fresh reports whether an artifact exists and is not older than its trace.
func fresh(path string, traceModTime time.Time) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0 && !info.ModTime().Before(traceModTime)
}

// ErrNoRenderer is returned by GraphImage when no dot executable is
// configured.
var ErrNoRenderer = errors.New("no graph renderer configured")

// Profile converts a trace to a pprof profile.
func (s *Service) Profile(ctx context.Context, file string) (*profile.Profile, string, error) {
	trace, entry, err := s.load(ctx, file, "")
	if err != nil {
		return nil, "", err
	}
	return pprofexport.Convert(entry.File, entry.Events, trace.ModTime), trace.Name, nil
}

// TracePath resolves a trace name for download.
func (s *Service) TracePath(name string) (tracefs.Trace, error) {
	return s.resolve(name)
}
