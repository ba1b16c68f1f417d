package pprofexport

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/google/pprof/profile"
	"github.com/grafana/pyroscope-go/upstream"
	"github.com/grafana/pyroscope-go/upstream/remote"
	"github.com/rs/zerolog"

	"github.com/Emyrk/grindview/grind/config"
)

var _ remote.Logger = (*zerologWrapper)(nil)

type zerologWrapper struct {
	logger zerolog.Logger
}

func (z zerologWrapper) Infof(f string, args ...interface{})  { z.logger.Info().Msgf(f, args...) }
func (z zerologWrapper) Debugf(f string, args ...interface{}) { z.logger.Debug().Msgf(f, args...) }
func (z zerologWrapper) Errorf(f string, args ...interface{}) { z.logger.Error().Msgf(f, args...) }

type PyroscopePusher struct {
	AppName string
	Remote  *remote.Remote
	Logger  zerolog.Logger
}

func NewPusher(opts config.PyroscopeOptions, logger zerolog.Logger) (*PyroscopePusher, error) {
	if opts.Address == "" {
		return nil, fmt.Errorf("pyroscope address is not configured")
	}
	appName := opts.AppName
	if appName == "" {
		appName = "grindview"
	}

	logger = logger.With().Str("component", "pyroscope").Str("address", opts.Address).Logger()
	rmt, err := remote.NewRemote(remote.Config{
		AuthToken: opts.AuthToken,
		Threads:   1,
		Address:   opts.Address,
		Timeout:   time.Second * 20,
		Logger:    &zerologWrapper{logger: logger},
	})
	if err != nil {
		return nil, fmt.Errorf("new remote: %w", err)
	}

	rmt.Start()
	return &PyroscopePusher{
		AppName: appName,
		Remote:  rmt,
		Logger:  logger,
	}, nil
}

// Close waits for queued uploads, then stops the upload workers.
func (p *PyroscopePusher) Close() {
	p.Remote.Flush()
	p.Remote.Stop()
}

// Push queues pb for upload, labelled with the trace it came from.
func (p *PyroscopePusher) Push(trace string, pb *profile.Profile) error {
	var buf bytes.Buffer
	err := pb.Write(&buf)
	if err != nil {
		return fmt.Errorf("write proto: %w", err)
	}

	start := time.Unix(0, pb.TimeNanos)
	end := start.Add(time.Duration(pb.DurationNanos))
	costUnit := "units"
	if len(pb.SampleType) > 0 {
		costUnit = pb.SampleType[0].Unit
	}

	p.Remote.Upload(&upstream.UploadJob{
		Name:            fmt.Sprintf("%s{trace=%s}", p.AppName, labelValue(trace)),
		StartTime:       start,
		EndTime:         end,
		Units:           SampleCost,
		AggregationType: "sum",
		Format:          upstream.FormatPprof,
		Profile:         buf.Bytes(),
		SampleTypeConfig: map[string]*upstream.SampleType{
			SampleCost: {
				Units:       costUnit,
				Aggregation: "sum",
				DisplayName: "cost",
				// Traces are not sampled, every call is present.
				Sampled: false,
			},
			SampleCalls: {
				Units:       "count",
				Aggregation: "sum",
				DisplayName: "calls",
				Sampled:     false,
			},
		},
	})
	p.Logger.Debug().Str("trace", trace).Int("bytes", buf.Len()).Msg("queued profile upload")
	return nil
}

func labelValue(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			return r
		}
		return '_'
	}, s)
}
