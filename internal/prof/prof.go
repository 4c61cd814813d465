// Package prof starts continuous profiling with Pyroscope.
package prof

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/buildgate/internal/log"
	"github.com/keithlinneman/buildgate/internal/xerrors"
)

type Options struct {
	Enabled              bool
	AppName              string
	ServerAddress        string
	TenantID             string
	Tags                 map[string]string
	ProfileMutexFraction int
	BlockProfileRate     int
	// OnActive reports whether the profiler is running, e.g. to a gauge.
	OnActive func(bool)
}

// pyroLogger forwards pyroscope's printf logging to the context logger.
// Its info chatter is demoted to debug.
type pyroLogger struct {
	ctx context.Context
	L   log.Logger
}

func (p pyroLogger) Infof(format string, args ...any)  { p.L.Debug(p.ctx, fmt.Sprintf(format, args...)) }
func (p pyroLogger) Debugf(format string, args ...any) { p.L.Debug(p.ctx, fmt.Sprintf(format, args...)) }
func (p pyroLogger) Errorf(format string, args ...any) {
	p.L.Warn(p.ctx, "pyroscope: "+fmt.Sprintf(format, args...))
}

// Start launches the profiler. It always returns a callable stop func, also
// alongside an error.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx)
	active := func(v bool) {
		if opts.OnActive != nil {
			opts.OnActive(v)
		}
	}

	if !opts.Enabled {
		L.Info(ctx, "pyroscope disabled")
		active(false)
		return func() {}, nil
	}

	if opts.ServerAddress == "" {
		err := xerrors.Newf("invalid server address (%q)", opts.ServerAddress)
		L.Error(ctx, err, "pyroscope options")
		active(false)
		return func() {}, err
	}

	if opts.ProfileMutexFraction > 0 {
		runtime.SetMutexProfileFraction(opts.ProfileMutexFraction)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}

	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: opts.AppName,
		ServerAddress:   opts.ServerAddress,
		TenantID:        opts.TenantID,
		Tags:            opts.Tags,
		Logger:          pyroLogger{ctx: context.WithoutCancel(ctx), L: L},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
			pyroscope.ProfileMutexCount,
			pyroscope.ProfileMutexDuration,
			pyroscope.ProfileBlockCount,
			pyroscope.ProfileBlockDuration,
		},
	})
	if err != nil {
		err = xerrors.Wrap(err, "pyroscope start")
		L.Error(ctx, err, "pyroscope start failed", "server_address", opts.ServerAddress, "app_name", opts.AppName)
		active(false)
		return func() {}, err
	}

	L.Info(ctx, "pyroscope started", "server_address", opts.ServerAddress, "app_name", opts.AppName)
	active(true)

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = profiler.Stop()
			active(false)
			L.Info(context.Background(), "pyroscope stopped", "server_address", opts.ServerAddress)
		})
	}, nil
}
