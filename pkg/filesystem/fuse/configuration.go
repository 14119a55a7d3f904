//go:build linux
// +build linux

package fuse

import (
	"path/filepath"
	"time"

	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/google/uuid"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/interposefs/interposefs/pkg/configuration"
	"github.com/interposefs/interposefs/pkg/throttle"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/interposefs/interposefs/pkg/filesystem/fuse"

// MountConfiguration bundles the command-line level options of a
// single mount.
type MountConfiguration struct {
	MountPath      string
	SourcePath     string
	FSName         string
	Debug          bool
	SingleThreaded bool
	Passthrough    PassthroughOptions
}

// NewMountFromConfiguration assembles the layer stack selected by the
// configuration file, leaves first: passthrough, fault injection,
// throttling, metrics, tracing. Layers that are not enabled are
// omitted from the stack entirely. The returned SessionRawFileSystem
// must be destroyed after the server's serve loop has terminated.
//
// The stack is static from here on; nothing may be inserted or
// removed once the server has processed init.
func NewMountFromConfiguration(mount MountConfiguration, cfg *configuration.Configuration, clk clock.Clock, replenisher *throttle.Replenisher) (*fuse.Server, SessionRawFileSystem, error) {
	session, err := NewPassthroughRawFileSystem(mount.SourcePath, mount.Passthrough)
	if err != nil {
		return nil, nil, err
	}

	tracer := otel.Tracer(
		instrumentationName,
		trace.WithInstrumentationAttributes(
			attribute.String("session.id", uuid.New().String())))

	var rfs fuse.RawFileSystem = session
	if cfg.FaultyIO.Enabled {
		seed := cfg.FaultyIO.Seed
		if !cfg.FaultyIO.UseSeedNumber {
			seed = clk.Now().UnixNano()
		}
		logPath := cfg.FaultyIO.LocalLogPath
		if !filepath.IsAbs(logPath) {
			// Resolved against the source tree rather than
			// the mountpoint, so that log writes do not
			// re-enter the file system being served.
			logPath = filepath.Join(mount.SourcePath, logPath)
		}
		rfs = NewFaultyRawFileSystem(
			rfs,
			FaultyRawFileSystemOptions{
				FileFailRate:      cfg.FaultyIO.FileFailRate,
				DirectoryFailRate: cfg.FaultyIO.DirectoryFailRate,
				Delay:             time.Duration(cfg.FaultyIO.DelayTimeSeconds) * time.Second,
			},
			NewLockedRandomSource(seed),
			clk,
			NewFaultLog(logPath, clk),
			tracer)
	}
	if cfg.ThrottleIO.Enabled {
		readBucket := throttle.NewTokenBucket(cfg.ThrottleIO.ReadCapacityBytes, cfg.ThrottleIO.ReadBytesPerSecond)
		writeBucket := throttle.NewTokenBucket(cfg.ThrottleIO.WriteCapacityBytes, cfg.ThrottleIO.WriteBytesPerSecond)
		replenisher.Register(readBucket)
		replenisher.Register(writeBucket)
		rfs = NewThrottlingRawFileSystem(rfs, readBucket, writeBucket)
	}
	if cfg.Metrics.Enabled {
		rfs = NewMetricsRawFileSystem(rfs, clk)
	}
	if cfg.Traces.Enabled {
		rfs = NewTracingRawFileSystem(rfs, tracer)
	}

	server, err := fuse.NewServer(rfs, mount.MountPath, &fuse.MountOptions{
		FsName:         mount.FSName,
		Name:           "interposefs",
		Debug:          mount.Debug,
		SingleThreaded: mount.SingleThreaded,
		EnableLocks:    mount.Passthrough.Flock,
		DisableXAttrs:  !mount.Passthrough.XAttr,
	})
	if err != nil {
		session.Destroy()
		return nil, nil, err
	}
	return server, session, nil
}
