//go:build linux
// +build linux

package fuse_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	ifs_fuse "github.com/interposefs/interposefs/pkg/filesystem/fuse"

	go_fuse "github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/require"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type faultyFixture struct {
	base     *recordingRawFileSystem
	clock    *fakeClock
	exporter *tracetest.InMemoryExporter
	logPath  string
	rfs      go_fuse.RawFileSystem
}

func newFaultyFixture(t *testing.T, options ifs_fuse.FaultyRawFileSystemOptions, rolls ...int) *faultyFixture {
	base := newRecordingRawFileSystem()
	clk := newFakeClock(time.Date(2024, time.May, 1, 12, 30, 15, 0, time.UTC))
	exporter := tracetest.NewInMemoryExporter()
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { tracerProvider.Shutdown(context.Background()) })
	logPath := filepath.Join(t.TempDir(), "error_log.txt")

	return &faultyFixture{
		base:     base,
		clock:    clk,
		exporter: exporter,
		logPath:  logPath,
		rfs: ifs_fuse.NewFaultyRawFileSystem(
			base,
			options,
			newScriptedRandomSource(rolls...),
			clk,
			ifs_fuse.NewFaultLog(logPath, clk),
			tracerProvider.Tracer("test")),
	}
}

func (f *faultyFixture) faultLogLines(t *testing.T) []string {
	contents, err := os.ReadFile(f.logPath)
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(contents), "\n"), "\n")
}

func TestFaultyRawFileSystemAbruptRead(t *testing.T) {
	// A file fail rate of one makes the first die a certain hit;
	// the reply is an I/O error and nothing is forwarded.
	f := newFaultyFixture(t, ifs_fuse.FaultyRawFileSystemOptions{
		FileFailRate: 1,
		Delay:        3 * time.Second,
	}, 0)

	buf := make([]byte, 100)
	r, s := f.rfs.Read(nil, &go_fuse.ReadIn{
		InHeader: go_fuse.InHeader{NodeId: 42},
		Size:     100,
	}, buf)
	require.Equal(t, go_fuse.EIO, s)
	require.Nil(t, r)
	require.Empty(t, f.base.calls)

	// One log line in the prescribed format.
	require.Equal(t, []string{
		"[2024-05-01 12:30:15] ERROR: read: An unexpected failure occurred. Inode Number: 42",
	}, f.faultLogLines(t))

	// One span carrying the abrupt-exit event.
	spans := f.exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "faulty_read", spans[0].Name)
	require.Len(t, spans[0].Events, 1)
	require.Equal(t, "Abrupt Exit Simulated", spans[0].Events[0].Name)
}

func TestFaultyRawFileSystemTruncatedRead(t *testing.T) {
	// Abrupt-exit and delay dice miss, the truncation die hits.
	// The next two rolls pick the shortened size and offset shift.
	f := newFaultyFixture(t, ifs_fuse.FaultyRawFileSystemOptions{
		FileFailRate: 2,
		Delay:        3 * time.Second,
	}, 1, 1, 0, 3, 4)

	buf := make([]byte, 100)
	_, s := f.rfs.Read(nil, &go_fuse.ReadIn{
		InHeader: go_fuse.InHeader{NodeId: 7},
		Offset:   1000,
		Size:     100,
	}, buf)
	require.Equal(t, go_fuse.OK, s)

	// The forwarded request was shortened to 5+3 bytes and shifted
	// by 4 bytes.
	require.NotNil(t, f.base.readIn)
	require.Equal(t, uint32(8), f.base.readIn.Size)
	require.Equal(t, uint64(1004), f.base.readIn.Offset)

	// The truncation must stay within the documented ranges.
	require.GreaterOrEqual(t, f.base.readIn.Size, uint32(5))
	require.LessOrEqual(t, f.base.readIn.Size, uint32(14))

	spans := f.exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Len(t, spans[0].Events, 1)
	require.Equal(t, "Truncated Read Simulated", spans[0].Events[0].Name)
}

func TestFaultyRawFileSystemDelayedRead(t *testing.T) {
	f := newFaultyFixture(t, ifs_fuse.FaultyRawFileSystemOptions{
		FileFailRate: 2,
		Delay:        3 * time.Second,
	}, 1, 0, 1)

	buf := make([]byte, 10)
	_, s := f.rfs.Read(nil, &go_fuse.ReadIn{
		InHeader: go_fuse.InHeader{NodeId: 7},
		Size:     10,
	}, buf)
	require.Equal(t, go_fuse.OK, s)

	// The layer slept for the configured duration and still
	// forwarded the unmodified request.
	require.Equal(t, []time.Duration{3 * time.Second}, f.clock.sleptDurations())
	require.Equal(t, uint32(10), f.base.readIn.Size)

	spans := f.exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "Delayed Read Simulated", spans[0].Events[0].Name)
}

func TestFaultyRawFileSystemTruncatedWrite(t *testing.T) {
	// The write is forwarded in full; only the reported byte count
	// is halved afterwards.
	f := newFaultyFixture(t, ifs_fuse.FaultyRawFileSystemOptions{
		FileFailRate: 2,
		Delay:        3 * time.Second,
	}, 1, 1, 0)

	data := make([]byte, 100)
	written, s := f.rfs.Write(nil, &go_fuse.WriteIn{
		InHeader: go_fuse.InHeader{NodeId: 7},
	}, data)
	require.Equal(t, go_fuse.OK, s)
	require.Equal(t, uint32(50), written)
	require.Equal(t, uint32(100), f.base.writtenBytes)

	spans := f.exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "Truncated Write Simulated", spans[0].Events[0].Name)
}

func TestFaultyRawFileSystemFlushNoSpace(t *testing.T) {
	f := newFaultyFixture(t, ifs_fuse.FaultyRawFileSystemOptions{
		FileFailRate: 1,
		Delay:        time.Second,
	}, 0)

	require.Equal(t, go_fuse.Status(syscall.ENOSPC), f.rfs.Flush(nil, &go_fuse.FlushIn{
		InHeader: go_fuse.InHeader{NodeId: 9},
	}))
	require.Empty(t, f.base.calls)
}

func TestFaultyRawFileSystemDirectoryFaults(t *testing.T) {
	t.Run("OpenDir", func(t *testing.T) {
		f := newFaultyFixture(t, ifs_fuse.FaultyRawFileSystemOptions{
			DirectoryFailRate: 1,
			Delay:             time.Second,
		}, 0)
		var out go_fuse.OpenOut
		require.Equal(t, go_fuse.ENOENT, f.rfs.OpenDir(nil, &go_fuse.OpenIn{
			InHeader: go_fuse.InHeader{NodeId: 3},
		}, &out))
		require.Empty(t, f.base.calls)
	})

	t.Run("ReadDir", func(t *testing.T) {
		f := newFaultyFixture(t, ifs_fuse.FaultyRawFileSystemOptions{
			DirectoryFailRate: 1,
			Delay:             time.Second,
		}, 0)
		out := go_fuse.NewDirEntryList(make([]byte, 4096), 0)
		require.Equal(t, go_fuse.EIO, f.rfs.ReadDir(nil, &go_fuse.ReadIn{
			InHeader: go_fuse.InHeader{NodeId: 3},
		}, out))
		require.Empty(t, f.base.calls)
	})

	t.Run("FileDiceDoNotFire", func(t *testing.T) {
		// Directory fail rate zero disables directory faults
		// even when file faults are certain.
		f := newFaultyFixture(t, ifs_fuse.FaultyRawFileSystemOptions{
			FileFailRate: 1,
			Delay:        time.Second,
		})
		out := go_fuse.NewDirEntryList(make([]byte, 4096), 0)
		require.Equal(t, go_fuse.OK, f.rfs.ReadDir(nil, &go_fuse.ReadIn{
			InHeader: go_fuse.InHeader{NodeId: 3},
		}, out))
		require.Equal(t, []string{"ReadDir"}, f.base.calls)
	})
}

func TestFaultyRawFileSystemMetadataFaults(t *testing.T) {
	f := newFaultyFixture(t, ifs_fuse.FaultyRawFileSystemOptions{
		FileFailRate: 1,
		Delay:        time.Second,
	}, 0, 0, 0)

	var attrOut go_fuse.AttrOut
	require.Equal(t, go_fuse.EIO, f.rfs.GetAttr(nil, &go_fuse.GetAttrIn{
		InHeader: go_fuse.InHeader{NodeId: 5},
	}, &attrOut))
	require.Equal(t, go_fuse.EIO, f.rfs.SetAttr(nil, &go_fuse.SetAttrIn{
		SetAttrInCommon: go_fuse.SetAttrInCommon{
			InHeader: go_fuse.InHeader{NodeId: 5},
		},
	}, &attrOut))
	require.Equal(t, go_fuse.EIO, f.rfs.Fsync(nil, &go_fuse.FsyncIn{
		InHeader: go_fuse.InHeader{NodeId: 5},
	}))
	require.Empty(t, f.base.calls)

	require.Equal(t, []string{
		"[2024-05-01 12:30:15] ERROR: getattr: No attributes returned. Inode Number: 5",
		"[2024-05-01 12:30:15] ERROR: setattr: No attributes set. Inode Number: 5",
		"[2024-05-01 12:30:15] ERROR: fsync: An unexpected failure occurred. Inode Number: 5",
	}, f.faultLogLines(t))
}

func TestFaultyRawFileSystemDisabled(t *testing.T) {
	// With both rates at zero no dice are rolled at all and every
	// operation is forwarded untouched.
	f := newFaultyFixture(t, ifs_fuse.FaultyRawFileSystemOptions{Delay: time.Second})

	buf := make([]byte, 10)
	_, s := f.rfs.Read(nil, &go_fuse.ReadIn{Size: 10}, buf)
	require.Equal(t, go_fuse.OK, s)
	written, s := f.rfs.Write(nil, &go_fuse.WriteIn{}, make([]byte, 10))
	require.Equal(t, go_fuse.OK, s)
	require.Equal(t, uint32(10), written)
	require.Equal(t, []string{"Read", "Write"}, f.base.calls)
	require.Empty(t, f.exporter.GetSpans())
	_, err := os.Stat(f.logPath)
	require.True(t, os.IsNotExist(err))
}
