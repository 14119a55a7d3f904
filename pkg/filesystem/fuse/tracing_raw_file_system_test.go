//go:build linux
// +build linux

package fuse_test

import (
	"context"
	"testing"
	"time"

	ifs_fuse "github.com/interposefs/interposefs/pkg/filesystem/fuse"

	go_fuse "github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestTracingRawFileSystemRead(t *testing.T) {
	base := newRecordingRawFileSystem()
	exporter := tracetest.NewInMemoryExporter()
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { tracerProvider.Shutdown(context.Background()) })
	rfs := ifs_fuse.NewTracingRawFileSystem(base, tracerProvider.Tracer("test"))

	buf := make([]byte, 10)
	_, s := rfs.Read(nil, &go_fuse.ReadIn{
		InHeader: go_fuse.InHeader{
			NodeId: 17,
			Caller: go_fuse.Caller{
				Owner: go_fuse.Owner{Uid: 1000, Gid: 1000},
				Pid:   4321,
			},
		},
		Size:   10,
		Offset: 20,
	}, buf)
	require.Equal(t, go_fuse.OK, s)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "fuse.read", spans[0].Name)
	require.Contains(t, spans[0].Attributes, attribute.Int64("fuse.inode", 17))
	require.Contains(t, spans[0].Attributes, attribute.Int64("process.pid", 4321))
	require.Contains(t, spans[0].Attributes, attribute.Int64("fuse.size", 10))
	require.Contains(t, spans[0].Attributes, attribute.Int64("fuse.offset", 20))
	require.Equal(t, codes.Unset, spans[0].Status.Code)
}

func TestTracingRawFileSystemErrorStatus(t *testing.T) {
	// A failing operation leaves a span with an error status whose
	// description names the errno.
	exporter := tracetest.NewInMemoryExporter()
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { tracerProvider.Shutdown(context.Background()) })

	// The default RawFileSystem replies ENOSYS to everything.
	rfs := ifs_fuse.NewTracingRawFileSystem(go_fuse.NewDefaultRawFileSystem(), tracerProvider.Tracer("test"))

	var out go_fuse.EntryOut
	require.Equal(t, go_fuse.ENOSYS, rfs.Lookup(nil, &go_fuse.InHeader{NodeId: 1}, "missing", &out))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "fuse.lookup", spans[0].Name)
	require.Equal(t, codes.Error, spans[0].Status.Code)
	require.Equal(t, "ENOSYS", spans[0].Status.Description)
}

func TestTracingRawFileSystemSpanCoversNextLayer(t *testing.T) {
	// The span around a read covers the time the next layer takes
	// to reply. A deliberately slow next layer stands in for a
	// waiting layer such as throttling; no fault events are added.
	base := newRecordingRawFileSystem()
	exporter := tracetest.NewInMemoryExporter()
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { tracerProvider.Shutdown(context.Background()) })

	slowBase := &slowRawFileSystem{RawFileSystem: base, delay: 20 * time.Millisecond}
	rfs := ifs_fuse.NewTracingRawFileSystem(slowBase, tracerProvider.Tracer("test"))

	buf := make([]byte, 10)
	_, s := rfs.Read(nil, &go_fuse.ReadIn{Size: 10}, buf)
	require.Equal(t, go_fuse.OK, s)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.GreaterOrEqual(t,
		spans[0].EndTime.Sub(spans[0].StartTime),
		20*time.Millisecond)
	require.Empty(t, spans[0].Events)
}

type slowRawFileSystem struct {
	go_fuse.RawFileSystem

	delay time.Duration
}

func (fs *slowRawFileSystem) Read(cancel <-chan struct{}, input *go_fuse.ReadIn, buf []byte) (go_fuse.ReadResult, go_fuse.Status) {
	time.Sleep(fs.delay)
	return fs.RawFileSystem.Read(cancel, input, buf)
}
