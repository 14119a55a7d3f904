//go:build linux
// +build linux

package fuse

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"golang.org/x/sys/unix"
)

type tracingRawFileSystem struct {
	fuse.RawFileSystem

	tracer trace.Tracer
}

// NewTracingRawFileSystem creates a decorator for RawFileSystem that
// emits one span per workload-carrying operation. Spans carry the
// calling process identity from the request header and, for I/O
// operations, the requested size and offset. The layer does not start
// any exporter; it uses whatever TracerProvider the process installed.
func NewTracingRawFileSystem(base fuse.RawFileSystem, tracer trace.Tracer) fuse.RawFileSystem {
	return &tracingRawFileSystem{
		RawFileSystem: base,

		tracer: tracer,
	}
}

func (fs *tracingRawFileSystem) startSpan(operation string, header *fuse.InHeader, attrs ...attribute.KeyValue) trace.Span {
	_, span := fs.tracer.Start(context.Background(), "fuse."+operation)
	span.SetAttributes(
		attribute.Int64("fuse.inode", int64(header.NodeId)),
		attribute.Int64("process.uid", int64(header.Uid)),
		attribute.Int64("process.gid", int64(header.Gid)),
		attribute.Int64("process.pid", int64(header.Pid)),
	)
	span.SetAttributes(attrs...)
	return span
}

func endSpan(span trace.Span, s fuse.Status) {
	if s != fuse.OK {
		span.SetStatus(codes.Error, unix.ErrnoName(syscall.Errno(s)))
	}
	span.End()
}

func (fs *tracingRawFileSystem) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	span := fs.startSpan("lookup", header, attribute.String("fuse.name", name))
	s := fs.RawFileSystem.Lookup(cancel, header, name, out)
	endSpan(span, s)
	return s
}

func (fs *tracingRawFileSystem) GetAttr(cancel <-chan struct{}, input *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	span := fs.startSpan("getattr", &input.InHeader)
	s := fs.RawFileSystem.GetAttr(cancel, input, out)
	endSpan(span, s)
	return s
}

func (fs *tracingRawFileSystem) SetAttr(cancel <-chan struct{}, input *fuse.SetAttrIn, out *fuse.AttrOut) fuse.Status {
	span := fs.startSpan("setattr", &input.InHeader)
	s := fs.RawFileSystem.SetAttr(cancel, input, out)
	endSpan(span, s)
	return s
}

func (fs *tracingRawFileSystem) Create(cancel <-chan struct{}, input *fuse.CreateIn, name string, out *fuse.CreateOut) fuse.Status {
	span := fs.startSpan("create", &input.InHeader, attribute.String("fuse.name", name))
	s := fs.RawFileSystem.Create(cancel, input, name, out)
	endSpan(span, s)
	return s
}

func (fs *tracingRawFileSystem) Open(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	span := fs.startSpan("open", &input.InHeader)
	s := fs.RawFileSystem.Open(cancel, input, out)
	endSpan(span, s)
	return s
}

func (fs *tracingRawFileSystem) Read(cancel <-chan struct{}, input *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	span := fs.startSpan("read", &input.InHeader,
		attribute.Int64("fuse.size", int64(input.Size)),
		attribute.Int64("fuse.offset", int64(input.Offset)))
	r, s := fs.RawFileSystem.Read(cancel, input, buf)
	endSpan(span, s)
	return r, s
}

func (fs *tracingRawFileSystem) Write(cancel <-chan struct{}, input *fuse.WriteIn, data []byte) (uint32, fuse.Status) {
	span := fs.startSpan("write", &input.InHeader,
		attribute.Int64("fuse.size", int64(len(data))),
		attribute.Int64("fuse.offset", int64(input.Offset)))
	written, s := fs.RawFileSystem.Write(cancel, input, data)
	endSpan(span, s)
	return written, s
}

func (fs *tracingRawFileSystem) Flush(cancel <-chan struct{}, input *fuse.FlushIn) fuse.Status {
	span := fs.startSpan("flush", &input.InHeader)
	s := fs.RawFileSystem.Flush(cancel, input)
	endSpan(span, s)
	return s
}

func (fs *tracingRawFileSystem) Fsync(cancel <-chan struct{}, input *fuse.FsyncIn) fuse.Status {
	span := fs.startSpan("fsync", &input.InHeader)
	s := fs.RawFileSystem.Fsync(cancel, input)
	endSpan(span, s)
	return s
}

func (fs *tracingRawFileSystem) OpenDir(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	span := fs.startSpan("opendir", &input.InHeader)
	s := fs.RawFileSystem.OpenDir(cancel, input, out)
	endSpan(span, s)
	return s
}

func (fs *tracingRawFileSystem) ReadDir(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	span := fs.startSpan("readdir", &input.InHeader,
		attribute.Int64("fuse.offset", int64(input.Offset)))
	s := fs.RawFileSystem.ReadDir(cancel, input, out)
	endSpan(span, s)
	return s
}

func (fs *tracingRawFileSystem) ReadDirPlus(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	span := fs.startSpan("readdirplus", &input.InHeader,
		attribute.Int64("fuse.offset", int64(input.Offset)))
	s := fs.RawFileSystem.ReadDirPlus(cancel, input, out)
	endSpan(span, s)
	return s
}
