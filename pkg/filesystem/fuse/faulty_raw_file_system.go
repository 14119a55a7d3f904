//go:build linux
// +build linux

package fuse

import (
	"context"
	"math/rand"
	"sync"
	"syscall"
	"time"

	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/hanwen/go-fuse/v2/fuse"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RandomSource yields the dice rolls that drive fault injection. It
// must be safe for concurrent use, as requests are dispatched from
// multiple worker threads.
type RandomSource interface {
	Intn(n int) int
}

type lockedRandomSource struct {
	lock sync.Mutex
	rand *rand.Rand
}

// NewLockedRandomSource creates a RandomSource seeded once at layer
// construction, either with a user-supplied seed for reproducible
// fault sequences or with a time-derived one.
func NewLockedRandomSource(seed int64) RandomSource {
	return &lockedRandomSource{
		rand: rand.New(rand.NewSource(seed)),
	}
}

func (rs *lockedRandomSource) Intn(n int) int {
	rs.lock.Lock()
	defer rs.lock.Unlock()
	return rs.rand.Intn(n)
}

// FaultyRawFileSystemOptions configure the fault-injection layer.
type FaultyRawFileSystemOptions struct {
	// FileFailRate f means every fault die on a file operation
	// fires with probability 1/f. Zero disables file faults.
	FileFailRate int
	// DirectoryFailRate is the same for directory operations.
	DirectoryFailRate int
	// Delay is how long a delayed operation sleeps.
	Delay time.Duration
}

// Truncated reads shorten the requested size to 5..14 bytes and shift
// the starting offset up by 0..9 bytes. The ranges are inherited
// behavior; they make short reads obvious without zeroing them out.
const (
	truncatedReadSizeBase    = 5
	truncatedReadSizeSpread  = 10
	truncatedReadOffsetShift = 10
)

type faultyRawFileSystem struct {
	fuse.RawFileSystem

	options  FaultyRawFileSystemOptions
	random   RandomSource
	clock    clock.Clock
	faultLog *FaultLog
	tracer   trace.Tracer
}

// NewFaultyRawFileSystem creates a decorator for RawFileSystem that
// injects randomized faults into selected operations: abrupt errors,
// delays, and truncated reads and writes. Every injected fault emits a
// span with a fault-kind event and appends a line to the fault log.
// Operations that do not draw a fault are forwarded unchanged.
func NewFaultyRawFileSystem(base fuse.RawFileSystem, options FaultyRawFileSystemOptions, randomSource RandomSource, clock clock.Clock, faultLog *FaultLog, tracer trace.Tracer) fuse.RawFileSystem {
	return &faultyRawFileSystem{
		RawFileSystem: base,

		options:  options,
		random:   randomSource,
		clock:    clock,
		faultLog: faultLog,
		tracer:   tracer,
	}
}

func (fs *faultyRawFileSystem) hit(rate int) bool {
	return rate > 0 && fs.random.Intn(rate) == 0
}

func (fs *faultyRawFileSystem) sleep() {
	_, timerChannel := fs.clock.NewTimer(fs.options.Delay)
	<-timerChannel
}

type faultEvent struct {
	name       string
	attributes []attribute.KeyValue
}

func (fs *faultyRawFileSystem) abruptEvent(errorType string) faultEvent {
	return faultEvent{
		name: "Abrupt Exit Simulated",
		attributes: []attribute.KeyValue{
			attribute.String("error_type", errorType),
		},
	}
}

func (fs *faultyRawFileSystem) delayEvent(operation string) faultEvent {
	return faultEvent{
		name: "Delayed " + operation + " Simulated",
		attributes: []attribute.KeyValue{
			attribute.Int64("delay_time", int64(fs.options.Delay/time.Second)),
		},
	}
}

func (fs *faultyRawFileSystem) truncationEvent(operation string, size int64) faultEvent {
	return faultEvent{
		name: "Truncated " + operation + " Simulated",
		attributes: []attribute.KeyValue{
			attribute.Int64("size", size),
		},
	}
}

// emitSpan records one span for a call that drew one or more faults.
// Each event carries its own fault-kind tag; a single call may emit
// multiple events (e.g. a delay followed by a truncation).
func (fs *faultyRawFileSystem) emitSpan(spanName, operation string, inodeNumber uint64, extra []attribute.KeyValue, events ...faultEvent) {
	_, span := fs.tracer.Start(context.Background(), "faulty_"+spanName)
	span.SetAttributes(
		attribute.String("Operation", operation),
		attribute.Int64("inode_number", int64(inodeNumber)),
	)
	span.SetAttributes(extra...)
	timestamp := fs.clock.Now().Format("2006-01-02 15:04:05")
	for _, e := range events {
		span.AddEvent(e.name, trace.WithAttributes(
			append([]attribute.KeyValue{attribute.String("Timestamp", timestamp)}, e.attributes...)...))
	}
	span.End()
}

func (fs *faultyRawFileSystem) Open(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	if fs.hit(fs.options.FileFailRate) {
		fs.faultLog.Write("open", "An unexpected failure occurred", input.NodeId)
		fs.emitSpan("open", "file.open", input.NodeId, nil, fs.abruptEvent("ENOENT"))
		return fuse.ENOENT
	}
	s := fs.RawFileSystem.Open(cancel, input, out)
	if s == fuse.OK && fs.hit(fs.options.FileFailRate) {
		fs.sleep()
		fs.faultLog.Write("open", "An unexpected delay occurred", input.NodeId)
		fs.emitSpan("open", "file.open", input.NodeId, nil, fs.delayEvent("Open"))
	}
	return s
}

func (fs *faultyRawFileSystem) Read(cancel <-chan struct{}, input *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	offsetAttr := []attribute.KeyValue{attribute.Int64("File_offset", int64(input.Offset))}
	if fs.hit(fs.options.FileFailRate) {
		fs.faultLog.Write("read", "An unexpected failure occurred", input.NodeId)
		fs.emitSpan("read", "file.read", input.NodeId, offsetAttr, fs.abruptEvent("EIO"))
		return nil, fuse.EIO
	}

	var events []faultEvent
	if fs.hit(fs.options.FileFailRate) {
		fs.sleep()
		fs.faultLog.Write("read", "An unexpected delay occurred", input.NodeId)
		events = append(events, fs.delayEvent("Read"))
	}

	effective := *input
	if fs.hit(fs.options.FileFailRate) {
		// Shorten the read and nudge the offset so that the
		// caller observes corrupted framing, not just a benign
		// short read at the right position.
		effective.Size = uint32(truncatedReadSizeBase + fs.random.Intn(truncatedReadSizeSpread))
		effective.Offset += uint64(fs.random.Intn(truncatedReadOffsetShift))
		fs.faultLog.Write("read", "Truncated read occurred", input.NodeId)
		events = append(events, fs.truncationEvent("Read", int64(effective.Size)))
	}

	r, s := fs.RawFileSystem.Read(cancel, &effective, buf)
	if len(events) > 0 {
		fs.emitSpan("read", "file.read", input.NodeId, offsetAttr, events...)
	}
	return r, s
}

func (fs *faultyRawFileSystem) Write(cancel <-chan struct{}, input *fuse.WriteIn, data []byte) (uint32, fuse.Status) {
	offsetAttr := []attribute.KeyValue{attribute.Int64("File_offset", int64(input.Offset))}
	if fs.hit(fs.options.FileFailRate) {
		fs.faultLog.Write("write", "An unexpected failure occurred", input.NodeId)
		fs.emitSpan("write", "file.write", input.NodeId, offsetAttr, fs.abruptEvent("EIO"))
		return 0, fuse.EIO
	}

	written, s := fs.RawFileSystem.Write(cancel, input, data)
	if s != fuse.OK {
		return written, s
	}

	var events []faultEvent
	if fs.hit(fs.options.FileFailRate) {
		fs.sleep()
		fs.faultLog.Write("write", "An unexpected delay occurred", input.NodeId)
		events = append(events, fs.delayEvent("Write"))
	}
	if fs.hit(fs.options.FileFailRate) {
		written /= 2
		fs.faultLog.Write("write", "Truncated write occurred", input.NodeId)
		events = append(events, fs.truncationEvent("Write", int64(written)))
	}
	if len(events) > 0 {
		fs.emitSpan("write", "file.write", input.NodeId, offsetAttr, events...)
	}
	return written, fuse.OK
}

func (fs *faultyRawFileSystem) Flush(cancel <-chan struct{}, input *fuse.FlushIn) fuse.Status {
	if fs.hit(fs.options.FileFailRate) {
		fs.faultLog.Write("flush", "An unexpected failure occurred", input.NodeId)
		fs.emitSpan("flush", "file.flush", input.NodeId, nil, fs.abruptEvent("ENOSPC"))
		return fuse.Status(syscall.ENOSPC)
	}
	s := fs.RawFileSystem.Flush(cancel, input)
	if fs.hit(fs.options.FileFailRate) {
		fs.sleep()
		fs.faultLog.Write("flush", "An unexpected delay occurred", input.NodeId)
		fs.emitSpan("flush", "file.flush", input.NodeId, nil, fs.delayEvent("Flush"))
	}
	return s
}

func (fs *faultyRawFileSystem) OpenDir(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	if fs.hit(fs.options.DirectoryFailRate) {
		fs.faultLog.Write("opendir", "An unexpected failure occurred", input.NodeId)
		fs.emitSpan("opendir", "directory.open", input.NodeId, nil, fs.abruptEvent("ENOENT"))
		return fuse.ENOENT
	}
	s := fs.RawFileSystem.OpenDir(cancel, input, out)
	if s == fuse.OK && fs.hit(fs.options.DirectoryFailRate) {
		fs.sleep()
		fs.faultLog.Write("opendir", "An unexpected delay occurred", input.NodeId)
		fs.emitSpan("opendir", "directory.open", input.NodeId, nil, fs.delayEvent("Opendir"))
	}
	return s
}

func (fs *faultyRawFileSystem) readDirFault(operation string, input *fuse.ReadIn) fuse.Status {
	offsetAttr := []attribute.KeyValue{attribute.Int64("Dir_offset", int64(input.Offset))}
	if fs.hit(fs.options.DirectoryFailRate) {
		fs.faultLog.Write(operation, "An unexpected failure occurred", input.NodeId)
		fs.emitSpan(operation, "directory.read", input.NodeId, offsetAttr, fs.abruptEvent("EIO"))
		return fuse.EIO
	}
	if fs.hit(fs.options.DirectoryFailRate) {
		fs.sleep()
		fs.faultLog.Write(operation, "An unexpected delay occurred", input.NodeId)
		fs.emitSpan(operation, "directory.read", input.NodeId, offsetAttr, fs.delayEvent("Directory Read"))
	}
	return fuse.OK
}

func (fs *faultyRawFileSystem) ReadDir(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	if s := fs.readDirFault("readdir", input); s != fuse.OK {
		return s
	}
	return fs.RawFileSystem.ReadDir(cancel, input, out)
}

func (fs *faultyRawFileSystem) ReadDirPlus(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	if s := fs.readDirFault("readdirplus", input); s != fuse.OK {
		return s
	}
	return fs.RawFileSystem.ReadDirPlus(cancel, input, out)
}

func (fs *faultyRawFileSystem) GetAttr(cancel <-chan struct{}, input *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	if fs.hit(fs.options.FileFailRate) {
		fs.faultLog.Write("getattr", "No attributes returned", input.NodeId)
		fs.emitSpan("getattr", "file.getattr", input.NodeId, nil, fs.abruptEvent("EIO"))
		return fuse.EIO
	}
	return fs.RawFileSystem.GetAttr(cancel, input, out)
}

func (fs *faultyRawFileSystem) SetAttr(cancel <-chan struct{}, input *fuse.SetAttrIn, out *fuse.AttrOut) fuse.Status {
	if fs.hit(fs.options.FileFailRate) {
		fs.faultLog.Write("setattr", "No attributes set", input.NodeId)
		fs.emitSpan("setattr", "file.setattr", input.NodeId, nil, fs.abruptEvent("EIO"))
		return fuse.EIO
	}
	return fs.RawFileSystem.SetAttr(cancel, input, out)
}

func (fs *faultyRawFileSystem) Fsync(cancel <-chan struct{}, input *fuse.FsyncIn) fuse.Status {
	if fs.hit(fs.options.FileFailRate) {
		fs.faultLog.Write("fsync", "An unexpected failure occurred", input.NodeId)
		fs.emitSpan("fsync", "file.fsync", input.NodeId, nil, fs.abruptEvent("EIO"))
		return fuse.EIO
	}
	return fs.RawFileSystem.Fsync(cancel, input)
}
