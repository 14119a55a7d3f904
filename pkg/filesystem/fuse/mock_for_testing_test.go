//go:build linux
// +build linux

package fuse_test

import (
	"context"
	"sync"
	"time"

	"github.com/buildbarn/bb-storage/pkg/clock"
	go_fuse "github.com/hanwen/go-fuse/v2/fuse"
)

// fakeClock is a Clock with a fixed wall time whose timers fire
// immediately, so that injected delays do not slow tests down. It
// records every timer duration that was requested.
type fakeClock struct {
	now time.Time

	lock  sync.Mutex
	slept []time.Duration
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) NewContextWithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithCancel(parent)
}

func (c *fakeClock) NewTimer(d time.Duration) (clock.Timer, <-chan time.Time) {
	c.lock.Lock()
	c.slept = append(c.slept, d)
	c.lock.Unlock()
	ch := make(chan time.Time, 1)
	ch <- c.now
	return fakeTimer{}, ch
}

func (c *fakeClock) sleptDurations() []time.Duration {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]time.Duration(nil), c.slept...)
}

type fakeTimer struct{}

func (fakeTimer) Stop() bool {
	return true
}

// scriptedRandomSource replays a fixed sequence of dice rolls, so that
// each fault die can be made to hit or miss independently.
type scriptedRandomSource struct {
	lock  sync.Mutex
	rolls []int
}

func newScriptedRandomSource(rolls ...int) *scriptedRandomSource {
	return &scriptedRandomSource{rolls: rolls}
}

func (rs *scriptedRandomSource) Intn(n int) int {
	rs.lock.Lock()
	defer rs.lock.Unlock()
	if len(rs.rolls) == 0 {
		panic("scripted random source exhausted")
	}
	roll := rs.rolls[0]
	rs.rolls = rs.rolls[1:]
	return roll % n
}

// recordingRawFileSystem is a next layer that records the requests it
// receives and replies with canned results.
type recordingRawFileSystem struct {
	go_fuse.RawFileSystem

	readIn       *go_fuse.ReadIn
	writeIn      *go_fuse.WriteIn
	writtenBytes uint32
	calls        []string
}

func newRecordingRawFileSystem() *recordingRawFileSystem {
	return &recordingRawFileSystem{
		RawFileSystem: go_fuse.NewDefaultRawFileSystem(),
	}
}

func (fs *recordingRawFileSystem) Open(cancel <-chan struct{}, input *go_fuse.OpenIn, out *go_fuse.OpenOut) go_fuse.Status {
	fs.calls = append(fs.calls, "Open")
	return go_fuse.OK
}

func (fs *recordingRawFileSystem) Read(cancel <-chan struct{}, input *go_fuse.ReadIn, buf []byte) (go_fuse.ReadResult, go_fuse.Status) {
	fs.calls = append(fs.calls, "Read")
	in := *input
	fs.readIn = &in
	return go_fuse.ReadResultData(buf[:input.Size]), go_fuse.OK
}

func (fs *recordingRawFileSystem) Write(cancel <-chan struct{}, input *go_fuse.WriteIn, data []byte) (uint32, go_fuse.Status) {
	fs.calls = append(fs.calls, "Write")
	in := *input
	fs.writeIn = &in
	fs.writtenBytes = uint32(len(data))
	return fs.writtenBytes, go_fuse.OK
}

func (fs *recordingRawFileSystem) Flush(cancel <-chan struct{}, input *go_fuse.FlushIn) go_fuse.Status {
	fs.calls = append(fs.calls, "Flush")
	return go_fuse.OK
}

func (fs *recordingRawFileSystem) Fsync(cancel <-chan struct{}, input *go_fuse.FsyncIn) go_fuse.Status {
	fs.calls = append(fs.calls, "Fsync")
	return go_fuse.OK
}

func (fs *recordingRawFileSystem) GetAttr(cancel <-chan struct{}, input *go_fuse.GetAttrIn, out *go_fuse.AttrOut) go_fuse.Status {
	fs.calls = append(fs.calls, "GetAttr")
	return go_fuse.OK
}

func (fs *recordingRawFileSystem) SetAttr(cancel <-chan struct{}, input *go_fuse.SetAttrIn, out *go_fuse.AttrOut) go_fuse.Status {
	fs.calls = append(fs.calls, "SetAttr")
	return go_fuse.OK
}

func (fs *recordingRawFileSystem) OpenDir(cancel <-chan struct{}, input *go_fuse.OpenIn, out *go_fuse.OpenOut) go_fuse.Status {
	fs.calls = append(fs.calls, "OpenDir")
	return go_fuse.OK
}

func (fs *recordingRawFileSystem) ReadDir(cancel <-chan struct{}, input *go_fuse.ReadIn, out *go_fuse.DirEntryList) go_fuse.Status {
	fs.calls = append(fs.calls, "ReadDir")
	return go_fuse.OK
}

func (fs *recordingRawFileSystem) ReadDirPlus(cancel <-chan struct{}, input *go_fuse.ReadIn, out *go_fuse.DirEntryList) go_fuse.Status {
	fs.calls = append(fs.calls, "ReadDirPlus")
	return go_fuse.OK
}
