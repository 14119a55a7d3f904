//go:build linux
// +build linux

package fuse

import (
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/interposefs/interposefs/pkg/throttle"
)

type throttlingRawFileSystem struct {
	fuse.RawFileSystem

	readBucket  *throttle.TokenBucket
	writeBucket *throttle.TokenBucket
}

// NewThrottlingRawFileSystem creates a decorator for RawFileSystem
// that bounds read and write throughput with per-direction token
// buckets. Tokens for the full requested byte count are consumed
// before the operation is forwarded; requests larger than a bucket's
// capacity wait for repeated replenishment rather than being split.
// All other operations pass through unmodified.
func NewThrottlingRawFileSystem(base fuse.RawFileSystem, readBucket, writeBucket *throttle.TokenBucket) fuse.RawFileSystem {
	return &throttlingRawFileSystem{
		RawFileSystem: base,

		readBucket:  readBucket,
		writeBucket: writeBucket,
	}
}

func (fs *throttlingRawFileSystem) Read(cancel <-chan struct{}, input *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	fs.readBucket.Consume(int64(input.Size))
	return fs.RawFileSystem.Read(cancel, input, buf)
}

func (fs *throttlingRawFileSystem) Write(cancel <-chan struct{}, input *fuse.WriteIn, data []byte) (uint32, fuse.Status) {
	fs.writeBucket.Consume(int64(len(data)))
	return fs.RawFileSystem.Write(cancel, input, data)
}
