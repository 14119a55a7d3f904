package fuse

import (
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/buildbarn/bb-storage/pkg/clock"
)

// FaultLog appends one plain-text line per injected fault, so that
// chaos experiments leave a concrete artifact to compare observed
// application behavior against. Writes are best-effort: a log that
// cannot be opened or written must never fail the request that
// triggered the fault.
type FaultLog struct {
	path  string
	clock clock.Clock

	lock sync.Mutex
}

// NewFaultLog creates a fault log that appends to the file at path,
// creating it on first use.
func NewFaultLog(path string, clock clock.Clock) *FaultLog {
	return &FaultLog{
		path:  path,
		clock: clock,
	}
}

// Write appends a record for a single fault.
func (fl *FaultLog) Write(operation, message string, inodeNumber uint64) {
	fl.lock.Lock()
	defer fl.lock.Unlock()

	f, err := os.OpenFile(fl.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("Failed to open fault log %#v: %s", fl.path, err)
		return
	}
	defer f.Close()

	if _, err := fmt.Fprintf(
		f,
		"[%s] ERROR: %s: %s. Inode Number: %d\n",
		fl.clock.Now().Format("2006-01-02 15:04:05"),
		operation,
		message,
		inodeNumber,
	); err != nil {
		log.Printf("Failed to write fault log %#v: %s", fl.path, err)
	}
}
