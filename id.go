package loom

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUnix returns current time as Unix seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}

var versionCounter atomic.Uint64

// NextVersion returns a monotonic snapshot version string. Versions sort
// lexicographically in issue order within a process.
func NextVersion() string {
	return fmt.Sprintf("v%016x", versionCounter.Add(1))
}
