package maintenance

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

// Tombstone is the process-wide pause flag. It trips when resident
// memory exceeds the cap and clears once usage falls below 70% of it.
// Optional background loops consult Paused and skip their iteration
// while it is set.
type Tombstone struct {
	capBytes uint64
	paused   atomic.Bool
	readRSS  func() (uint64, error)
}

// NewTombstone creates a Tombstone with the given memory cap in bytes.
// capBytes <= 0 disables the check entirely.
func NewTombstone(capBytes int64) *Tombstone {
	t := &Tombstone{readRSS: procRSS}
	if capBytes > 0 {
		t.capBytes = uint64(capBytes)
	}
	return t
}

// Paused reports whether background work should be skipped.
func (t *Tombstone) Paused() bool { return t.paused.Load() }

// Check samples resident memory and flips the flag accordingly. Returns
// the transition (-1 cleared, 0 unchanged, +1 set) for logging.
func (t *Tombstone) Check() (int, error) {
	if t.capBytes == 0 {
		return 0, nil
	}
	rss, err := t.readRSS()
	if err != nil {
		return 0, fmt.Errorf("read rss: %w", err)
	}
	switch {
	case rss > t.capBytes && !t.paused.Load():
		t.paused.Store(true)
		return 1, nil
	case rss < t.capBytes*7/10 && t.paused.Load():
		t.paused.Store(false)
		return -1, nil
	}
	return 0, nil
}

// procRSS reads resident set size from /proc/self/statm.
func procRSS() (uint64, error) {
	data, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0, fmt.Errorf("malformed statm: %q", data)
	}
	pages, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse statm rss: %w", err)
	}
	return pages * uint64(os.Getpagesize()), nil
}
