//go:build unix

package hookstate

import (
	"fmt"
	"os"
	"syscall"
	"time"
)

const (
	lockAttempts = 10
	lockBackoff  = 50 * time.Millisecond
)

// flockShared takes an advisory shared lock for reads.
func flockShared(f *os.File) error {
	return flockRetry(f, syscall.LOCK_SH)
}

// flockExclusive takes an advisory exclusive lock for read-modify-write.
func flockExclusive(f *os.File) error {
	return flockRetry(f, syscall.LOCK_EX)
}

func flockUnlock(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}

// flockRetry attempts a non-blocking flock(2) with bounded retry. Advisory
// locks rendezvous the pre, post and stop hook processes without a daemon.
func flockRetry(f *os.File, how int) error {
	var err error
	for attempt := 0; attempt < lockAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(lockBackoff)
		}
		err = syscall.Flock(int(f.Fd()), how|syscall.LOCK_NB)
		if err == nil {
			return nil
		}
		if err != syscall.EWOULDBLOCK {
			return fmt.Errorf("flock failed: %w", err)
		}
	}
	return fmt.Errorf("file locked by another process after %d attempts: %w", lockAttempts, err)
}
