//go:build !unix

package hookstate

import "os"

// Advisory locks are a no-op on platforms without flock(2). Hook
// processes there race only within the same turn, and the last writer
// wins on the same call id.

func flockShared(f *os.File) error { return nil }

func flockExclusive(f *os.File) error { return nil }

func flockUnlock(f *os.File) error { return nil }
