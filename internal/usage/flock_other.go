//go:build !unix

package usage

import "os"

// Advisory file locking is unix-only; elsewhere the in-process mutex is the
// only serialization.
func lockFile(f *os.File) error { return nil }

func unlockFile(f *os.File) {}
