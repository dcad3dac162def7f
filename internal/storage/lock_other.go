//go:build !unix

package storage

import (
	"errors"
	"os"
)

// Without flock the lock is the existence of the lock file.
func tryLock(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, errBusy
		}
		return nil, err
	}
	return file, nil
}

func unlock(file *os.File, path string) error {
	err := file.Close()
	if rerr := os.Remove(path); err == nil {
		err = rerr
	}
	return err
}
