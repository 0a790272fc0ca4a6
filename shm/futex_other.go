//go:build !linux

package shm

import (
	"errors"
	"time"
)

const futexSupported = false

func futexWait(*uint32, uint32, time.Duration) error {
	return errors.New("shm: futex not supported")
}

func futexWake(*uint32) {}
