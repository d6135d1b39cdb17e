package platform

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// SystemClock sets the host wall clock. Requires the process to hold
// CAP_SYS_TIME.
type SystemClock struct{}

func (SystemClock) SetTime(epochMillis int64) error {
	if epochMillis < 0 {
		return fmt.Errorf("time %d is before the epoch", epochMillis)
	}
	tv := unix.NsecToTimeval(epochMillis * int64(time.Millisecond))
	if err := unix.Settimeofday(&tv); err != nil {
		return fmt.Errorf("settimeofday: %w", err)
	}
	return nil
}
