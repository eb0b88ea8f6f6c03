package supervisor

import (
	"time"

	"golang.org/x/sys/unix"
)

// armPeriodicTimer creates a timerfd that fires once after period and
// then every period thereafter, backing the sampling tick of §4.4
// step 1.
func armPeriodicTimer(period time.Duration) (int, error) {
	return armTimer(period, period)
}

// armOneShotTimer creates a timerfd that fires exactly once after d,
// backing the wall deadline of §4.4 step 2.
func armOneShotTimer(d time.Duration) (int, error) {
	return armTimer(d, 0)
}

func armTimer(initial, interval time.Duration) (int, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC)
	if err != nil {
		return -1, err
	}
	spec := unix.ItimerSpec{
		Value:    durationToTimespec(initial),
		Interval: durationToTimespec(interval),
	}
	if err := unix.TimerfdSettime(fd, 0, &spec, nil); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func durationToTimespec(d time.Duration) unix.Timespec {
	if d <= 0 {
		// A zero itimerspec value disarms; TimerfdSettime callers that
		// want "as soon as possible" should pass a tiny positive
		// duration instead of zero.
		return unix.Timespec{}
	}
	return unix.NsecToTimespec(d.Nanoseconds())
}

// ackTimer reads and discards a timerfd's accumulated expiration
// count. Kernel timerfds accumulate expirations between reads; this
// must happen on every delivery or the descriptor stays readable and
// the poll loop spins.
func ackTimer(fd int) error {
	var buf [8]byte
	_, err := unix.Read(fd, buf[:])
	return err
}

// remainingTime reads a timerfd's time-to-next-expiration without
// disarming it, used to compute elapsed wall time on early exit (the
// deadline timer doubles as a fire event and a remaining-time query,
// per §9).
func remainingTime(fd int) (time.Duration, error) {
	var cur unix.ItimerSpec
	if err := unix.TimerfdGettime(fd, &cur); err != nil {
		return 0, err
	}
	return timespecToDuration(cur.Value), nil
}

func timespecToDuration(ts unix.Timespec) time.Duration {
	return time.Duration(ts.Sec)*time.Second + time.Duration(ts.Nsec)*time.Nanosecond
}
