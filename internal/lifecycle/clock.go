package lifecycle

import (
	"time"

	"k8s.io/utils/clock"
)

// Clock is the time source for the stop timer and the poll tickers.
// clock.RealClock satisfies it in production and the fake clock from
// k8s.io/utils/clock/testing in tests.
type Clock interface {
	clock.WithTicker
	AfterFunc(d time.Duration, f func()) clock.Timer
}
