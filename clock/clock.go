// A thin wrapper over the system clock which can be replaced with a settable
// clock in tests.
package clock

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
	CurrentTimeMs() uint64
}

type systemClock struct{}

func NewSystemClock() Clock {
	return &systemClock{}
}

func (sc *systemClock) Now() time.Time {
	return time.Now()
}

func (sc *systemClock) CurrentTimeMs() uint64 {
	return uint64(time.Now().UnixMilli())
}

// A clock which only moves when told to.
type TestClock struct {
	lock sync.Mutex
	now  time.Time
}

func NewTestClock(start time.Time) *TestClock {
	return &TestClock{now: start}
}

func (tc *TestClock) Now() time.Time {
	tc.lock.Lock()
	defer tc.lock.Unlock()
	return tc.now
}

func (tc *TestClock) CurrentTimeMs() uint64 {
	tc.lock.Lock()
	defer tc.lock.Unlock()
	return uint64(tc.now.UnixMilli())
}

func (tc *TestClock) Advance(d time.Duration) {
	tc.lock.Lock()
	defer tc.lock.Unlock()
	tc.now = tc.now.Add(d)
}
