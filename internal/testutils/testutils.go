package testutils

import (
	"time"
)

const defaultWait = time.Second * 2

// RunAndWait runs fn in a goroutine and waits for it to return, for at most two seconds. fn must have its own way
// of returning (a canceled context, a closed channel). Hitting the timeout panics since the goroutine leaked.
func RunAndWait(fn func()) {
	RunAndWaitFor(defaultWait, fn)
}

// RunAndWaitFor is RunAndWait with an explicit timeout
func RunAndWaitFor(timeout time.Duration, fn func()) {
	ch := make(chan struct{})
	go func() {
		fn()
		close(ch)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		panic("goroutine never returned")
	case <-ch:
		return
	}
}
