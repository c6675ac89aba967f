package main

import "time"

// Clock provides time operations so retry and refresh timers can be driven
// deterministically in tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable timer armed through a Clock.
type Timer interface {
	Stop() bool
}

// systemClock uses real time.
type systemClock struct{}

func newSystemClock() *systemClock { return &systemClock{} }

func (c *systemClock) Now() time.Time { return time.Now() }

func (c *systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return &systemTimer{timer: time.AfterFunc(d, f)}
}

type systemTimer struct {
	timer *time.Timer
}

func (t *systemTimer) Stop() bool { return t.timer.Stop() }
