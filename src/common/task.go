package common

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// TimerFactory returns a channel that fires after the given duration. Tests
// replace it to drive a Task without real sleeps.
type TimerFactory func(time.Duration) <-chan time.Time

// Task runs a function at a fixed interval until it is stopped. An error or a
// panic inside one iteration is logged and the loop carries on.
type Task struct {
	name         string
	interval     time.Duration
	fn           func() error
	timerFactory TimerFactory
	logger       *logrus.Entry

	stopCh   chan struct{} //receives instruction to exit Run loop
	doneCh   chan struct{} //closed when Run returns
	stopOnce sync.Once
}

// NewTask creates a Task that calls fn every interval.
func NewTask(name string, interval time.Duration, fn func() error, logger *logrus.Entry) *Task {
	return &Task{
		name:         name,
		interval:     interval,
		fn:           fn,
		timerFactory: time.After,
		logger:       logger.WithField("task", name),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// SetTimerFactory overrides the default time.After timer.
func (t *Task) SetTimerFactory(f TimerFactory) {
	t.timerFactory = f
}

// Name ...
func (t *Task) Name() string {
	return t.name
}

// RunOnce executes a single iteration and returns its error. Panics are
// converted to errors.
func (t *Task) RunOnce() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s task panicked: %v", t.name, r)
		}
	}()
	return t.fn()
}

// Run blocks, calling RunOnce every interval, until Stop is called.
func (t *Task) Run() {
	defer close(t.doneCh)

	for {
		timer := t.timerFactory(t.interval)
		select {
		case <-timer:
			if err := t.RunOnce(); err != nil {
				t.logger.WithError(err).Error("Task iteration failed")
			}
		case <-t.stopCh:
			t.logger.Debug("Task stopped")
			return
		}
	}
}

// RunAsync calls Run in a separate goroutine.
func (t *Task) RunAsync() {
	go t.Run()
}

// Stop signals the Run loop to exit. It is safe to call more than once.
func (t *Task) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
	})
}

// Done is closed once Run has returned.
func (t *Task) Done() <-chan struct{} {
	return t.doneCh
}
