package verification

import (
	"time"

	"github.com/golang/glog"
)

// StageEvent reports the outcome of a single pipeline stage.
type StageEvent struct {
	Stage    Stage
	OK       bool
	Detail   string
	Warnings []string
	Duration time.Duration
}

// Observer receives an event after every stage that ran.
// Implementations must be safe for concurrent use if the Verifier is.
type Observer interface {
	StageDone(event StageEvent)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(event StageEvent)

// StageDone implements Observer.
func (f ObserverFunc) StageDone(event StageEvent) {
	f(event)
}

// NopObserver discards all events.
type NopObserver struct{}

// StageDone implements Observer.
func (NopObserver) StageDone(StageEvent) {}

// LogObserver logs every event using glog.
// Passing stages are logged at verbosity 1.
type LogObserver struct{}

// StageDone implements Observer.
func (LogObserver) StageDone(event StageEvent) {
	for _, w := range event.Warnings {
		glog.Warningf("%s: %s", event.Stage, w)
	}
	if !event.OK {
		glog.Errorf("%s: FAIL after %s: %s", event.Stage, event.Duration, event.Detail)
		return
	}
	glog.V(1).Infof("%s: ok after %s", event.Stage, event.Duration)
}
