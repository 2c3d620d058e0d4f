package syncengine

import (
	"convsync/pkg/convtypes"
)

// Poll stream names reported to observers.
const (
	StreamPrimary = "primary"
	StreamHandoff = "handoff"
)

// Observer receives engine telemetry. Methods are called with the engine lock
// held and must not call back into the engine.
type Observer interface {
	PollCompleted(stream string, status convtypes.Status)
	PollFailed(stream string, err error)
	ErrorRecorded(kind ErrorKind)
	HandoffChanged(active bool)
	PendingDivergence(explicit, scanned int)
	LoadingChanged(loading bool)
}

// NopObserver discards all telemetry.
type NopObserver struct{}

func (NopObserver) PollCompleted(string, convtypes.Status) {}
func (NopObserver) PollFailed(string, error)               {}
func (NopObserver) ErrorRecorded(ErrorKind)                {}
func (NopObserver) HandoffChanged(bool)                    {}
func (NopObserver) PendingDivergence(int, int)             {}
func (NopObserver) LoadingChanged(bool)                    {}
