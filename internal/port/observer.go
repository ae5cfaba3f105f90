package port

import "time"

// Outcome describes how a channel ended.
type Outcome string

const (
	OutcomeDone        Outcome = "done"
	OutcomeError       Outcome = "error"
	OutcomeCancelled   Outcome = "cancelled"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeIdle        Outcome = "idle"        // closed before any start message
	OutcomeUndelivered Outcome = "undelivered" // terminal response could not be written
)

// Observer receives lifecycle notifications from handlers. Implementations
// must be safe for concurrent use.
type Observer interface {
	ChannelOpened(port string)
	CallStarted(port string)
	ResponseSent(port, typ string)
	SendFailed(port string)
	ChannelClosed(port string, outcome Outcome, lifetime time.Duration)
}

type nopObserver struct{}

func (nopObserver) ChannelOpened(string)                         {}
func (nopObserver) CallStarted(string)                           {}
func (nopObserver) ResponseSent(string, string)                  {}
func (nopObserver) SendFailed(string)                            {}
func (nopObserver) ChannelClosed(string, Outcome, time.Duration) {}
