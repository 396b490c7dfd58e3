package eventloop

import (
	"fmt"

	"github.com/joeycumines/logiface"
)

// Structured logging for the loop, via logiface. Every helper tolerates a
// nil logger, in which case nothing is emitted.

// Logger returns the logger configured via WithLogger, which may be nil.
func (l *Loop) Logger() *logiface.Logger[logiface.Event] {
	return l.logger
}

func (l *Loop) logPanic(category string, r any) {
	l.logger.Err().
		Str("category", category).
		Uint64("loop_id", l.id).
		Str("panic", fmt.Sprint(r)).
		Log("eventloop: task panicked")
}

func (l *Loop) logPollError(err error) {
	l.logger.Crit().
		Str("category", "poll").
		Uint64("loop_id", l.id).
		Err(err).
		Log("eventloop: poll failed, terminating loop")
}

func (l *Loop) logState(msg string) {
	l.logger.Debug().
		Str("category", "state").
		Uint64("loop_id", l.id).
		Stringer("state", l.state.Load()).
		Log(msg)
}
