package xmsg

import (
	"github.com/trickstertwo/xlog"
)

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver is an Adapter that emits bus events via xlog.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	ev := o.Logger.With(
		xlog.Str("type", string(e.Type)),
		xlog.Str("tag", string(e.Tag)),
		xlog.Str("sender", e.Sender.String()),
		xlog.Str("recipient", e.Recipient.String()),
	)
	switch e.Type {
	case EventError, EventHandlerError:
		ev.Warn().Err(e.Err).Msg("xmsg event")
	case EventDropped:
		ev.Debug().Str("reason", string(e.Reason)).Msg("xmsg event")
	default:
		if e.Duration > 0 {
			ev = ev.With(xlog.Dur("duration", e.Duration))
		}
		ev.Debug().Msg("xmsg event")
	}
}
