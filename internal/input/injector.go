package input

import (
	"log/slog"

	"github.com/postalsys/deskline/internal/logging"
	"github.com/postalsys/deskline/internal/metrics"
	"github.com/postalsys/deskline/internal/peer"
)

// Injector replays decoded input on the agent's desktop.
type Injector interface {
	Key(ev KeyEvent) error
	Pointer(ev PointerEvent) error
	Combo(c Combo) error
}

// LogInjector records events in the log instead of injecting them.
type LogInjector struct {
	Logger *slog.Logger
}

func (l LogInjector) Key(ev KeyEvent) error {
	l.Logger.Debug("key", logging.KeyType, string(ev.Type), "code", ev.Code, "key", ev.Key)
	return nil
}

func (l LogInjector) Pointer(ev PointerEvent) error {
	l.Logger.Debug("pointer", logging.KeyType, string(ev.Type), "x", ev.X, "y", ev.Y, "button", string(ev.Button))
	return nil
}

func (l LogInjector) Combo(c Combo) error {
	l.Logger.Info("special key combo", "combo", string(c))
	return nil
}

// NopInjector discards every event.
type NopInjector struct{}

func (NopInjector) Key(KeyEvent) error         { return nil }
func (NopInjector) Pointer(PointerEvent) error { return nil }
func (NopInjector) Combo(Combo) error          { return nil }

// Serve decodes every message on ch and hands it to inj. Undecodable
// messages are logged, counted and dropped.
func Serve(ch peer.Channel, inj Injector, logger *slog.Logger, m *metrics.Metrics) {
	logger = logging.Component(logger, "input")
	ch.OnMessage(func(data []byte) {
		ev, err := Decode(data)
		if err != nil {
			logger.Warn("dropping malformed input event", logging.KeyError, err)
			if m != nil {
				m.RecordMalformed(peer.LabelInput)
			}
			return
		}

		switch e := ev.(type) {
		case KeyEvent:
			err = inj.Key(e)
		case PointerEvent:
			err = inj.Pointer(e)
		case ComboEvent:
			err = inj.Combo(e.Combo)
		}
		if err != nil {
			logger.Warn("input injection failed", logging.KeyError, err)
		}
	})
}
