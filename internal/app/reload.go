package app

import (
	"log/slog"

	"github.com/MrWong99/cadence/internal/config"
)

// ApplyConfig applies the hot-reloadable parts of a changed config: the log
// level, the silence confidence threshold and the turn thresholds. Live
// sessions pick them up immediately and new sessions start with them. Other
// changes are logged and take effect after a restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	a.mu.Lock()
	if d.ThresholdChanged {
		a.hot.threshold = d.NewThreshold
	}
	if d.TurnChanged {
		a.hot.turn = d.NewTurn
	}
	a.mu.Unlock()

	if d.ThresholdChanged {
		a.sessions.ApplyThreshold(d.NewThreshold)
		slog.Info("confidence threshold changed", "threshold", d.NewThreshold)
	}
	if d.TurnChanged {
		a.sessions.ApplyTurnThresholds(d.NewTurn.EndOfTurn(), d.NewTurn.ThinkingPause())
		slog.Info("turn thresholds changed",
			"end_of_turn", d.NewTurn.EndOfTurn(),
			"thinking_pause", d.NewTurn.ThinkingPause(),
		)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
}

func (a *App) hotSettings() hotSettings {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hot
}

// SlogLevel maps a config log level to its slog level. Unknown levels map to
// info.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
