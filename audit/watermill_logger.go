package audit

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"

	"github.com/jacentio/gachar/internal/logging"
)

// WatermillLogger adapts zerolog to watermill.LoggerAdapter.
type WatermillLogger struct {
	logger zerolog.Logger
}

var _ watermill.LoggerAdapter = (*WatermillLogger)(nil)

// NewWatermillLogger returns an adapter over logger, or over the global
// logger with component "watermill" when logger is nil.
func NewWatermillLogger(logger *zerolog.Logger) *WatermillLogger {
	l := logging.WithComponent("watermill")
	if logger != nil {
		l = *logger
	}
	return &WatermillLogger{logger: l}
}

func (w *WatermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.logger.Error().Err(err).Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *WatermillLogger) Info(msg string, fields watermill.LogFields) {
	w.logger.Info().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *WatermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.logger.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *WatermillLogger) Trace(msg string, fields watermill.LogFields) {
	w.logger.Trace().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *WatermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &WatermillLogger{logger: w.logger.With().Fields(map[string]interface{}(fields)).Logger()}
}
