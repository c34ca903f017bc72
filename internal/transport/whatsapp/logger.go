package whatsapp

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// zlog routes whatsmeow's printf-style logging into zerolog. whatsmeow is
// chatty at info, so everything below warn is demoted to debug.
type zlog struct {
	logger zerolog.Logger
}

func newLogger(module string) waLog.Logger {
	return &zlog{logger: log.With().Str("component", "whatsmeow").Str("module", module).Logger()}
}

func (l *zlog) Errorf(msg string, args ...interface{}) {
	l.logger.Error().Msg(fmt.Sprintf(msg, args...))
}

func (l *zlog) Warnf(msg string, args ...interface{}) {
	l.logger.Warn().Msg(fmt.Sprintf(msg, args...))
}

func (l *zlog) Infof(msg string, args ...interface{}) {
	l.logger.Debug().Msg(fmt.Sprintf(msg, args...))
}

func (l *zlog) Debugf(msg string, args ...interface{}) {
	l.logger.Trace().Msg(fmt.Sprintf(msg, args...))
}

func (l *zlog) Sub(module string) waLog.Logger {
	return &zlog{logger: l.logger.With().Str("module", module).Logger()}
}
