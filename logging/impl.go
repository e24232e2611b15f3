package logging

import (
	"go.uber.org/zap"
)

type impl struct {
	name    string
	sugared *zap.SugaredLogger
}

func (l *impl) Debug(args ...interface{}) { l.sugared.Debug(args...) }
func (l *impl) Debugf(format string, args ...interface{}) {
	l.sugared.Debugf(format, args...)
}
func (l *impl) Debugw(msg string, keysAndValues ...interface{}) {
	l.sugared.Debugw(msg, keysAndValues...)
}

func (l *impl) Info(args ...interface{}) { l.sugared.Info(args...) }
func (l *impl) Infof(format string, args ...interface{}) {
	l.sugared.Infof(format, args...)
}
func (l *impl) Infow(msg string, keysAndValues ...interface{}) {
	l.sugared.Infow(msg, keysAndValues...)
}

func (l *impl) Warn(args ...interface{}) { l.sugared.Warn(args...) }
func (l *impl) Warnf(format string, args ...interface{}) {
	l.sugared.Warnf(format, args...)
}
func (l *impl) Warnw(msg string, keysAndValues ...interface{}) {
	l.sugared.Warnw(msg, keysAndValues...)
}

func (l *impl) Error(args ...interface{}) { l.sugared.Error(args...) }
func (l *impl) Errorf(format string, args ...interface{}) {
	l.sugared.Errorf(format, args...)
}
func (l *impl) Errorw(msg string, keysAndValues ...interface{}) {
	l.sugared.Errorw(msg, keysAndValues...)
}

func (l *impl) Sublogger(subname string) Logger {
	return &impl{name: l.name + "." + subname, sugared: l.sugared.Named(subname)}
}

func (l *impl) AsZap() *zap.SugaredLogger { return l.sugared }
