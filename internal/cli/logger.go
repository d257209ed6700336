package cli

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger returns the command logger, writing JSON lines to stderr.
// --verbose forces debug level; otherwise --level applies.
func (g *Globals) Logger() *zap.Logger {
	if g.logger != nil {
		return g.logger
	}
	if g.Stderr == nil {
		g.logger = zap.NewNop()
		return g.logger
	}

	level := logLevel(g.Level)
	if g.Verbose {
		level = zap.DebugLevel
	}
	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(g.Stderr), zap.NewAtomicLevelAt(level))
	g.logger = zap.New(core)
	return g.logger
}

// Debug logs a formatted debug line; it only shows with --verbose.
func (g *Globals) Debug(format string, args ...interface{}) {
	g.Logger().Sugar().Debugf(format, args...)
}

func logLevel(s string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}
