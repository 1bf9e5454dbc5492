package logutil

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. With an empty logFile everything goes to
// stdout; otherwise the log is teed to the file and stdout.
func New(logFile string, verbose bool) *zap.Logger {
	lvl := zapcore.InfoLevel
	if verbose {
		lvl = zapcore.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	enc := zapcore.NewJSONEncoder(encCfg)

	consoleCore := zapcore.NewCore(enc, zapcore.AddSync(os.Stdout), lvl)
	if logFile == "" {
		return zap.New(consoleCore)
	}

	_ = os.MkdirAll(filepath.Dir(logFile), 0o755)
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return zap.New(consoleCore)
	}
	fileCore := zapcore.NewCore(enc, zapcore.AddSync(f), lvl)
	return zap.New(zapcore.NewTee(fileCore, consoleCore))
}
