// Package logger wraps github.com/Laisky/zap into the package-level
// logger the rest of the proxy calls, the same shape the teacher stack
// uses (logger.Logger, logger.SysLog).
package logger

import (
	"github.com/Laisky/zap"
)

// Logger is the process-wide structured logger. Replaced by Init.
var Logger *zap.Logger

func init() {
	Logger, _ = zap.NewProduction()
}

// Init replaces Logger with one configured for the given mode ("dev" or "prod").
func Init(mode string) error {
	var l *zap.Logger
	var err error
	if mode == "dev" {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return err
	}
	Logger = l
	return nil
}

// SysLog logs a process-level informational message outside request scope.
func SysLog(msg string) {
	Logger.Info(msg)
}

// SysError logs a process-level error message outside request scope.
func SysError(msg string) {
	Logger.Error(msg)
}
