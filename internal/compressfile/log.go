package compressfile

import (
	"fmt"
	"sync"
)

type log_Logger interface {
	Output(calldepth int, s string) error
}

var globalLoggerLock sync.Mutex
var globalLogger log_Logger
var globalDebug bool

// SetLogger specifies the *log.Logger object where log messages should be
// sent to.
func SetLogger(logger log_Logger) {
	globalLoggerLock.Lock()
	globalLogger = logger
	globalLoggerLock.Unlock()
}

// SetDebug enables the delivery of debug messages to the logger. Only
// meaningful if a logger is also set.
func SetDebug(debug bool) {
	globalLoggerLock.Lock()
	globalDebug = debug
	globalLoggerLock.Unlock()
}

func logf(format string, args ...interface{}) {
	globalLoggerLock.Lock()
	defer globalLoggerLock.Unlock()
	if globalLogger != nil {
		globalLogger.Output(2, fmt.Sprintf(format, args...))
	}
}

func debugf(format string, args ...interface{}) {
	globalLoggerLock.Lock()
	defer globalLoggerLock.Unlock()
	if globalDebug && globalLogger != nil {
		globalLogger.Output(2, fmt.Sprintf(format, args...))
	}
}
