package main

import (
	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
)

// logWriter feeds the btclog backend into the rotating log file once
// initLogRotator has opened it; before that, log output is dropped.
type logWriter struct {
	rotator *rotator.Rotator
}

func (w *logWriter) Write(b []byte) (int, error) {
	if w.rotator == nil {
		return len(b), nil
	}
	return w.rotator.Write(b)
}

var (
	logw       = &logWriter{}
	backendLog = btclog.NewBackend(logw)

	ltndLog  = backendLog.Logger("DEPO")
	watchLog = backendLog.Logger("WTCH")
	dispLog  = backendLog.Logger("DISP")
	storLog  = backendLog.Logger("STOR")
	lifeLog  = backendLog.Logger("LIFE")
	batchLog = backendLog.Logger("BTCH")
	gasLog   = backendLog.Logger("GASM")
	maintLog = backendLog.Logger("MAIN")
)

// subsystemLoggers maps each subsystem tag to its logger so setLogLevels
// can walk them generically.
var subsystemLoggers = map[string]btclog.Logger{
	"DEPO": ltndLog,
	"WTCH": watchLog,
	"DISP": dispLog,
	"STOR": storLog,
	"LIFE": lifeLog,
	"BTCH": batchLog,
	"GASM": gasLog,
	"MAIN": maintLog,
}

// setLogLevels assigns the given level string to every registered
// subsystem logger.
func setLogLevels(levelStr string) {
	level, ok := btclog.LevelFromString(levelStr)
	if !ok {
		level = btclog.LevelInfo
	}
	for _, logger := range subsystemLoggers {
		logger.SetLevel(level)
	}
}

// initLogRotator opens the rotating log file logWriter writes to.
func initLogRotator(logFile string) error {
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return err
	}
	logw.rotator = r
	return nil
}

// flushLog closes the rotator's underlying file handle on shutdown.
func flushLog() {
	if logw.rotator != nil {
		logw.rotator.Close()
	}
}
