package logger

import "strings"

type Logger interface {
	Trace(format string, args ...interface{})
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warning(format string, args ...interface{})
	Error(format string, args ...interface{})
	// With returns a child logger which adds key=value to every message.
	With(key string, value interface{}) Logger
	// GetLevel returns the level the logger is currently running at.
	GetLevel() LogLevel
	// ChangeLevel changes logger level to the newLevel.
	ChangeLevel(newLevel LogLevel)
}

type LogLevel uint

const (
	NONE LogLevel = iota
	ERROR
	WARNING
	INFO
	DEBUG
	TRACE
)

var levelNames = map[LogLevel]string{
	NONE:    "NONE",
	ERROR:   "ERROR",
	WARNING: "WARNING",
	INFO:    "INFO",
	DEBUG:   "DEBUG",
	TRACE:   "TRACE",
}

// LevelFromString parses level name (case insensitive). Unknown names map to DEBUG.
func LevelFromString(s string) LogLevel {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "WARN" {
		return WARNING
	}
	for lvl, name := range levelNames {
		if name == s {
			return lvl
		}
	}
	return DEBUG
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}
