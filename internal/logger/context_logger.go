package logger

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type (
	// ContextLogger is a named logger. The backing zerolog instance is rebuilt
	// whenever global configuration changes.
	ContextLogger struct {
		mu              sync.RWMutex
		zeroLogger      *zerolog.Logger
		level           LogLevel
		context         Context
		fields          Context
		showGoroutineID bool
	}

	Context map[string]interface{}
)

// newContextLogger creates the logger but doesn't build the zerolog instance yet,
// so loggers can be created in the var phase before global configuration is loaded.
func newContextLogger(level LogLevel, context Context, showGoroutineID bool) *ContextLogger {
	return &ContextLogger{
		level:           level,
		context:         context,
		showGoroutineID: showGoroutineID,
	}
}

func (c *ContextLogger) logger() *zerolog.Logger {
	c.mu.RLock()
	zl := c.zeroLogger
	c.mu.RUnlock()
	if zl != nil {
		return zl
	}
	InitializeGlobalLogger()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.zeroLogger == nil {
		c.rebuild()
	}
	return c.zeroLogger
}

func (c *ContextLogger) update(level LogLevel, context Context, showGoroutineID bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.level = level
	c.context = context
	c.showGoroutineID = showGoroutineID
	c.rebuild()
}

// rebuild must be called with c.mu held.
func (c *ContextLogger) rebuild() {
	zl := log.Level(toZeroLevel(c.level))
	ctx := zl.With()
	for key, value := range c.context {
		ctx = ctx.Interface(key, value)
	}
	for key, value := range c.fields {
		ctx = ctx.Interface(key, value)
	}
	zl = ctx.Logger()
	if c.showGoroutineID {
		zl = zl.Hook(goRoutineIDHook{})
	}
	c.zeroLogger = &zl
}

func (c *ContextLogger) Trace(format string, args ...interface{}) {
	logMessage(c.logger().Trace(), format, args)
}

func (c *ContextLogger) Debug(format string, args ...interface{}) {
	logMessage(c.logger().Debug(), format, args)
}

func (c *ContextLogger) Info(format string, args ...interface{}) {
	logMessage(c.logger().Info(), format, args)
}

func (c *ContextLogger) Warning(format string, args ...interface{}) {
	logMessage(c.logger().Warn(), format, args)
}

func (c *ContextLogger) Error(format string, args ...interface{}) {
	logMessage(c.logger().Error(), format, args)
}

func (c *ContextLogger) With(key string, value interface{}) Logger {
	c.mu.RLock()
	fields := make(Context, len(c.fields)+1)
	for k, v := range c.fields {
		fields[k] = v
	}
	child := &ContextLogger{
		level:           c.level,
		context:         c.context,
		showGoroutineID: c.showGoroutineID,
	}
	c.mu.RUnlock()
	fields[key] = value
	child.fields = fields
	return child
}

func (c *ContextLogger) GetLevel() LogLevel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.level
}

// ChangeLevel changes the level of the context logger.
func (c *ContextLogger) ChangeLevel(newLevel LogLevel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.level = newLevel
	c.rebuild()
}

func logMessage(event *zerolog.Event, format string, args []interface{}) {
	if len(args) == 0 {
		event.Msg(format)
	} else {
		event.Msgf(format, args...)
	}
}

// adds goroutine ID to the log event
type goRoutineIDHook struct{}

func (h goRoutineIDHook) Run(e *zerolog.Event, _ zerolog.Level, _ string) {
	e.Uint64("GoID", goroutineID())
}

func toZeroLevel(lvl LogLevel) zerolog.Level {
	switch lvl {
	case NONE:
		return zerolog.Disabled
	case TRACE:
		return zerolog.TraceLevel
	case DEBUG:
		return zerolog.DebugLevel
	case INFO:
		return zerolog.InfoLevel
	case WARNING:
		return zerolog.WarnLevel
	case ERROR:
		return zerolog.ErrorLevel
	default:
		panic(fmt.Sprintf("unknown level: %d", lvl))
	}
}
