package logger

import (
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type globalFactory struct {
	sync.Mutex
	config                  GlobalConfig
	loggers                 map[string]*ContextLogger
	context                 Context
	consoleTimeFormat       string
	callerSkipFrames        int // how many frames to skip to get real caller. Not meant to be changed by callers.
	packageNameResolver     *PackageNameResolver
	nonAlphaNumericRegex    *regexp.Regexp
	globalLoggerInitialized bool
}

// Singleton for managing application wide logging.
var globalFactoryImpl *globalFactory

func init() {
	globalFactoryImpl = &globalFactory{
		loggers:              make(map[string]*ContextLogger),
		context:              make(Context),
		consoleTimeFormat:    "15:04:05.000000",
		callerSkipFrames:     3,
		packageNameResolver:  &PackageNameResolver{BasePackage: "alphabill-org/automaton", Depth: 2},
		nonAlphaNumericRegex: regexp.MustCompile(`[^a-zA-Z0-9]`),
	}
}

// SetContext sets context for all loggers
func SetContext(key string, value interface{}) {
	globalFactoryImpl.Lock()
	defer globalFactoryImpl.Unlock()
	globalFactoryImpl.context[key] = value
	globalFactoryImpl.updateAllLoggers()
}

// ClearContext will clear a context key from all loggers
func ClearContext(key string) {
	globalFactoryImpl.Lock()
	defer globalFactoryImpl.Unlock()
	delete(globalFactoryImpl.context, key)
	globalFactoryImpl.updateAllLoggers()
}

// CreateForPackage creates logger named after the caller package.
func CreateForPackage() Logger {
	return Create(globalFactoryImpl.packageNameResolver.PackageName())
}

// Create creates custom named logger
func Create(name string) Logger {
	return globalFactoryImpl.create(name)
}

// UpdateGlobalConfig updates global config and all loggers accordingly.
func UpdateGlobalConfig(config GlobalConfig) {
	globalFactoryImpl.Lock()
	defer globalFactoryImpl.Unlock()
	globalFactoryImpl.updateFromConfig(config)
}

// UpdateGlobalConfigFromFile reads the YAML file and updates the global logger configuration.
// In case of an error, logger won't be updated.
func UpdateGlobalConfigFromFile(fileName string) error {
	conf, err := loadGlobalConfigFromFile(fileName)
	if err != nil {
		return err
	}
	UpdateGlobalConfig(conf)
	return nil
}

// InitializeGlobalLogger initializes global logger with default configuration if it hasn't been initialized already.
func InitializeGlobalLogger() {
	globalFactoryImpl.Lock()
	defer globalFactoryImpl.Unlock()
	if !globalFactoryImpl.globalLoggerInitialized {
		globalFactoryImpl.updateFromConfig(developerConfiguration())
	}
}

func (gf *globalFactory) updateFromConfig(config GlobalConfig) {
	if config.Writer == nil {
		config.Writer = gf.config.Writer
	}
	formatChanged := !gf.globalLoggerInitialized ||
		config.Writer != gf.config.Writer ||
		config.ConsoleFormat != gf.config.ConsoleFormat ||
		config.ShowCaller != gf.config.ShowCaller
	gf.config = config

	if formatChanged {
		gf.updateOutputFormat()
	}
	if config.TimeLocation != "" {
		updateTimeLocation(config.TimeLocation)
	}
	gf.updateAllLoggers()
}

func updateTimeLocation(location string) {
	loc, err := time.LoadLocation(location)
	if err != nil {
		loc = time.UTC
	}
	zerolog.TimestampFunc = func() time.Time {
		return time.Now().In(loc)
	}
}

func (gf *globalFactory) updateOutputFormat() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	var zl zerolog.Logger
	if gf.config.ConsoleFormat {
		zl = zerolog.New(zerolog.ConsoleWriter{
			Out:          gf.config.Writer,
			TimeFormat:   gf.consoleTimeFormat,
			FormatCaller: shortCaller,
		}).With().Timestamp().Logger()
	} else {
		zl = zerolog.New(gf.config.Writer).With().Timestamp().Logger()
	}
	if gf.config.ShowCaller {
		zl = zl.With().CallerWithSkipFrameCount(gf.callerSkipFrames).Logger()
	}
	log.Logger = zl
	gf.globalLoggerInitialized = true
}

func (gf *globalFactory) updateAllLoggers() {
	for name, l := range gf.loggers {
		l.update(gf.loggerLevel(name), gf.contextCopy(), gf.config.ShowGoroutineID)
	}
}

func (gf *globalFactory) create(name string) Logger {
	gf.Lock()
	defer gf.Unlock()

	normName := gf.nonAlphaNumericRegex.ReplaceAllString(name, "_")
	if l, ok := gf.loggers[normName]; ok {
		return l
	}
	// log levels can be configured per logger name, loggers are expected to be named after the package
	cl := newContextLogger(gf.loggerLevel(normName), gf.contextCopy(), gf.config.ShowGoroutineID)
	gf.loggers[normName] = cl
	return cl
}

func (gf *globalFactory) contextCopy() Context {
	c := make(Context, len(gf.context))
	for k, v := range gf.context {
		c[k] = v
	}
	return c
}

func (gf *globalFactory) loggerLevel(loggerName string) LogLevel {
	if level, ok := gf.config.PackageLevels[loggerName]; ok {
		return level
	}
	return gf.config.DefaultLevel
}
