package logging

import (
	"os"

	"github.com/op/go-logging"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/bnb-chain/eth-gateway/config"
)

var (
	// Logger instance for quick declarative logging levels
	Logger = logging.MustGetLogger("eth-gateway")
	// log levels that are available
	levels = map[string]logging.Level{
		"CRITICAL": logging.CRITICAL,
		"ERROR":    logging.ERROR,
		"WARNING":  logging.WARNING,
		"NOTICE":   logging.NOTICE,
		"INFO":     logging.INFO,
		"DEBUG":    logging.DEBUG,
	}
)

const consoleFormat = `%{color}%{time:2006-01-02 15:04:05.000} %{level:.4s} %{shortfunc}%{color:reset} %{message}`
const fileFormat = `%{time:2006-01-02 15:04:05.000} %{level:.4s} %{shortfile} %{shortfunc} %{message}`

// InitLogger initialises the logger.
func InitLogger(cfg *config.LogConfig) {
	cfg.Validate()
	backends := make([]logging.Backend, 0)

	level, ok := levels[cfg.Level]
	if !ok {
		level = logging.INFO
	}

	if cfg.UseConsoleLogger {
		consoleLogger := logging.NewLogBackend(os.Stdout, "", 0)
		consoleFormatter := logging.NewBackendFormatter(consoleLogger, logging.MustStringFormatter(consoleFormat))
		consoleLoggerLeveled := logging.AddModuleLevel(consoleFormatter)
		consoleLoggerLeveled.SetLevel(level, "")
		backends = append(backends, consoleLoggerLeveled)
	}

	if cfg.UseFileLogger {
		output := &lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    cfg.MaxFileSizeInMB,
			MaxBackups: cfg.MaxBackupsOfLogFiles,
			MaxAge:     cfg.MaxAgeToRetainLogFilesInDays,
			Compress:   cfg.Compress,
		}
		fileLogger := logging.NewLogBackend(output, "", 0)
		fileFormatter := logging.NewBackendFormatter(fileLogger, logging.MustStringFormatter(fileFormat))
		fileLoggerLeveled := logging.AddModuleLevel(fileFormatter)
		fileLoggerLeveled.SetLevel(level, "")
		backends = append(backends, fileLoggerLeveled)
	}

	if len(backends) == 0 {
		return
	}
	logging.SetBackend(backends...)
}
