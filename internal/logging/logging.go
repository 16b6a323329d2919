package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arbor/models"

	"evlogai/internal/config"
)

const timeFormat = "15:04:05.000"

// New builds the process logger from the logging section of the config.
// Console output is used when no output is configured.
func New(cfg config.LoggingConfig) arbor.ILogger {
	logger := arbor.NewLogger()

	console, file := false, false
	for _, o := range cfg.Output {
		switch o {
		case "console", "stdout":
			console = true
		case "file":
			file = true
		}
	}
	if !console && !file {
		console = true
	}

	if file {
		dir := logDir()
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "warning: create log directory %s: %v\n", dir, err)
			console = true
		} else {
			logger = logger.WithFileWriter(models.WriterConfiguration{
				Type:       models.LogWriterTypeFile,
				FileName:   filepath.Join(dir, "evlogai.log"),
				TimeFormat: timeFormat,
				MaxSize:    10 * 1024 * 1024,
				MaxBackups: 3,
				OutputType: models.OutputFormatLogfmt,
			})
		}
	}
	if console {
		logger = logger.WithConsoleWriter(models.WriterConfiguration{
			Type:       models.LogWriterTypeConsole,
			TimeFormat: timeFormat,
		})
	}

	level := cfg.Level
	if level == "" {
		level = "info"
	}
	return logger.WithLevelFromString(level)
}

// logDir places logs next to the executable, falling back to the working directory.
func logDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "logs"
	}
	return filepath.Join(filepath.Dir(exe), "logs")
}
