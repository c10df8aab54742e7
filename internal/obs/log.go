package obs

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	loggerOnce sync.Once
	logger     *logrus.Logger
)

// Logger returns the shared structured logger used across the client.
func Logger() *logrus.Logger {
	loggerOnce.Do(func() {
		logger = logrus.New()
		logger.SetOutput(os.Stderr)
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime: "ts",
			},
		})
		logger.SetLevel(logrus.InfoLevel)
	})
	return logger
}

// ConfigureLogger applies level and output settings. Unknown levels keep
// the current level.
func ConfigureLogger(level string, out io.Writer) {
	l := Logger()
	if out != nil {
		l.SetOutput(out)
	}
	if lvl, err := logrus.ParseLevel(strings.TrimSpace(level)); err == nil {
		l.SetLevel(lvl)
	}
}
