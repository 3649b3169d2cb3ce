package logs

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger — глобальный логгер. До Init пишет в stderr на уровне info,
// поэтому пакеты и тесты логируют без явной инициализации.
var Logger = logrus.New()

type Options struct {
	Level  string    // trace|debug|info|warning|error|fatal
	Format string    // text|json
	File   string    // префикс лог-файла; пусто — только Output
	Output io.Writer // nil — stdout
}

// Init пересобирает глобальный логгер. Неизвестный уровень — info.
func Init(opts Options) error {
	l := logrus.New()
	lvl, err := logrus.ParseLevel(strings.TrimSpace(opts.Level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	switch opts.Format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	var out io.Writer = os.Stdout
	if opts.Output != nil {
		out = opts.Output
	}
	if opts.File != "" {
		name := fmt.Sprintf("%s_%s.log", opts.File, time.Now().Format("2006-01-02_15-04-05"))
		f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return fmt.Errorf("open log file %s: %w", name, err)
		}
		out = io.MultiWriter(f, out)
	}
	l.SetOutput(out)

	Logger = l
	return nil
}

// For — entry с полем component.
func For(component string) *logrus.Entry {
	return Logger.WithField("component", component)
}
