package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

type Fields struct {
	Service    string
	Level      Level
	SessionID  string
	ItemID     string
	OrderID    string
	EventID    string
	CaseID     string
	Step       string
	Status     string
	DurationMS int64
	Message    string
	Err        error
}

var logger atomic.Pointer[slog.Logger]

func init() {
	SetOutput(os.Stderr)
}

// SetOutput redirects all records to w as one JSON object per line.
func SetOutput(w io.Writer) {
	logger.Store(slog.New(slog.NewJSONHandler(w, nil)))
}

func Log(fields Fields) {
	attrs := make([]slog.Attr, 0, 11)
	attrs = append(attrs, slog.String("service", fields.Service))
	add := func(key, value string) {
		if value != "" {
			attrs = append(attrs, slog.String(key, value))
		}
	}
	add("session_id", fields.SessionID)
	add("item_id", fields.ItemID)
	add("order_id", fields.OrderID)
	add("event_id", fields.EventID)
	add("case_id", fields.CaseID)
	add("step", fields.Step)
	add("status", fields.Status)
	if fields.DurationMS > 0 {
		attrs = append(attrs, slog.Int64("duration_ms", fields.DurationMS))
	}
	if fields.Err != nil {
		attrs = append(attrs, slog.String("error", fields.Err.Error()))
	}

	logger.Load().LogAttrs(context.Background(), fields.Level.slog(), fields.Message, attrs...)
}

func (l Level) slog() slog.Level {
	switch l {
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
