package logging

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
)

// JSON records use short keys so log shippers can index job_id, lane and
// stage next to ts, level and message without remapping.
const (
	jsonTimeKey    = "ts"
	jsonMessageKey = "message"
	jsonCallerKey  = "caller"
)

func newJSONHandler(w io.Writer, lvl *slog.LevelVar, addSource bool) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       lvl,
		AddSource:   addSource,
		ReplaceAttr: replaceJSONAttr,
	})
}

func replaceJSONAttr(groups []string, attr slog.Attr) slog.Attr {
	if len(groups) > 0 {
		return attr
	}
	switch attr.Key {
	case slog.TimeKey:
		if attr.Value.Kind() != slog.KindTime {
			return attr
		}
		return slog.String(jsonTimeKey, attr.Value.Time().UTC().Format(time.RFC3339Nano))
	case slog.LevelKey:
		return slog.String(slog.LevelKey, strings.ToLower(attr.Value.String()))
	case slog.MessageKey:
		return slog.String(jsonMessageKey, attr.Value.String())
	case slog.SourceKey:
		src, ok := attr.Value.Any().(*slog.Source)
		if !ok || src == nil {
			return slog.Attr{}
		}
		return slog.String(jsonCallerKey, fmt.Sprintf("%s:%d", filepath.Base(src.File), src.Line))
	}
	return attr
}
