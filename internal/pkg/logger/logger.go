// internal/pkg/logger/logger.go
package logger

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

var base zerolog.Logger

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	base = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// Init 在服务启动时设置服务名等全局字段。
func Init(serviceName string) {
	base = base.With().Str("service", serviceName).Logger()
}

// Ctx 返回一个绑定了追踪上下文的 Logger。
// 如果 ctx 中存在有效的 Span，日志会自动携带 trace_id，便于和 Jaeger 关联排查。
func Ctx(ctx context.Context) *zerolog.Logger {
	l := base
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		l = l.With().Str("trace_id", sc.TraceID().String()).Logger()
	}
	return &l
}
