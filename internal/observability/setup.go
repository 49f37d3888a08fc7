package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/surahj/ai-interviewer/internal/infrastructure/observability"
)

// Setup wires logs, metrics and traces for the process and returns the
// tracer shutdown func together with the metrics handler.
func Setup(serviceName, logLevel, otlpEndpoint string) (func(context.Context) error, http.Handler) {
	observability.InitLogger(logLevel)
	tracerShutdown := observability.InitTracing(serviceName, otlpEndpoint)
	return tracerShutdown, promhttp.Handler()
}
