// Package temporal builds the Temporal client shared by the API server and
// the worker.
package temporal

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/log"
	"go.uber.org/zap"

	"github.com/instill-ai/model-derivative-backend/config"
)

// ClientOptions returns the options of a client connecting to the
// configured frontend. Temporal logs go through logger.
func ClientOptions(cfg config.TemporalConfig, logger *zap.Logger) (client.Options, error) {
	if cfg.HostPort == "" {
		return client.Options{}, fmt.Errorf("temporal: missing host port")
	}

	return client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    NewLogger(logger),
	}, nil
}

// TracingInterceptor propagates the OpenTelemetry spans of serviceName
// through workflows and activities.
func TracingInterceptor(serviceName string) (interceptor.Interceptor, error) {
	return opentelemetry.NewTracingInterceptor(opentelemetry.TracerOptions{
		Tracer:            otel.Tracer(serviceName),
		TextMapPropagator: otel.GetTextMapPropagator(),
	})
}

type zapLogger struct {
	s *zap.SugaredLogger
}

// NewLogger adapts a zap logger to the Temporal SDK. The SDK logs with
// alternating keys and values, which the sugared logger takes as is.
func NewLogger(logger *zap.Logger) log.Logger {
	return &zapLogger{s: logger.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (l *zapLogger) Debug(msg string, keyvals ...any) { l.s.Debugw(msg, keyvals...) }
func (l *zapLogger) Info(msg string, keyvals ...any)  { l.s.Infow(msg, keyvals...) }
func (l *zapLogger) Warn(msg string, keyvals ...any)  { l.s.Warnw(msg, keyvals...) }
func (l *zapLogger) Error(msg string, keyvals ...any) { l.s.Errorw(msg, keyvals...) }

// With implements log.WithLogger.
func (l *zapLogger) With(keyvals ...any) log.Logger {
	return &zapLogger{s: l.s.With(keyvals...)}
}
