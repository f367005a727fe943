package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// requestLogger logs one line per request once the response is written
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		logger := s.logger.WithContext(r.Context()).WithFields(map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      code,
			"bytes":       ww.BytesWritten(),
			"duration_ms": time.Since(start).Milliseconds(),
			"remote_ip":   r.RemoteAddr,
		})
		if code >= http.StatusInternalServerError {
			logger.Warn("HTTP request failed")
			return
		}
		logger.Debug("HTTP request completed")
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.monitor == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		s.monitor.TrackHTTPInFlight(1)
		defer s.monitor.TrackHTTPInFlight(-1)

		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		s.monitor.RecordHTTPRequest(r.Method, route, code, time.Since(start))
	})
}

func (s *Server) grpcLoggingInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)

	code := status.Code(err)
	s.monitor.RecordGRPCRequest(info.FullMethod, code.String())

	logger := s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"method":      info.FullMethod,
		"code":        code.String(),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	if err != nil {
		logger.WithError(err).Warn("gRPC request failed")
	} else {
		logger.Debug("gRPC request completed")
	}
	return resp, err
}
