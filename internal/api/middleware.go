package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

const (
	statusWarnThreshold  = 400
	statusErrorThreshold = 500
)

// ZerologLogger logs every request through the global zerolog logger.
func ZerologLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		evt := log.Info()
		switch {
		case status >= statusErrorThreshold:
			evt = log.Error()
		case status >= statusWarnThreshold:
			evt = log.Warn()
		}

		path := r.URL.Path
		if raw := r.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}

		evt.
			Str("request_id", middleware.GetReqID(r.Context())).
			Int("status", status).
			Str("method", r.Method).
			Str("path", path).
			Dur("latency", time.Since(start)).
			Str("client_ip", r.RemoteAddr).
			Int("bytes", ww.BytesWritten()).
			Str("user_agent", r.UserAgent()).
			Msg("http request completed")
	})
}
