package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/septivank/packetmeter/internal/apperr"
	"github.com/septivank/packetmeter/internal/db"
	"github.com/septivank/packetmeter/internal/logging"
)

type deviceContextKey struct{}

type userContextKey struct{}

type loggerContextKey struct{}

// DeviceFrom returns the device authenticated by RequireDevice.
func DeviceFrom(r *http.Request) *db.Device {
	d, ok := r.Context().Value(deviceContextKey{}).(*db.Device)
	if !ok {
		panic("developer error: device middleware not provided")
	}
	return d
}

// UserFrom returns the user authenticated by RequireUser.
func UserFrom(r *http.Request) *db.User {
	u, ok := r.Context().Value(userContextKey{}).(*db.User)
	if !ok {
		panic("developer error: user middleware not provided")
	}
	return u
}

func (a *API) log(r *http.Request) *zap.Logger {
	if l, ok := r.Context().Value(loggerContextKey{}).(*zap.Logger); ok {
		return l
	}
	return a.logger
}

// logRequests attaches a request-scoped logger and logs each request once
// it completes.
func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logger := logging.WithRequestID(a.logger, middleware.GetReqID(r.Context()))
		ww := middleware.NewWrapResponseWriter(rw, r.ProtoMajor)
		ctx := context.WithValue(r.Context(), loggerContextKey{}, logger)

		next.ServeHTTP(ww, r.WithContext(ctx))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
		}
		if status >= http.StatusInternalServerError {
			logger.Warn("request completed", fields...)
			return
		}
		logger.Debug("request completed", fields...)
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// requireDevice authenticates the bearer token. Activation is enforced
// further down, by the ledger, so pending devices can still register apps.
func (a *API) requireDevice(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		device, err := a.tokens.Verify(r.Context(), bearerToken(r))
		if err != nil {
			a.metrics.ReportsRejected.WithLabelValues(apperr.Code(err)).Inc()
			WriteError(rw, a.log(r), err)
			return
		}
		ctx := context.WithValue(r.Context(), deviceContextKey{}, device)
		ctx = context.WithValue(ctx, loggerContextKey{}, logging.WithDevice(a.log(r), device.ID))
		next.ServeHTTP(rw, r.WithContext(ctx))
	})
}

// requireUser trusts the user id header set by the upstream session layer.
func (a *API) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(a.userIDHeader)
		if raw == "" {
			WriteError(rw, a.log(r), unauthorized("missing %s header", a.userIDHeader))
			return
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			WriteError(rw, a.log(r), unauthorized("malformed user id"))
			return
		}
		user, err := a.users.GetUser(r.Context(), id)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				err = unauthorized("unknown user")
			}
			WriteError(rw, a.log(r), err)
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey{}, user)
		ctx = context.WithValue(ctx, loggerContextKey{}, a.log(r).With(zap.String("user_id", user.ID.String())))
		next.ServeHTTP(rw, r.WithContext(ctx))
	})
}

// requireAdmin checks the operator token. With no token configured the
// admin routes are closed.
func (a *API) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if a.adminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(a.adminToken)) != 1 {
			WriteError(rw, a.log(r), unauthorized("invalid operator token"))
			return
		}
		next.ServeHTTP(rw, r)
	})
}
