package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"warden/internal/logs"
)

type ctxKey string

const requestIDKey ctxKey = "reqid"

// maxRequestIDLen — длиннее чужой id не принимаем, генерируем свой.
const maxRequestIDLen = 64

func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func GetRequestID(r *http.Request) string {
	if s, ok := r.Context().Value(requestIDKey).(string); ok {
		return s
	}
	return ""
}

// Log — entry компонента с reqid текущего запроса.
func Log(r *http.Request, component string) *logrus.Entry {
	return logs.For(component).WithField("reqid", GetRequestID(r))
}
