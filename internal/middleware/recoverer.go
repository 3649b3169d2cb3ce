package middleware

import (
	"net/http"
	"runtime/debug"

	"warden/internal/models"
)

// Recoverer превращает панику обработчика в 500 problem+json со ссылкой на reqid.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				Log(r, "http").WithField("panic", rec).
					WithField("stack", string(debug.Stack())).
					Error("handler panic")
				models.WriteProblem(w, http.StatusInternalServerError,
					"Internal Server Error",
					"unexpected server error (see logs by reqid)",
					map[string]any{"reqid": GetRequestID(r)})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
