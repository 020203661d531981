package api

import (
	"fmt"
	"net/http"
)

// errorHandler turns a panicking handler into a 500 and closes the
// connection.
func (s *RelayApp) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			err, ok := rec.(error)
			if !ok {
				err = fmt.Errorf("%v", rec)
			}

			s.log.Errorw("panic", "error", err, "path", r.URL.Path)
			w.Header().Set("Connection", "close")
			s.writeJson(w, http.StatusInternalServerError, newApiError(http.StatusInternalServerError, err))
		}()

		next.ServeHTTP(w, r)
	})
}
