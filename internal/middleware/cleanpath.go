package middleware

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
)

// CleanPath rewrites the request path to its canonical form: dot segments
// resolved, repeated slashes collapsed, trailing slash kept. Everything after
// it (public path checks, route matching, the forwarded URL) sees the same
// path. Percent-encoded dots are decoded before cleaning.
func CleanPath() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cleaned := httprouter.CleanPath(r.URL.Path)
			if cleaned == r.URL.Path {
				next.ServeHTTP(w, r)
				return
			}

			u := *r.URL
			u.Path = cleaned
			// The raw form no longer matches Path; the forwarded URL is
			// re-encoded from the cleaned path.
			u.RawPath = ""

			r2 := new(http.Request)
			*r2 = *r
			r2.URL = &u
			next.ServeHTTP(w, r2)
		})
	}
}
