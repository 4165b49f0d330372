package hop

import (
	"io"
	"net/http"
)

// ServeHTTP lets a Router sit behind a plain listener or an in-memory
// network. Failed requests are answered with the status of their kind.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	resp, err := r.Handle(req)
	if err != nil {
		status := KindOf(err).Status()
		http.Error(w, http.StatusText(status), status)
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body) //nolint:errcheck
}
