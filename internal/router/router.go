package router

import (
	"net/http"
)

// Match scans routes in declared order and returns the first route that
// accepts the request together with the rewritten path. A nil route with a
// nil error means nothing matched.
func Match(routes []*Route, path string, headers http.Header) (*Route, string, error) {
	for _, route := range routes {
		rewritten, ok, err := route.IsMatched(path, headers)
		if err != nil {
			return nil, "", err
		}
		if ok {
			return route, rewritten, nil
		}
	}
	return nil, "", nil
}

// RequestHeaders returns a copy of the request headers with Host filled in
// from the request line, which net/http strips from the header map.
func RequestHeaders(r *http.Request) http.Header {
	headers := r.Header.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	if r.Host != "" {
		headers.Set("Host", r.Host)
	}
	return headers
}
