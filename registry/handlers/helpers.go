package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/stowage/stowage/internal/dcontext"
)

// closeResources closes all the provided resources after running the target
// handler.
func closeResources(handler http.Handler, closers ...io.Closer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, closer := range closers {
			defer closer.Close()
		}
		handler.ServeHTTP(w, r)
	})
}

// copyFullPayload supports the error handling involved in buffering a whole
// request body. A client disconnect mid-body is distinguished from other
// copy failures so the handler can skip the error response entirely.
func copyFullPayload(ctx *Context, responseWriter http.ResponseWriter, r *http.Request, destWriter io.Writer, limit int64, action string) error {
	// Get a channel that tells us if the client disconnects
	clientClosed := r.Context().Done()

	body := r.Body
	if limit > 0 {
		body = http.MaxBytesReader(responseWriter, body, limit)
	}

	// Read in the data, if any.
	copied, err := io.Copy(destWriter, body)
	if clientClosed != nil && (err != nil || (r.ContentLength > 0 && copied < r.ContentLength)) {
		// Didn't receive as much content as expected. Did the client
		// disconnect during the request? If so, avoid returning a 400
		// error to keep the logs cleaner.
		select {
		case <-clientClosed:
			// Set the response code to "499 Client Closed Request"
			// Even though the connection has already been closed,
			// this causes the logger to pick up a 499 error
			// instead of showing 0 for the HTTP status.
			responseWriter.WriteHeader(499)

			dcontext.GetLogger(ctx).Errorf("client disconnected during %s: remote=%s, method=%s, url=%s, contentLength=%d, copied=%d",
				action, r.RemoteAddr, r.Method, r.RequestURI, r.ContentLength, copied)
			return errors.New("client disconnected")
		default:
		}
	}

	if err != nil {
		dcontext.GetLogger(ctx).Errorf("unknown error reading request payload: %v", err)
		return err
	}

	return nil
}

// pageLimit resolves the "n" pagination parameter against the configured
// default and maximum. An absent, malformed or non-positive value falls
// back to the default; an oversized one is clamped to the maximum.
func pageLimit(r *http.Request, defaultLimit, maxLimit int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("n"))
	if err != nil || n <= 0 {
		return defaultLimit
	}
	if n > maxLimit {
		return maxLimit
	}
	return n
}
