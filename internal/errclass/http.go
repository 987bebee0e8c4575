package errclass

import (
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxResponseBodyRead = 64 << 10

// HTTPError is a response-bearing failure for non-2xx HTTP responses.
type HTTPError struct {
	Method string
	URL    string
	Status int
	Body   []byte
}

func (e *HTTPError) Error() string {
	target := strings.TrimSpace(e.Method + " " + e.URL)
	if target == "" {
		return fmt.Sprintf("http %d", e.Status)
	}
	return fmt.Sprintf("%s: http %d", target, e.Status)
}

func (e *HTTPError) StatusCode() int {
	return e.Status
}

func (e *HTTPError) ResponseBody() []byte {
	return e.Body
}

// FromHTTPResponse returns nil for 2xx/3xx responses and an *HTTPError
// otherwise. It reads (and closes) at most 64KiB of a failing body.
func FromHTTPResponse(resp *http.Response) error {
	if resp == nil {
		return nil
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return nil
	}

	out := &HTTPError{Status: resp.StatusCode}
	if resp.Request != nil {
		out.Method = resp.Request.Method
		if resp.Request.URL != nil {
			out.URL = resp.Request.URL.Redacted()
		}
	}
	if resp.Body != nil {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyRead))
		_ = resp.Body.Close()
		out.Body = body
	}
	return out
}
