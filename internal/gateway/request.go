package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Request describes one outbound API call. It is replayable: the body is
// held in memory so a queued request can be issued again after a refresh.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// NewJSONRequest builds a request whose body is v encoded as JSON. A nil v
// yields an empty body.
func NewJSONRequest(method, path string, v interface{}) (*Request, error) {
	req := &Request{Method: method, Path: path}
	if v != nil {
		body, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		req.Body = body
	}
	return req, nil
}

// Response is the uniform result shape handed back to every caller, whether
// it came from the network or was synthesised after a failed refresh.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

func (r *Response) Decode(v interface{}) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Message extracts the backend's "message" field, if any.
func (r *Response) Message() string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(r.Body, &body); err != nil {
		return http.StatusText(r.StatusCode)
	}
	if body.Message != "" {
		return body.Message
	}
	if body.Error != "" {
		return body.Error
	}
	return http.StatusText(r.StatusCode)
}

// authBootstrapPaths never trigger a refresh: a 401 from them is final.
var authBootstrapPaths = []string{
	"/auth/login",
	"/auth/register",
	"/auth/verify-otp",
	"/auth/resend-otp",
	"/auth/refresh-token",
}

func isAuthBootstrap(path string) bool {
	for _, p := range authBootstrapPaths {
		if strings.Contains(path, p) {
			return true
		}
	}
	return false
}
