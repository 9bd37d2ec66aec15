// Package transport executes HTTP calls against the QuickBooks endpoints and
// reports failures as go-errors envelopes carrying the qbsync error codes.
//
// A response with any status code is a successful round trip; only failures
// to build, send or read a request are errors.
package transport

import "time"

type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Query   map[string]string
	Body    []byte

	// BearerToken is sent as the Authorization header when set.
	BearerToken          string
	Timeout              time.Duration
	MaxResponseBodyBytes int64
}

type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	Duration   time.Duration
}

// Success reports a 2xx status.
func (r Response) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}
