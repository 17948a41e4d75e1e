// Package httputil carries the response conventions of the warmup API:
// JSON envelopes, the shared error structure, and request decoding.
//
// Handlers use these helpers instead of writing raw http.ResponseWriter
// calls so every endpoint, the tracking pixel excepted, answers with the
// same shape.
package httputil
