// Package server hosts the REST API, the realtime websocket endpoint and the
// operational endpoints from a single chi router.
//
// The server builds one middleware chain of request ids, logging, metrics,
// security headers, CORS and rate limiting so every route shares the same
// protections and instrumentation.
package server
