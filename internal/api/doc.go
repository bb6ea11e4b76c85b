// Package api exposes a control connection over HTTP.
//
// The server is a gin router with these routes:
//
//	GET  /ping
//	GET  /v1/domains/:domain          inspection record
//	POST /v1/domains/:domain/monitor  {"command": "...", "hmp": false}
//	POST /v1/domains/:domain/agent    {"command": "...", "timeout": -1}
//	GET  /v1/events?domain=&event=&regex=&nocase=
//
// Every JSON response uses the envelope {"ok", "data", "error"}. Failures
// map to status codes by error kind (see StatusFor): an unknown domain is
// 404, bad arguments 400, a silent guest agent 504, a dead connection 503
// and a rejected command 502. /v1/events is a server-sent event stream
// backed by one subscription that is removed when the client goes away.
//
// When a secret is configured every /v1 request must carry it in the
// X-Conduit-Secret header.
//
// Client is the matching HTTP client. It turns error responses back into
// *control.Error values so errors.Is works the same remotely. Descriptor
// passing is not available over HTTP.
package api
