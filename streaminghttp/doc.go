// Package streaminghttp binds an rpc.Router to a single HTTP endpoint.
//
// # Requests
//
// POST <endpoint> accepts one call object or a JSON array of them (a batch):
//
//	{"id": 1, "path": "users.getUsers", "input": {...}}
//
// Calls without an id are assigned their index in the request. Each call
// gets its own rpc.Context from the configured ContextFactory.
//
// # Response modes
//
// When no call targets a streaming procedure and the client accepts
// application/json, results are returned as one JSON document: a single
// frame for a single call, or an array of frames (in call order) for a
// batch. A single call's HTTP status reflects its error kind; a batch
// answers 200 when every call succeeded, the shared status when every call
// failed the same way, and 207 otherwise.
//
// Otherwise the response is a Server-Sent Events stream. Every frame is a
// data event carrying the call id:
//
//	data: {"id":1,"result":{"step":1,"total":4,"payload":{...}}}
//
//	data: {"id":1,"done":true}
//
// Each call ends with a done frame. While the stream is idle for longer than
// the keep-alive interval an "event: ping" with empty data is written. Pings
// never end the response.
//
// # Errors
//
// Transport faults (wrong content type, malformed payload, oversized batch
// or body, rate limit) are answered with {"error":{"code":<status>,
// "message":...}} before any call runs. Everything that goes wrong inside a
// call is reported as a structured error frame for that call only.
//
// GET <endpoint> lists the mounted procedures with their access tier and
// input schema.
//
// Example:
//
//	h, err := streaminghttp.New(router, factory,
//	    streaminghttp.WithEndpoint("/rpc"),
//	    streaminghttp.WithKeepAlive(5*time.Second),
//	)
//	mux := http.NewServeMux()
//	mux.Handle("/rpc", h)
package streaminghttp
