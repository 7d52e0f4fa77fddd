package main

import (
	"context"
	"time"

	"github.com/avenir-labs/gantry/internal/pipeline"
)

// namedHandlers is the handler set configuration files can reference. A
// deployment embedding the pipeline registers its own handlers in code;
// this set keeps the reference binary useful on its own.
var namedHandlers = map[string]pipeline.Handler{
	"echo":   echoHandler,
	"time":   timeHandler,
	"whoami": whoamiHandler,
	"status": statusHandler,
}

// echoHandler reflects the request back: route parameters, validated query
// and body, and the matched route.
func echoHandler(ctx context.Context, rc *pipeline.Context) (any, error) {
	return map[string]any{
		"method": rc.Request.Method,
		"route":  rc.Route,
		"params": rc.Params,
		"query":  rc.Query,
		"body":   rc.Body,
	}, nil
}

// timeHandler returns the server time. Useful behind a short cache TTL to
// observe caching behavior.
func timeHandler(ctx context.Context, rc *pipeline.Context) (any, error) {
	return map[string]any{
		"now": time.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

// whoamiHandler returns the authenticated principal.
func whoamiHandler(ctx context.Context, rc *pipeline.Context) (any, error) {
	if rc.User == nil {
		return map[string]any{"authenticated": false}, nil
	}
	return map[string]any{
		"authenticated": true,
		"id":            rc.User.ID,
		"roles":         rc.User.Roles,
		"permissions":   rc.User.Permissions,
	}, nil
}

// statusHandler returns a static payload.
func statusHandler(ctx context.Context, rc *pipeline.Context) (any, error) {
	return map[string]any{"status": "ok"}, nil
}
