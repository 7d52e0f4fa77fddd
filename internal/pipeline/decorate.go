package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/avenir-labs/gantry/internal/observability"
)

// decorate applies the post-stages that run on success and failure alike:
// CORS headers, metrics headers, then the access log.
func (p *Pipeline) decorate(ctx context.Context, req *Request, resp *Response, requestID string, start time.Time) {
	if p.cors != nil {
		p.cors.apply(resp, req.Header("Origin"))
	}

	duration := time.Since(start)
	resp.setHeader("X-Response-Time", duration.String())
	resp.setHeader("X-Request-ID", requestID)

	p.logAccess(ctx, req, resp, requestID, duration)
}

// logAccess emits the structured access record. Sensitive headers are
// redacted before they reach the log.
func (p *Pipeline) logAccess(ctx context.Context, req *Request, resp *Response, requestID string, duration time.Duration) {
	fields := []observability.Field{
		observability.String("method", strings.ToUpper(req.Method)),
		observability.String("path", req.Path),
		observability.Int("status", resp.Status),
		observability.Duration("duration", duration),
		observability.String("requestId", requestID),
		observability.String("remoteAddr", req.RemoteAddr),
	}

	logger := p.logger.WithContext(ctx)

	switch {
	case resp.Status >= 500:
		logger.Error("request completed", fields...)
	case resp.Status >= 400:
		logger.Warn("request completed", fields...)
	default:
		logger.Info("request completed", fields...)
	}

	if len(req.Headers) > 0 {
		logger.Debug("request headers",
			observability.Any("headers", p.redacted(req.Headers)))
	}
}

// redacted returns a copy of the headers with configured names masked.
func (p *Pipeline) redacted(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for name, value := range headers {
		if _, hidden := p.redactHeaders[strings.ToLower(name)]; hidden {
			out[name] = "[REDACTED]"
			continue
		}
		out[name] = value
	}
	return out
}
