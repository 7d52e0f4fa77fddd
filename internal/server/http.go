package server

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/avenir-labs/gantry/internal/observability"
	"github.com/avenir-labs/gantry/internal/pipeline"
	"github.com/avenir-labs/gantry/internal/util"
)

// maxBodyBytes caps request bodies before JSON decoding.
const maxBodyBytes = 1 << 20 // 1MB

// handleRequest converts the HTTP request, runs the pipeline, and writes
// the envelope back.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.buildRequest(r)
	if err != nil {
		s.writeResponse(w, failureResponse(err))
		return
	}

	resp := s.pipeline.Load().Execute(r.Context(), req)
	s.writeResponse(w, resp)
}

// buildRequest maps the wire request onto the pipeline's transport-neutral
// form. Multi-valued query parameters and headers keep their first value.
func (s *Server) buildRequest(r *http.Request) (*pipeline.Request, error) {
	query := make(map[string]string)
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			query[key] = values[0]
		}
	}

	headers := make(map[string]string, len(r.Header))
	for key, values := range r.Header {
		if len(values) > 0 {
			headers[key] = values[0]
		}
	}

	body, err := decodeBody(r)
	if err != nil {
		return nil, err
	}

	return &pipeline.Request{
		Method:     r.Method,
		Path:       r.URL.Path,
		Query:      query,
		Headers:    headers,
		Body:       body,
		RemoteAddr: r.RemoteAddr,
	}, nil
}

// decodeBody parses a JSON object body for methods that carry one. Anything
// unparseable is a validation failure, not an internal error.
func decodeBody(r *http.Request) (map[string]any, error) {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return nil, nil
	}

	if r.Body == nil || r.ContentLength == 0 {
		return nil, nil
	}

	if ct := r.Header.Get("Content-Type"); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil || !strings.HasSuffix(mediaType, "json") {
			return nil, util.NewValidationError("request body must be application/json")
		}
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, util.NewInternalError(err)
	}
	if len(raw) > maxBodyBytes {
		return nil, util.NewValidationError("request body too large")
	}

	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, util.NewValidationError("request body must be a JSON object")
	}

	return body, nil
}

// failureResponse wraps a transport-level error in the standard envelope.
func failureResponse(err error) *pipeline.Response {
	structured := util.FromError(err)
	return &pipeline.Response{
		Status: structured.Status,
		Body: &pipeline.Envelope{
			Success:  false,
			Error:    structured.Message,
			Code:     structured.Code,
			Metadata: structured.Metadata,
		},
	}
}

// writeResponse serializes the pipeline response onto the wire.
func (s *Server) writeResponse(w http.ResponseWriter, resp *pipeline.Response) {
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}

	if resp.Body == nil {
		w.WriteHeader(resp.Status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)

	if err := json.NewEncoder(w).Encode(resp.Body); err != nil {
		s.logger.Error("failed to write response", observability.Error(err))
	}
}
