package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/safefetch/fetchmcp/internal/cache"
	"github.com/safefetch/fetchmcp/internal/fetchclient"
	"github.com/safefetch/fetchmcp/internal/netguard"
	"github.com/safefetch/fetchmcp/internal/pipeline"
	"github.com/safefetch/fetchmcp/internal/resolver"
	"github.com/safefetch/fetchmcp/internal/shaper"
	"github.com/safefetch/fetchmcp/internal/transform"
)

// dispatch routes a single JSON-RPC request to its method handler.
func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Method {
	case "tools/list":
		return resultResponse(req.ID, toolsList())
	case "tools/call":
		return s.dispatchCallTool(ctx, req)
	default:
		return errorResponse(req.ID, RPCMethodNotFound, "unknown method "+req.Method)
	}
}

func toolsList() map[string]any {
	return map[string]any{
		"tools": []map[string]any{
			{
				"name":        "fetch",
				"description": "Fetch a URL, convert it to Markdown, and return the result inline or as a cache reference.",
				"inputSchema": map[string]any{
					"type":       "object",
					"properties": map[string]any{"url": map[string]any{"type": "string"}},
					"required":   []string{"url"},
				},
			},
		},
	}
}

func (s *Server) dispatchCallTool(ctx context.Context, req Request) Response {
	var params CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, RPCInvalidParams, "malformed tools/call params")
	}
	if params.Name != "fetch" {
		return errorResponse(req.ID, RPCMethodNotFound, "unknown tool "+params.Name)
	}

	var args FetchArguments
	if err := json.Unmarshal(params.Arguments, &args); err != nil {
		return errorResponse(req.ID, RPCInvalidParams, "malformed fetch arguments")
	}
	if args.URL == "" {
		return errorResponse(req.ID, RPCInvalidParams, "url is required")
	}
	if args.Namespace == "" {
		args.Namespace = "markdown"
	}
	variation := args.Variation
	if args.SkipNoiseRemove {
		variation += "|skip_noise_removal"
	}

	result, err := s.Pipeline.Fetch(ctx, args.URL, args.Namespace, variation, args.ForceRefresh)
	if err != nil {
		return resultResponse(req.ID, s.errorToolResult(args.URL, err))
	}

	artifact, _ := result.Data.(transform.Artifact)

	var resourceURI string
	if s.CacheEnabled {
		resourceURI = "mcp/downloads/" + strings.Replace(result.Fingerprint, ":", "/", 1)
		if _, ok := s.Cache.Get(cache.Fingerprint(result.Fingerprint)); !ok {
			resourceURI = ""
		}
	}

	reply := shaper.Shape(
		result.OriginalURL, result.URL, result.FinalURL,
		artifact.Title, artifact.Markdown, artifact.Metadata,
		result.FromCache, result.FetchedAt,
		shaper.BuildOptions{
			InlineLimit:      args.InlineLimit,
			GlobalLimit:      s.GlobalInlineLimit,
			CacheResourceURI: resourceURI,
		},
	)

	payload, _ := json.Marshal(reply)
	blocks := []ContentBlock{{Type: "text", Text: string(payload)}}
	if resourceURI != "" {
		blocks = append(blocks, ContentBlock{
			Type:     "resource_link",
			URI:      resourceURI,
			Name:     reply.Title,
			MimeType: "text/markdown",
		})
	}
	return resultResponse(req.ID, CallToolResult{Content: blocks})
}

// errorToolResult builds a structured {error, url, statusCode?, details?}
// reply with is_error=true, rather than a transport-level JSON-RPC error
// (the tool call itself succeeded in being dispatched; it's the fetch
// that failed).
func (s *Server) errorToolResult(url string, err error) CallToolResult {
	status, code, details := classifyFetchError(err)
	body := map[string]any{
		"error": err.Error(),
		"url":   url,
	}
	if status != 0 {
		body["statusCode"] = status
	}
	if code != "" {
		body["code"] = code
	}
	if details != nil {
		body["details"] = details
	}
	payload, _ := json.Marshal(body)
	return CallToolResult{
		Content: []ContentBlock{{Type: "text", Text: string(payload)}},
		IsError: true,
	}
}

// classifyFetchError maps a fetch error to an HTTP-like status, a short
// machine-readable code, and optional details.
func classifyFetchError(err error) (status int, code string, details map[string]any) {
	var ve *pipeline.ValidationError
	if errors.As(err, &ve) {
		return http.StatusBadRequest, "VALIDATION_ERROR", nil
	}
	var ne *netguard.ValidationError
	if errors.As(err, &ne) {
		return http.StatusBadRequest, "VALIDATION_ERROR", nil
	}
	var re *resolver.ResolveError
	if errors.As(err, &re) {
		switch {
		case errors.Is(re.Kind, resolver.ErrTimeout):
			return http.StatusGatewayTimeout, "ETIMEOUT", nil
		case errors.Is(re.Kind, resolver.ErrBlocked):
			return http.StatusBadRequest, "EBLOCKED", nil
		case errors.Is(re.Kind, resolver.ErrNoData):
			return http.StatusBadRequest, "ENODATA", nil
		default:
			return http.StatusBadRequest, "EINVAL", nil
		}
	}
	if errors.Is(err, fetchclient.ErrBadRedirect) {
		return http.StatusBadRequest, "EBADREDIRECT", nil
	}
	if errors.Is(err, fetchclient.ErrTooManyRedirects) {
		return http.StatusBadRequest, "EBADREDIRECT", nil
	}
	if errors.Is(err, fetchclient.ErrContentTooLarge) {
		return http.StatusBadRequest, "SIZE_LIMIT", nil
	}
	if errors.Is(err, context.Canceled) {
		return 499, "ABORTED", nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "TIMEOUT", nil
	}
	var he *fetchclient.HopError
	if errors.As(err, &he) {
		return 0, "", map[string]any{"hop": he.RequestURL}
	}
	retryAfter := retryAfterFromError(err)
	if retryAfter > 0 {
		return http.StatusTooManyRequests, "RATE_LIMITED", map[string]any{"retryAfter": retryAfter}
	}
	return 0, "", nil
}

func retryAfterFromError(err error) int {
	type retryAfterer interface{ RetryAfterSeconds() int }
	var ra retryAfterer
	if errors.As(err, &ra) {
		return ra.RetryAfterSeconds()
	}
	return 0
}
