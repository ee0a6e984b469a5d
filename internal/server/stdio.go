package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
)

// ServeStdio runs the stdio transport: newline-delimited JSON-RPC framing
// over stdin/stdout, bypassing the HTTP-only gates (host/origin gate,
// rate limiter, session admission) since there is no HTTP surface to gate
// and a single direct client owns the whole process.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	enc := json.NewEncoder(out)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			enc.Encode(errorResponse(nil, RPCParseError, "malformed JSON-RPC request"))
			continue
		}
		if req.Method == "initialize" {
			result := InitializeResult{
				ProtocolVersion: ProtocolVersion,
				ServerInfo:      map[string]any{"name": s.Info.Name, "version": s.Info.Version},
				Capabilities:    map[string]any{"tools": map[string]any{}},
			}
			enc.Encode(resultResponse(req.ID, result))
			continue
		}
		resp := s.dispatch(ctx, req)
		if err := enc.Encode(resp); err != nil {
			return err
		}
	}
	return scanner.Err()
}
