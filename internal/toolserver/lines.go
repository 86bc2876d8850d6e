package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/opentalon/tenancy-assistant/pkg/toolrpc"
)

// ServeLines reads newline-delimited requests from r and writes one
// response line per request to w, in order. It returns nil at end of
// input and ctx.Err() once ctx is done.
func (s *Server) ServeLines(ctx context.Context, r io.Reader, w io.Writer) error {
	lr := toolrpc.NewLineReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := lr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		var req toolrpc.Request
		var resp toolrpc.Response
		if err := json.Unmarshal(line, &req); err != nil {
			s.logger.Warn().Err(err).Msg("unparsable request line")
			resp = toolrpc.Failure(nil, toolrpc.Errorf(toolrpc.CodeParseError, "parse error: %v", err))
		} else {
			resp = s.Handle(ctx, req)
		}
		if err := toolrpc.WriteLine(w, resp); err != nil {
			return err
		}
	}
}
