package mascrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// framing identifies which of the two wire framings a stdio connection is
// using, detected once per connection by sniffing its first non-empty
// line.
type framing int

const (
	framingUnknown framing = iota
	framingHeader          // Content-Length: N\r\n\r\n<body>
	framingNDJSON          // one JSON value per line
)

// ServeStdio reads JSON-RPC requests from r and writes responses to w until
// r is exhausted or ctx is cancelled. It auto-detects Content-Length framing
// versus newline-delimited JSON on the first line read.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	br := bufio.NewReader(r)
	mode := framingUnknown

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := br.ReadString('\n')
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if err != nil {
				if err == io.EOF {
					return nil
				}
				return err
			}
			continue
		}

		if mode == framingUnknown {
			if strings.HasPrefix(trimmed, "Content-Length:") {
				mode = framingHeader
			} else {
				mode = framingNDJSON
			}
		}

		var body []byte
		if mode == framingHeader {
			body, err = readHeaderFramedBody(br, trimmed)
			if err != nil {
				return err
			}
		} else {
			body = []byte(trimmed)
		}

		var request JSONRPCRequest
		if jsonErr := json.Unmarshal(body, &request); jsonErr != nil {
			if writeErr := writeFramed(w, mode, s.errorResponse(nil, -32700, "parse error")); writeErr != nil {
				return writeErr
			}
			if err != nil {
				return nil
			}
			continue
		}

		response := s.HandleRequest(ctx, request)
		if request.ID != nil {
			if writeErr := writeFramed(w, mode, response); writeErr != nil {
				return writeErr
			}
		}
		if err != nil {
			return nil
		}
	}
}

// readHeaderFramedBody consumes the remaining Content-Length header lines
// (if any), the blank separator line, and exactly N body bytes.
func readHeaderFramedBody(br *bufio.Reader, firstHeaderLine string) ([]byte, error) {
	length, err := parseContentLength(firstHeaderLine)
	if err != nil {
		return nil, err
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			break
		}
		if strings.HasPrefix(trimmed, "Content-Length:") {
			length, err = parseContentLength(trimmed)
			if err != nil {
				return nil, err
			}
		}
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(br, body); err != nil {
		return nil, err
	}
	return body, nil
}

func parseContentLength(header string) (int, error) {
	parts := strings.SplitN(header, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("malformed header line %q", header)
	}
	return strconv.Atoi(strings.TrimSpace(parts[1]))
}

func writeFramed(w io.Writer, mode framing, resp JSONRPCResponse) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if mode == framingHeader {
		_, err = fmt.Fprintf(w, "Content-Length: %d\r\n\r\n%s", len(b), b)
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", b)
	return err
}
