package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
)

var (
	ErrInvalidContentType = errors.New("invalid Content-Type, expected text/event-stream")
	ErrStreamClosed       = errors.New("event stream closed")
)

// EventStream is one live server connection. Recv blocks until the next
// named frame arrives or the stream dies.
type EventStream interface {
	Recv() (event string, data []byte, err error)
	Close() error
}

type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

var (
	dataPrefixBytes  = []byte("data:")
	eventPrefixBytes = []byte("event:")
)

// OpenStream exchanges the api key for a fresh single-use token and
// connects the event stream with it. Tokens cannot be reused, so every
// reconnect must come back through here.
func (c *Client) OpenStream(ctx context.Context) (EventStream, error) {

	tok, err := c.StreamToken(ctx)
	if err != nil {
		return nil, err
	}

	streamURL := c.baseURL.ResolveReference(&url.URL{Path: "/api/v1/stream"})
	q := streamURL.Query()
	q.Set("token", tok.Token)
	streamURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The shared client carries a request timeout which would sever a
	// long-lived stream; use the transport directly.
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, ErrAuthExpired
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, &TransientError{Err: errors.New(http.StatusText(resp.StatusCode))}
	}
	if ctype := resp.Header.Get("Content-Type"); ctype != "text/event-stream" {
		resp.Body.Close()
		return nil, ErrInvalidContentType
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Split(scanLinesWithLF)
	scanner.Buffer(make([]byte, 512), 1<<20)

	return &sseStream{body: resp.Body, scanner: scanner}, nil
}

// Recv accumulates lines until a blank separator and returns the frame.
// Comment keep-alives are skipped.
func (s *sseStream) Recv() (string, []byte, error) {
	var event string
	var dataBuf bytes.Buffer

	for s.scanner.Scan() {
		line := s.scanner.Bytes()

		if len(line) == 0 {
			if dataBuf.Len() > 0 {
				data := dataBuf.Bytes()
				if n := len(data); n > 0 && data[n-1] == '\n' {
					data = data[:n-1]
				}
				return event, data, nil
			}
			continue
		}

		if data, ok := bytes.CutPrefix(line, dataPrefixBytes); ok {
			dataBuf.Write(stripLeadingSpace(data))
			dataBuf.WriteByte('\n')
		} else if data, ok := bytes.CutPrefix(line, eventPrefixBytes); ok {
			event = string(stripLeadingSpace(data))
		}
		// comments and unknown fields are ignored
	}

	if err := s.scanner.Err(); err != nil {
		return "", nil, &TransientError{Err: err}
	}
	return "", nil, ErrStreamClosed
}

func (s *sseStream) Close() error {
	return s.body.Close()
}

func stripLeadingSpace(data []byte) []byte {
	if len(data) > 0 && data[0] == ' ' {
		return data[1:]
	}
	return data
}

// scanLinesWithLF is like bufio.ScanLines, but accepts a bare CR as a
// valid line separator in addition to LF and CR LF.
func scanLinesWithLF(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	i := bytes.IndexByte(data, '\n')
	j := bytes.IndexByte(data, '\r')

	if i >= 0 && (j < 0 || i < j) {
		return i + 1, data[0:i], nil
	} else if j >= 0 {
		if j+1 < len(data) {
			if data[j+1] == '\n' {
				return j + 2, data[0:j], nil
			}
			return j + 1, data[0:j], nil
		} else if atEOF {
			return j + 1, data[0:j], nil
		}
		// CR at end of buffer, need more data to disambiguate CR LF.
		return 0, nil, nil
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
