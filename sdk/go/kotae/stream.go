package kotae

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// maxFrameSize bounds one SSE frame. Token frames are tiny; the sources
// frame scales with context size and stays far below this.
const maxFrameSize = 1 << 20

// StreamError is a terminal error frame received on an otherwise healthy
// stream. The HTTP exchange already succeeded, so it carries the server's
// frame fields rather than a status code.
type StreamError struct {
	Code    string
	Message string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("kotae: stream %s: %s", e.Code, e.Message)
}

// StreamChat asks the streaming chat endpoint and decodes its SSE frames.
// onFrame is called for every frame in order: one sources frame, then token
// frames, then a final done or error frame. Returning an error from onFrame
// aborts the stream.
//
// The returned message ID identifies the recorded exchange. A terminal error
// frame is returned as *StreamError.
func (c *Client) StreamChat(ctx context.Context, req ChatRequest, onFrame func(StreamFrame) error) (string, error) {
	if onFrame == nil {
		return "", fmt.Errorf("kotae: onFrame must not be nil")
	}

	encoded, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("kotae: marshal request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/rag-chat", bytes.NewReader(encoded))
	if err != nil {
		return "", fmt.Errorf("kotae: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	// A generation can legitimately outlive the request timeout, so the
	// stream runs on a client without one. Cancellation comes from ctx.
	streamClient := &http.Client{
		Transport:     c.client.Transport,
		CheckRedirect: c.client.CheckRedirect,
		Jar:           c.client.Jar,
	}

	resp, err := streamClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("kotae: %s %s: %w", httpReq.Method, httpReq.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(resp.Body)
		return "", parseErrorResponse(resp.StatusCode, buf.Bytes())
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameSize)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()

		// Blank line terminates a frame.
		if line == "" {
			if data.Len() == 0 {
				continue
			}
			frame, err := decodeFrame(data.String())
			data.Reset()
			if err != nil {
				return "", err
			}
			if err := onFrame(frame); err != nil {
				return "", err
			}
			switch frame.Type {
			case FrameDone:
				return frame.MessageID, nil
			case FrameError:
				return "", &StreamError{Code: frame.Code, Message: frame.Message}
			}
			continue
		}

		// Comment frames keep proxies awake; clients ignore them.
		if strings.HasPrefix(line, ":") {
			continue
		}

		if payload, ok := strings.CutPrefix(line, "data:"); ok {
			data.WriteString(strings.TrimPrefix(payload, " "))
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("kotae: read stream: %w", err)
	}
	return "", fmt.Errorf("kotae: stream ended without a done frame")
}

func decodeFrame(data string) (StreamFrame, error) {
	var frame StreamFrame
	if err := json.Unmarshal([]byte(data), &frame); err != nil {
		return StreamFrame{}, fmt.Errorf("kotae: decode stream frame: %w", err)
	}
	return frame, nil
}
