package hostio

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// NetHTTP returns a NetworkFunc backed by net/http, for running the
// plugin outside the sandbox host (CLI, sandbox-environment testing).
// Inside the host the real network function replaces this.
func NetHTTP(timeout time.Duration) NetworkFunc {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	return func(ctx context.Context, req Request) (Response, error) {
		var body io.Reader
		if len(req.Body) > 0 {
			body = bytes.NewReader(req.Body)
		}

		httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
		if err != nil {
			return Response{}, err
		}
		for k, v := range req.Headers {
			httpReq.Header.Set(k, v)
		}

		httpResp, err := client.Do(httpReq)
		if err != nil {
			return Response{}, err
		}
		defer httpResp.Body.Close()

		respBody, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return Response{}, err
		}

		return Response{StatusCode: httpResp.StatusCode, Body: respBody}, nil
	}
}
