package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// BatchClient issues one HTTP POST per call. There is no server push, so
// capability arguments are rejected.
type BatchClient struct {
	url     string
	headers http.Header
	http    *http.Client
}

// NewBatchClient creates a batched client for the given /rpc endpoint.
func NewBatchClient(url string, headers http.Header, timeout time.Duration) *BatchClient {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &BatchClient{
		url:     url,
		headers: headers,
		http:    &http.Client{Timeout: timeout},
	}
}

// Call issues a request and returns the raw result.
func (b *BatchClient) Call(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	wireArgs, err := MarshalArgs(args...)
	if err != nil {
		return nil, NewError(CodeInvalidArgument, "marshal args for %s: %s", method, err)
	}
	for _, arg := range wireArgs {
		if _, ok := DecodeCapRef(arg); ok {
			return nil, NewError(CodeUnsupported, "capability arguments require a duplex connection")
		}
	}

	frame := &Frame{ID: uuid.New().String(), Method: method, Args: wireArgs}
	body, err := json.Marshal(frame)
	if err != nil {
		return nil, NewError(CodeInternal, "marshal frame: %s", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, values := range b.headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, clientMaxMessageSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, NewError(CodeInternal, "rpc endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var reply Frame
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, NewError(CodeInternal, "decode response: %s", err)
	}
	if reply.Error != nil {
		return nil, reply.Error
	}
	return reply.Result, nil
}

// CallInto issues a request and decodes the result.
func (b *BatchClient) CallInto(ctx context.Context, v any, method string, args ...any) error {
	result, err := b.Call(ctx, method, args...)
	if err != nil {
		return err
	}
	if v == nil || len(result) == 0 {
		return nil
	}
	return json.Unmarshal(result, v)
}
