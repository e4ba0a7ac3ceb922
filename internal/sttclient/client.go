// Package sttclient implements the HTTP client for the external batch STT
// engine (C3): it encodes each work item's PCM as WAV, posts the whole batch
// as one multipart request, and correlates results back to work items by
// utterance id.
package sttclient

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/bytedance/sonic"

	"github.com/sttgateway/gateway/pkg/types"
)

const (
	bitsPerSample     = 16
	defaultSampleRate = 16000
	defaultChannels   = 1
	defaultTimeout    = 30 * time.Second
)

// Option configures a [Client].
type Option func(*Client)

// WithTimeout overrides the HTTP client's request timeout. Defaults to 30s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithBearerToken attaches an Authorization: Bearer header to every batch
// request. Omit for unauthenticated endpoints.
func WithBearerToken(token string) Option {
	return func(c *Client) {
		c.bearerToken = token
	}
}

// WithHTTPClient overrides the underlying *http.Client entirely (e.g. for
// tests that need a custom transport).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// Client posts batches of work items to the STT engine's batch endpoint.
type Client struct {
	batchURL    string
	bearerToken string
	httpClient  *http.Client
}

// New creates a Client targeting batchURL (the SPEECH_API_BATCH_URL
// endpoint).
func New(batchURL string, opts ...Option) *Client {
	c := &Client{
		batchURL:   batchURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Batch encodes every item's PCM as a WAV file and posts the whole set as one
// multipart/form-data request with repeated "files" fields, filename
// "<sessionId>_<start>-<end>.wav". Results are returned in whatever order the
// engine replies with; callers correlate by [types.Result.UtteranceID].
//
// Per the error taxonomy, a transient network failure here is NOT retried —
// doing so would violate strict sequence ordering downstream. The caller
// (the batch dispatcher) logs and drops the batch.
func (c *Client) Batch(ctx context.Context, items []types.WorkItem) ([]types.Result, error) {
	if len(items) == 0 {
		return nil, nil
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	for _, item := range items {
		wav := encodeWAV(item.PCM, defaultSampleRate, defaultChannels)
		filename := fmt.Sprintf("%s.wav", item.UtteranceID())

		fw, err := mw.CreateFormFile("files", filename)
		if err != nil {
			return nil, fmt.Errorf("sttclient: create form file %s: %w", filename, err)
		}
		if _, err := fw.Write(wav); err != nil {
			return nil, fmt.Errorf("sttclient: write wav data %s: %w", filename, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("sttclient: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.batchURL, &body)
	if err != nil {
		return nil, fmt.Errorf("sttclient: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("accept", "application/json")
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sttclient: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sttclient: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("sttclient: read response body: %w", err)
	}

	return parseBatchResponse(data)
}

// batchResponse mirrors the engine's response envelope:
// {content: {result: {utterances: [{id: string, ...}]}}}.
type batchResponse struct {
	Content struct {
		Result struct {
			Utterances []map[string]any `json:"utterances"`
		} `json:"result"`
	} `json:"content"`
}

func parseBatchResponse(data []byte) ([]types.Result, error) {
	var resp batchResponse
	if err := sonic.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("sttclient: parse JSON response: %w", err)
	}

	results := make([]types.Result, 0, len(resp.Content.Result.Utterances))
	for _, u := range resp.Content.Result.Utterances {
		id, _ := u["id"].(string)
		if id == "" {
			continue
		}
		text, _ := u["text"].(string)
		results = append(results, types.Result{
			UtteranceID: id,
			Text:        text,
			Raw:         u,
		})
	}
	return results, nil
}

// encodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAV container.
func encodeWAV(pcm []byte, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bitsPerSample))

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}
