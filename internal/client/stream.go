package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
)

const streamChunkSize = 4096

// Stream opens a long-lived response at path and invokes fn for every
// complete JSON line. Malformed or partial lines are skipped without
// aborting the stream; a trailing partial line is retained until the next
// chunk completes it. Cancellation is checked between chunk reads, so
// shutdown latency is bounded by one read, not by stream completion.
func (c *Client) Stream(ctx context.Context, path string, fn func(line json.RawMessage) error) error {
	desc, err := c.descriptor(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel() // releases the connection promptly once we return

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, desc.BaseURL()+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("stream %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return &APIError{StatusCode: resp.StatusCode, Path: path}
	}

	decoder := &lineDecoder{}
	buf := make([]byte, streamChunkSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			for _, line := range decoder.Feed(buf[:n]) {
				if !json.Valid(line) {
					log.Printf("client: skipping malformed stream line: %.80s", line)
					continue
				}
				if err := fn(json.RawMessage(line)); err != nil {
					return err
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("stream %s: %w", path, readErr)
		}
	}
}

// lineDecoder splits arbitrary byte chunks on newline boundaries, keeping
// any trailing partial line for the next chunk.
type lineDecoder struct {
	pending []byte
}

// Feed appends a chunk and returns the complete lines it closed. Empty
// lines are dropped.
func (d *lineDecoder) Feed(chunk []byte) [][]byte {
	d.pending = append(d.pending, chunk...)
	var lines [][]byte
	for {
		idx := bytes.IndexByte(d.pending, '\n')
		if idx < 0 {
			return lines
		}
		line := bytes.TrimSpace(d.pending[:idx])
		d.pending = d.pending[idx+1:]
		if len(line) > 0 {
			out := make([]byte, len(line))
			copy(out, line)
			lines = append(lines, out)
		}
	}
}

// Pending returns the retained partial line.
func (d *lineDecoder) Pending() []byte {
	return d.pending
}
