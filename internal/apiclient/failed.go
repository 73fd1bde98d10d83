package apiclient

import (
	"context"
	"encoding/json"
	"net/url"
	"sort"
	"time"
)

// FailedRequest is an outbound call that ran out of attempts.
type FailedRequest struct {
	Key            string            `json:"key"`
	Method         string            `json:"method"`
	Endpoint       string            `json:"endpoint"`
	Query          string            `json:"query,omitempty"`
	Body           json.RawMessage   `json:"body,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
	Error          string            `json:"error"`
	Attempts       int               `json:"attempts"`
	FailedAt       time.Time         `json:"failedAt"`
}

func FailedKey(method, endpoint string) string { return method + ":" + endpoint }

func (c *Client) enqueueFailed(fr FailedRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed[fr.Key] = append(c.failed[fr.Key], fr)
}

// FailedRequests returns a copy of one queue, or all queues when key is empty.
func (c *Client) FailedRequests(key string) []FailedRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []FailedRequest
	for k, q := range c.failed {
		if key != "" && k != key {
			continue
		}
		out = append(out, q...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.Before(out[j].FailedAt) })
	return out
}

type ReplayReport struct {
	Replayed  int `json:"replayed"`
	Succeeded int `json:"succeeded"`
	Requeued  int `json:"requeued"`
	Dropped   int `json:"dropped"`
}

// RetryFailedRequests resends queued requests with their original body and
// idempotency key. Successes leave the queue; transient failures go back in.
func (c *Client) RetryFailedRequests(ctx context.Context, key string) ReplayReport {
	c.mu.Lock()
	var batch []FailedRequest
	for k, q := range c.failed {
		if key != "" && k != key {
			continue
		}
		batch = append(batch, q...)
		delete(c.failed, k)
	}
	c.mu.Unlock()
	sort.Slice(batch, func(i, j int) bool { return batch[i].FailedAt.Before(batch[j].FailedAt) })

	var rep ReplayReport
	for i, fr := range batch {
		if ctx.Err() != nil {
			// put back what we never got to
			for _, rest := range batch[i:] {
				c.enqueueFailed(rest)
				rep.Requeued++
			}
			break
		}
		rep.Replayed++
		ro := requestOptions{skipRetry: true, idempotencyKey: fr.IdempotencyKey, headers: fr.Headers}
		if fr.Query != "" {
			ro.query, _ = url.ParseQuery(fr.Query)
		}
		res, queueable := c.execute(ctx, fr.Method, fr.Endpoint, fr.Body, ro)
		switch {
		case res.Success:
			rep.Succeeded++
		case queueable:
			fr.Attempts++
			fr.Error = res.Error
			fr.FailedAt = time.Now()
			c.enqueueFailed(fr)
			rep.Requeued++
		default:
			rep.Dropped++
			c.log.Warn().Str("key", fr.Key).Str("error", res.Error).Msg("replayed request rejected, dropping")
		}
	}
	c.log.Info().Str("key", key).Int("replayed", rep.Replayed).Int("succeeded", rep.Succeeded).
		Int("requeued", rep.Requeued).Msg("failed request replay finished")
	return rep
}
