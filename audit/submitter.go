package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/jrsteele09/go-secure-gateway/internal/errors"
)

// Batch is the unit of submission.
type Batch struct {
	ID     string  `json:"batchId"`
	Events []Event `json:"events"`
}

// Submitter delivers a batch to the audit backend.
type Submitter interface {
	Submit(ctx context.Context, batch Batch) error
}

// SubmitterFunc adapts a function to Submitter.
type SubmitterFunc func(ctx context.Context, batch Batch) error

func (f SubmitterFunc) Submit(ctx context.Context, batch Batch) error { return f(ctx, batch) }

// RequestEditor may decorate the outgoing request, for example with credentials.
type RequestEditor func(ctx context.Context, req *http.Request) error

// HTTPSubmitter posts batches as JSON to the audit endpoint.
type HTTPSubmitter struct {
	client   *http.Client
	endpoint string
	editors  []RequestEditor
}

func NewHTTPSubmitter(client *http.Client, endpoint string, editors ...RequestEditor) *HTTPSubmitter {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSubmitter{client: client, endpoint: endpoint, editors: editors}
}

func (s *HTTPSubmitter) Submit(ctx context.Context, batch Batch) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return errors.Wrap(err, "HTTPSubmitter.Submit Marshal")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "HTTPSubmitter.Submit NewRequest")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", batch.ID)
	for _, edit := range s.editors {
		if err := edit(ctx, req); err != nil {
			return errors.Wrap(err, "HTTPSubmitter.Submit edit request")
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "HTTPSubmitter.Submit Do")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("audit endpoint answered %d", resp.StatusCode)
	}
	return nil
}
