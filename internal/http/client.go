package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reportd/internal/report"
	"github.com/fyrsmithlabs/reportd/internal/store"
)

// Client is the REST client for the reports API. It satisfies the autosave
// scheduler's saver contract: version conflicts and transport failures come
// back as their typed errors so the caller can dispatch without string
// matching.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a reports API client. The context deadline of each call
// bounds the request, so the underlying http.Client carries no timeout of
// its own.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{},
		logger:  logger.Named("report-client"),
	}
}

// Save persists a snapshot: POST for a new report, PUT with the base version
// for an existing one.
func (c *Client) Save(ctx context.Context, req *store.SaveRequest) (*report.Report, error) {
	body := SaveReportRequest{
		BaseVersion: req.BaseVersion,
		Fields:      req.Fields,
		UserID:      req.Actor.UserID,
		Username:    req.Actor.Username,
	}

	method := http.MethodPost
	url := c.baseURL + "/api/v1/reports"
	if req.ID != "" {
		method = http.MethodPut
		url += "/" + req.ID
	}

	resp, err := c.do(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var rr ReportResponse
		if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
			return nil, fmt.Errorf("malformed save response: %w", err)
		}
		return fromResponse(rr), nil

	case http.StatusConflict:
		// 409 always carries the authoritative document.
		var cr ConflictResponse
		if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
			return nil, fmt.Errorf("malformed conflict response: %w", err)
		}
		return nil, &report.VersionConflictError{
			BaseVersion: cr.BaseVersion,
			Current:     fromResponse(cr.Current),
		}

	case http.StatusNotFound:
		return nil, report.ErrNotFound

	default:
		return nil, c.statusError(resp)
	}
}

// Get fetches one report by id.
func (c *Client) Get(ctx context.Context, id string) (*report.Report, error) {
	resp, err := c.do(ctx, http.MethodGet, c.baseURL+"/api/v1/reports/"+id, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var rr ReportResponse
		if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
			return nil, fmt.Errorf("malformed report response: %w", err)
		}
		return fromResponse(rr), nil

	case http.StatusNotFound:
		return nil, report.ErrNotFound

	default:
		return nil, c.statusError(resp)
	}
}

// List fetches every report.
func (c *Client) List(ctx context.Context) ([]*report.Report, error) {
	resp, err := c.do(ctx, http.MethodGet, c.baseURL+"/api/v1/reports", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp)
	}

	var rrs []ReportResponse
	if err := json.NewDecoder(resp.Body).Decode(&rrs); err != nil {
		return nil, fmt.Errorf("malformed list response: %w", err)
	}

	out := make([]*report.Report, 0, len(rrs))
	for _, rr := range rrs {
		out = append(out, fromResponse(rr))
	}
	return out, nil
}

// do issues one request. Connection-level failures come back as transport
// errors so callers can distinguish "server unreachable" from a rejection.
func (c *Client) do(ctx context.Context, method, url string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &report.TransportError{Op: method + " " + url, Err: err}
	}
	return resp, nil
}

func (c *Client) statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
}

func fromResponse(rr ReportResponse) *report.Report {
	return &report.Report{
		ID:        rr.ID,
		Version:   rr.Version,
		Fields:    rr.Fields,
		UpdatedBy: rr.UpdatedBy,
		UpdatedAt: rr.UpdatedAt,
	}
}
