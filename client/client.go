package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"fleetboard/domain"
)

const maxErrorBody = 4 * 1024

// Client calls the work-order REST endpoints.
type Client struct {
	BaseURL string
	Bearer  string
	HTTP    *http.Client
}

// New creates a new Client.
func New(baseURL, bearer string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Bearer:  bearer,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Is maps 409 to domain.ErrMoveConflict and 404 to domain.ErrNotFound.
func (e *StatusError) Is(target error) bool {
	switch target {
	case domain.ErrMoveConflict:
		return e.Code == http.StatusConflict
	case domain.ErrNotFound:
		return e.Code == http.StatusNotFound
	}
	return false
}

type workOrdersResponse struct {
	WorkOrders []domain.WorkOrder `json:"workOrders"`
}

// FetchWorkOrders loads the snapshot of a board.
func (c *Client) FetchWorkOrders(ctx context.Context, boardID string) ([]domain.WorkOrder, error) {
	path := "/work-orders"
	if boardID != "" {
		path += "?boardId=" + url.QueryEscape(boardID)
	}
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out workOrdersResponse
	if err := sonic.ConfigStd.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode work orders: %w", err)
	}
	return out.WorkOrders, nil
}

// MoveWorkOrder issues PATCH /work-orders/{id}/status.
func (c *Client) MoveWorkOrder(ctx context.Context, id string, req domain.MoveRequest) error {
	body, err := sonic.ConfigStd.Marshal(req)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPatch, "/work-orders/"+url.PathEscape(id)+"/status", body)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rdr)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.Bearer)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}
