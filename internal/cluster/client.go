package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/media-cluster/internal/model"
)

const (
	// SecretHeader carries the shared worker secret
	SecretHeader = "X-Worker-Secret"

	registerPath   = "/api/workers/register"
	heartbeatPath  = "/api/workers/heartbeat"
	unregisterPath = "/api/v1/nodes/unregister"
	bestNodePath   = "/api/v1/nodes/best"
	statsPath      = "/api/v1/nodes/stats"

	maxErrorBody = 4096
)

// Client talks JSON over HTTP to the master. Deadlines come from the caller's context.
type Client struct {
	logger  *zap.Logger
	baseURL string
	secret  string
	http    *http.Client
}

// NewClient creates a client for the master at baseURL
func NewClient(baseURL, secret string, logger *zap.Logger) *Client {
	return &Client{
		logger:  logger.Named("master-client"),
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		http: &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// BaseURL returns the master address
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Register announces this worker to the master
func (c *Client) Register(ctx context.Context, req model.RegisterRequest) (model.WorkerRecord, error) {
	var resp model.RegisterResponse
	if err := c.do(ctx, http.MethodPost, registerPath, req, &resp); err != nil {
		return model.WorkerRecord{}, err
	}
	return resp.Worker, nil
}

// Heartbeat reports liveness and load. ErrReregister means the master lost this worker.
func (c *Client) Heartbeat(ctx context.Context, req model.HeartbeatRequest) (model.HeartbeatAck, error) {
	var ack model.HeartbeatAck
	err := c.do(ctx, http.MethodPost, heartbeatPath, req, &ack)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return ack, fmt.Errorf("%w: %s", ErrReregister, se.Message)
		}
		return ack, err
	}
	return ack, nil
}

// Unregister tells the master this worker is leaving
func (c *Client) Unregister(ctx context.Context, workerID, reason string) error {
	req := model.UnregisterRequest{
		WorkerID: workerID,
		NodeID:   workerID,
		Reason:   reason,
		SentAt:   time.Now(),
	}
	return c.do(ctx, http.MethodPost, unregisterPath, req, nil)
}

// BestNode asks the master which node should handle taskType
func (c *Client) BestNode(ctx context.Context, taskType string) (model.NodeRef, error) {
	path := bestNodePath
	if taskType != "" {
		path += "?taskType=" + url.QueryEscape(taskType)
	}

	var resp model.BestNodeResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusServiceUnavailable {
			return model.NodeRef{}, fmt.Errorf("%w: %s", ErrNoNode, se.Message)
		}
		return model.NodeRef{}, err
	}
	return resp.Data.Node, nil
}

// PushStats sends a load sample to the master when no message bus is configured
func (c *Client) PushStats(ctx context.Context, sample model.LoadSample) error {
	return c.do(ctx, http.MethodPost, statsPath, sample, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.secret != "" {
		req.Header.Set(SecretHeader, c.secret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrTransport, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		se := &StatusError{Code: resp.StatusCode, Path: path}
		var errResp model.ErrorResponse
		if json.Unmarshal(raw, &errResp) == nil {
			se.Message = errResp.Error
			if se.Message == "" {
				se.Message = errResp.Message
			}
		}
		return se
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
