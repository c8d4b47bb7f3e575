// Package rest 后端 REST 客户端：健康探测、离线请求重放、位置上报与紧急告警
package rest

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

	"github.com/EthanQC/fieldsync/pkg/protocol"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/entity"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/errs"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/ports/out"
)

const maxErrorBody = 512

// Client 后端 REST 客户端，同时实现 out.Backend、out.HealthChecker 与 out.Replayer
type Client struct {
	baseURL string
	userID  string
	tokens  out.TokenProvider
	http    *http.Client
}

var (
	_ out.Backend       = (*Client)(nil)
	_ out.HealthChecker = (*Client)(nil)
	_ out.Replayer      = (*Client)(nil)
)

// NewClient 创建客户端；timeout 作用于没有更短截止时间的请求
func NewClient(baseURL, userID string, timeout time.Duration, tokens out.TokenProvider) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		userID:  userID,
		tokens:  tokens,
		http:    &http.Client{Timeout: timeout},
	}
}

// URL 拼接完整地址
func (c *Client) URL(path string) string {
	return c.baseURL + path
}

// Check GET /health：传输错误视为离线，非 2xx 或 status 不为 ok 视为降级
func (c *Client) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(protocol.PathHealth), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: health returned %s", errs.ErrDegraded, resp.Status)
	}
	var body protocol.HealthResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err != nil {
		return fmt.Errorf("%w: unreadable health body: %v", errs.ErrDegraded, err)
	}
	if body.Status != "ok" {
		return fmt.Errorf("%w: health status %q", errs.ErrDegraded, body.Status)
	}
	return nil
}

// Replay 按请求描述原样重放，缺少 Authorization 时补上当前 token
func (c *Client) Replay(ctx context.Context, s entity.Submission) error {
	var body io.Reader
	if len(s.Body) > 0 {
		body = bytes.NewReader(s.Body)
	}
	req, err := http.NewRequestWithContext(ctx, s.Method, s.TargetURL, body)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", errs.ErrRejected, err)
	}
	req.Header = s.Header()
	if req.Header.Get("Authorization") == "" {
		if err := c.authorize(ctx, req); err != nil {
			return err
		}
	}
	_, err = c.do(req, nil)
	return err
}

// UpdateLocation POST /location/update
func (c *Client) UpdateLocation(ctx context.Context, r protocol.LocationUpdateRequest) error {
	return c.postJSON(ctx, protocol.PathLocationUpdate, r, nil)
}

// EmergencyAlert POST /field/emergency/alert
func (c *Client) EmergencyAlert(ctx context.Context, r protocol.EmergencyAlertRequest) error {
	return c.postJSON(ctx, protocol.PathEmergencyAlert, r, nil)
}

// ActiveUsers GET /location/active-users
func (c *Client) ActiveUsers(ctx context.Context, projectID string) ([]protocol.ActiveUser, error) {
	u := c.URL(protocol.PathActiveUsers) + "?projectId=" + url.QueryEscape(projectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}
	var resp protocol.Users
	if _, err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return resp.Users, nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL(path), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.authorize(ctx, req); err != nil {
		return err
	}
	_, err = c.do(req, out)
	return err
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if c.userID != "" {
		req.Header.Set(protocol.HeaderUserID, c.userID)
	}
	if c.tokens == nil {
		return nil
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("fetch token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

// do 执行请求并按状态码分类错误：5xx/408/429 可重试，其余非 2xx 为拒绝
func (c *Client) do(req *http.Request, out any) (int, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %v", errs.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		cause := errs.ErrRejected
		switch {
		case resp.StatusCode >= 500, resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
			cause = errs.ErrTransientNetwork
		}
		return resp.StatusCode, fmt.Errorf("%w: %s %s: %s %s", cause, req.Method, req.URL.Path, resp.Status, strings.TrimSpace(string(msg)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s response: %w", req.URL.Path, err)
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode, nil
}
