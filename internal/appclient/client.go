// Package appclient is the typed client for the daemon's control
// surface, used by the operator CLI.
package appclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"altdeck/internal/api"
)

const defaultUnaryTimeout = 60 * time.Second

type Client struct {
	baseURL      string
	secret       string
	client       *http.Client
	unaryTimeout time.Duration
}

func New(addr, secret string) *Client {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return NewWithClient(base, secret, &http.Client{})
}

func NewWithClient(baseURL, secret string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		secret:       secret,
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

// RequestError carries the daemon's plain-text failure message alongside
// the HTTP status.
type RequestError struct {
	Status  int
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("daemon returned %d: %s", e.Status, e.Message)
}

func (c *Client) Running(ctx context.Context) error {
	_, err := c.get(ctx, "/Running", nil)
	return err
}

func (c *Client) Status(ctx context.Context) (api.StatusResponse, error) {
	body, err := c.get(ctx, "/Status", nil)
	if err != nil {
		return api.StatusResponse{}, err
	}
	var out api.StatusResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return api.StatusResponse{}, fmt.Errorf("decode status: %w", err)
	}
	return out, nil
}

type LaunchParams struct {
	Account     string
	PlaceID     string
	JobID       string
	FollowUser  bool
	JoinPrivate bool
}

// Launch returns the daemon's operator-facing message; a non-2xx answer
// comes back as a RequestError carrying that same message.
func (c *Client) Launch(ctx context.Context, params LaunchParams) (string, error) {
	values := url.Values{}
	values.Set("Account", params.Account)
	values.Set("PlaceId", params.PlaceID)
	if params.JobID != "" {
		values.Set("JobId", params.JobID)
	}
	if params.FollowUser {
		values.Set("FollowUser", "true")
	}
	if params.JoinPrivate {
		values.Set("JoinVIP", "true")
	}
	body, err := c.get(ctx, "/LaunchAccount", values)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

func (c *Client) Accounts(ctx context.Context) ([]api.AccountSummary, error) {
	body, err := c.get(ctx, "/GetAccountsJson", nil)
	if err != nil {
		return nil, err
	}
	var out []api.AccountSummary
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode accounts: %w", err)
	}
	return out, nil
}

func (c *Client) AddAccount(ctx context.Context, sessionToken, accountPassword string) (string, error) {
	values := url.Values{}
	values.Set("Cookie", sessionToken)
	if accountPassword != "" {
		values.Set("AccountPassword", accountPassword)
	}
	body, err := c.get(ctx, "/AddAccount", values)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

func (c *Client) RemoveAccount(ctx context.Context, account string) error {
	values := url.Values{}
	values.Set("Account", account)
	_, err := c.get(ctx, "/RemoveAccount", values)
	return err
}

func (c *Client) SetServer(ctx context.Context, account string, placeID int64, jobID string) (string, error) {
	values := url.Values{}
	values.Set("Account", account)
	values.Set("PlaceId", strconv.FormatInt(placeID, 10))
	values.Set("JobId", jobID)
	body, err := c.get(ctx, "/SetServer", values)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

func (c *Client) SetAlias(ctx context.Context, account, alias string) error {
	return c.setField(ctx, "/SetAlias", account, alias)
}

func (c *Client) SetDescription(ctx context.Context, account, description string) error {
	return c.setField(ctx, "/SetDescription", account, description)
}

func (c *Client) SetGroup(ctx context.Context, account, group string) error {
	return c.setField(ctx, "/SetGroup", account, group)
}

func (c *Client) setField(ctx context.Context, path, account, value string) error {
	values := url.Values{}
	values.Set("Account", account)
	values.Set("Value", value)
	_, err := c.get(ctx, path, values)
	return err
}

func (c *Client) History(ctx context.Context, account string, limit int) ([]api.LaunchHistoryEntry, error) {
	values := url.Values{}
	if account != "" {
		values.Set("Account", account)
	}
	if limit > 0 {
		values.Set("Limit", strconv.Itoa(limit))
	}
	body, err := c.get(ctx, "/GetLaunchHistory", values)
	if err != nil {
		return nil, err
	}
	var out []api.LaunchHistoryEntry
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, values url.Values) ([]byte, error) {
	if values == nil {
		values = url.Values{}
	}
	if c.secret != "" {
		values.Set("Password", c.secret)
	}
	reqURL := c.baseURL + path
	if encoded := values.Encode(); encoded != "" {
		reqURL += "?" + encoded
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.unaryTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RequestError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	return body, nil
}
