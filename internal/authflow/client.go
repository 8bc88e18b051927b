// Package authflow implements the handshake against the remote game
// service: harvesting an anti-forgery token, exchanging it for a one-time
// launch ticket, and resolving private-server link codes into access
// codes. The client is stateless; every call performs the sub-steps it
// needs and holds nothing between calls.
package authflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNoToken      = errors.New("no handshake token")
	ErrNoTicket     = errors.New("no launch ticket")
	ErrNoAccessCode = errors.New("no access code")
)

const (
	ticketPath      = "/v1/authentication-ticket"
	csrfHeader      = "X-Csrf-Token"
	ticketHeader    = "Rbx-Authentication-Ticket"
	refererGamePath = "/games/606849621/"

	defaultTimeout = 30 * time.Second
	maxScrapeBytes = 4 << 20
)

// CodeExtractor pulls a private-server access code out of the target's
// HTML page. The default scrapes the joinPrivateGame call site; it is
// injectable because the page markup is not a stable contract.
type CodeExtractor func(targetID int64, body []byte) (string, bool)

type Client struct {
	httpc        *http.Client
	authBaseURL  string
	webBaseURL   string
	usersBaseURL string
	extract      CodeExtractor
}

type Option func(*Client)

// WithBaseURLs points the client at alternate endpoints. Used by tests
// and by deployments behind a proxy.
func WithBaseURLs(auth, web, users string) Option {
	return func(c *Client) {
		if auth != "" {
			c.authBaseURL = auth
		}
		if web != "" {
			c.webBaseURL = web
		}
		if users != "" {
			c.usersBaseURL = users
		}
	}
}

func WithExtractor(extract CodeExtractor) Option {
	return func(c *Client) {
		if extract != nil {
			c.extract = extract
		}
	}
}

func WithHTTPClient(httpc *http.Client) Option {
	return func(c *Client) {
		if httpc != nil {
			c.httpc = httpc
		}
	}
}

func New(opts ...Option) *Client {
	c := &Client{
		httpc:        &http.Client{Timeout: defaultTimeout},
		authBaseURL:  "https://auth.roblox.com",
		webBaseURL:   "https://www.roblox.com",
		usersBaseURL: "https://users.roblox.com",
		extract:      extractJoinPrivateGame,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HandshakeToken harvests the anti-forgery token. The remote returns it
// only on a rejected first attempt, in a response header; the rejection
// status is the expected path, so any response carrying the header counts
// as success regardless of status code.
func (c *Client) HandshakeToken(ctx context.Context, sessionToken string) (string, error) {
	resp, err := c.ticketRequest(ctx, sessionToken, "")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoToken, err)
	}
	defer drain(resp.Body)
	token := resp.Header.Get(csrfHeader)
	if token == "" {
		return "", fmt.Errorf("%w: response carried no %s header (status %d)", ErrNoToken, csrfHeader, resp.StatusCode)
	}
	return token, nil
}

// LaunchTicket exchanges the session token for a one-time launch ticket:
// a fresh handshake token first, then the same request reissued with the
// token and an empty JSON body.
func (c *Client) LaunchTicket(ctx context.Context, sessionToken string) (string, error) {
	token, err := c.HandshakeToken(ctx, sessionToken)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoTicket, err)
	}
	resp, err := c.ticketRequest(ctx, sessionToken, token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoTicket, err)
	}
	defer drain(resp.Body)
	ticket := resp.Header.Get(ticketHeader)
	if ticket == "" {
		return "", fmt.Errorf("%w: response carried no %s header (status %d)", ErrNoTicket, ticketHeader, resp.StatusCode)
	}
	return ticket, nil
}

// PrivateAccessCode resolves a shareable private-server link code into
// the access code required to join. The code lives inside the target's
// HTML page, so this is scraping dressed up as protocol; the extraction
// strategy is injectable for exactly that reason.
func (c *Client) PrivateAccessCode(ctx context.Context, sessionToken string, targetID int64, linkCode string) (string, error) {
	token, err := c.HandshakeToken(ctx, sessionToken)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoAccessCode, err)
	}
	pageURL := fmt.Sprintf("%s/games/%d?privateServerLinkCode=%s", c.webBaseURL, targetID, url.QueryEscape(linkCode))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoAccessCode, err)
	}
	c.setSessionHeaders(req, sessionToken)
	req.Header.Set(csrfHeader, token)
	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoAccessCode, err)
	}
	defer drain(resp.Body)
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxScrapeBytes))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoAccessCode, err)
	}
	code, ok := c.extract(targetID, body)
	if !ok {
		return "", fmt.Errorf("%w: no access code in page for target %d", ErrNoAccessCode, targetID)
	}
	if _, err := uuid.Parse(code); err != nil {
		return "", fmt.Errorf("%w: extracted code is not uuid-shaped", ErrNoAccessCode)
	}
	return code, nil
}

func (c *Client) ticketRequest(ctx context.Context, sessionToken, csrfToken string) (*http.Response, error) {
	var body io.Reader
	if csrfToken != "" {
		body = bytes.NewReader([]byte("{}"))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authBaseURL+ticketPath, body)
	if err != nil {
		return nil, err
	}
	c.setSessionHeaders(req, sessionToken)
	if csrfToken != "" {
		req.Header.Set(csrfHeader, csrfToken)
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpc.Do(req)
}

func (c *Client) setSessionHeaders(req *http.Request, sessionToken string) {
	req.AddCookie(&http.Cookie{Name: ".ROBLOSECURITY", Value: sessionToken})
	req.Header.Set("Referer", c.webBaseURL+refererGamePath)
	req.Header.Set("User-Agent", "Mozilla/5.0")
}

func extractJoinPrivateGame(targetID int64, body []byte) (string, bool) {
	pattern := regexp.MustCompile(`joinPrivateGame\(\s*` + strconv.FormatInt(targetID, 10) + `\s*,\s*'([0-9a-fA-F-]{36})'`)
	m := pattern.FindSubmatch(body)
	if m == nil {
		return "", false
	}
	return string(m[1]), true
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 1<<16))
	_ = body.Close()
}
