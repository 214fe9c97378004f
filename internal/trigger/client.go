package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wearable-pin/pindeploy/internal/config"
	"github.com/wearable-pin/pindeploy/internal/scheduler"
)

// Delivery methods reported by Client.Request.
const (
	ViaHTTP = "http"
	ViaFile = "file"
)

// Result describes how a trigger request reached the agent.
type Result struct {
	Via       string
	Coalesced bool
}

// Client asks a running agent for an immediate cycle. It prefers the admin
// endpoint and falls back to touching the trigger file when the endpoint
// is disabled or unreachable.
type Client struct {
	Listen string
	File   string
	HTTP   *http.Client
}

// NewClient returns a client for the given admin address and trigger file.
func NewClient(listen, file string) *Client {
	return &Client{
		Listen: listen,
		File:   file,
		HTTP:   &http.Client{Timeout: 5 * time.Second},
	}
}

// Request delivers one trigger.
func (c *Client) Request(ctx context.Context) (Result, error) {
	if c.Listen != "" && c.Listen != config.ListenOff {
		res, err := c.post(ctx)
		if err == nil {
			return res, nil
		}
		if c.File == "" {
			return Result{}, err
		}
	}
	if c.File == "" {
		return Result{}, fmt.Errorf("no trigger surface configured")
	}
	if err := Touch(c.File); err != nil {
		return Result{}, fmt.Errorf("touch trigger file: %w", err)
	}
	return Result{Via: ViaFile}, nil
}

// Status fetches the agent's status from the admin endpoint.
func (c *Client) Status(ctx context.Context) (scheduler.Status, error) {
	var status scheduler.Status
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/status"), nil)
	if err != nil {
		return status, err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return status, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return status, fmt.Errorf("status: unexpected response %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return status, fmt.Errorf("decode status: %w", err)
	}
	return status, nil
}

func (c *Client) post(ctx context.Context) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/trigger"), nil)
	if err != nil {
		return Result{}, err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusOK:
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("trigger: unexpected response %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var body Response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Result{}, fmt.Errorf("decode trigger response: %w", err)
	}
	return Result{Via: ViaHTTP, Coalesced: body.Coalesced}, nil
}

func (c *Client) url(path string) string {
	base := c.Listen
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return strings.TrimRight(base, "/") + path
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}
