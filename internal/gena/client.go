package gena

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Subscription is a control point's view of a granted subscription.
type Subscription struct {
	SID      string
	EventURL string
	Timeout  time.Duration
}

// Client issues SUBSCRIBE and UNSUBSCRIBE requests.
type Client struct {
	HTTP *http.Client
}

// NewClient returns a client with the given request timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{HTTP: &http.Client{Timeout: timeout}}
}

// Subscribe opens a subscription delivering to callback.
func (c *Client) Subscribe(ctx context.Context, eventURL string, callback string, timeout time.Duration) (Subscription, error) {
	header := http.Header{}
	header.Set("CALLBACK", "<"+callback+">")
	header.Set("NT", "upnp:event")
	if timeout > 0 {
		header.Set("TIMEOUT", FormatTimeout(timeout))
	}
	return c.exchange(ctx, "SUBSCRIBE", eventURL, header)
}

// Renew extends an existing subscription.
func (c *Client) Renew(ctx context.Context, sub Subscription, timeout time.Duration) (Subscription, error) {
	header := http.Header{}
	header.Set("SID", sub.SID)
	if timeout > 0 {
		header.Set("TIMEOUT", FormatTimeout(timeout))
	}
	return c.exchange(ctx, "SUBSCRIBE", sub.EventURL, header)
}

// Unsubscribe cancels a subscription.
func (c *Client) Unsubscribe(ctx context.Context, sub Subscription) error {
	header := http.Header{}
	header.Set("SID", sub.SID)
	_, err := c.exchange(ctx, "UNSUBSCRIBE", sub.EventURL, header)
	return err
}

func (c *Client) exchange(ctx context.Context, method string, eventURL string, header http.Header) (Subscription, error) {
	req, err := http.NewRequestWithContext(ctx, method, eventURL, nil)
	if err != nil {
		return Subscription{}, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return Subscription{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Subscription{}, fmt.Errorf("%s %s: %s", strings.ToLower(method), eventURL, resp.Status)
	}
	sub := Subscription{
		SID:      resp.Header.Get("SID"),
		EventURL: eventURL,
		Timeout:  ParseTimeout(resp.Header.Get("TIMEOUT")),
	}
	if sub.SID == "" {
		sub.SID = header.Get("SID")
	}
	if method == "SUBSCRIBE" && sub.SID == "" {
		return Subscription{}, fmt.Errorf("subscribe %s: response without SID", eventURL)
	}
	if sub.Timeout == 0 {
		sub.Timeout = DefaultTimeout
	}
	return sub, nil
}
