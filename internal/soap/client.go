package soap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mikey-austin/mupnp/pkg/upnp"
)

// Client invokes actions on remote services.
type Client struct {
	HTTP      *http.Client
	UserAgent string
	Log       *zap.Logger
}

// NewClient returns a client with a request timeout.
func NewClient(timeout time.Duration, log *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{HTTP: &http.Client{Timeout: timeout}, Log: log}
}

// Call posts an action to controlURL and returns its OUT arguments. UPnP
// faults are returned as *upnp.Error.
func (c *Client) Call(ctx context.Context, controlURL string, serviceType string, action string, args []upnp.Arg) (map[string]string, error) {
	body := EncodeRequest(serviceType, action, args)
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		out, err := c.call(ctx, controlURL, serviceType, action, body)
		if err == nil {
			return out, nil
		}
		lastErr = err
		// Some devices drop idle keep-alive connections; retry once on EOF.
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) call(ctx context.Context, controlURL string, serviceType string, action string, body []byte) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, controlURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Close = true
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("SOAPAction", fmt.Sprintf(`"%s#%s"`, serviceType, action))
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	started := time.Now()
	resp, err := httpClient.Do(req)
	if err != nil {
		c.logger().Debug("soap request failed", zap.String("action", action), zap.String("url", controlURL), zap.Error(err))
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	out, err := DecodeResponse(bytes.NewReader(data))
	if err != nil {
		if IsFault(err) {
			return nil, err
		}
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("soap %s: %s", action, resp.Status)
		}
		return nil, err
	}
	c.logger().Debug("soap request ok",
		zap.String("action", action),
		zap.String("url", controlURL),
		zap.Duration("duration", time.Since(started)),
	)
	return out, nil
}

func (c *Client) logger() *zap.Logger {
	if c.Log == nil {
		return zap.NewNop()
	}
	return c.Log
}
