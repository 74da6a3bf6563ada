package gena

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mikey-austin/mupnp/internal/state"
)

// EventNamespace is the namespace of propertyset documents.
const EventNamespace = "urn:schemas-upnp-org:event-1-0"

// DefaultNotifyTimeout bounds one NOTIFY delivery.
const DefaultNotifyTimeout = 30 * time.Second

// Notifier delivers NOTIFY requests to subscriber callbacks.
type Notifier struct {
	client *http.Client
	log    *zap.Logger
}

// NewNotifier returns a notifier with the given per-request timeout.
func NewNotifier(timeout time.Duration, log *zap.Logger) *Notifier {
	if timeout <= 0 {
		timeout = DefaultNotifyTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	transport := &http.Transport{DisableKeepAlives: true}
	return &Notifier{client: &http.Client{Timeout: timeout, Transport: transport}, log: log}
}

// NewNotifierWithClient wraps an existing HTTP client.
func NewNotifierWithClient(client *http.Client, log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{client: client, log: log}
}

// Send posts the event to each callback in order until one accepts it.
func (n *Notifier) Send(ctx context.Context, sid string, callbacks []string, seq uint32, changes []state.Change) error {
	body := EncodePropertySet(changes)
	var errs []error
	for _, callback := range callbacks {
		err := n.send(ctx, callback, sid, seq, body)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return fmt.Errorf("no callbacks for %s", sid)
	}
	return errors.Join(errs...)
}

func (n *Notifier) send(ctx context.Context, callback string, sid string, seq uint32, body []byte) error {
	target, err := url.Parse(callback)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "NOTIFY", callback, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Host = target.Host
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("NT", "upnp:event")
	req.Header.Set("NTS", "upnp:propchange")
	req.Header.Set("SID", sid)
	req.Header.Set("SEQ", strconv.FormatUint(uint64(seq), 10))
	req.Close = true

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify %s: %s", callback, resp.Status)
	}
	n.log.Debug("event delivered", zap.String("sid", sid), zap.Uint32("seq", seq), zap.String("callback", callback))
	return nil
}

// EncodePropertySet renders changes as a propertyset document with one
// property per variable.
func EncodePropertySet(changes []state.Change) []byte {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	buf.WriteString(`<e:propertyset xmlns:e="` + EventNamespace + `">`)
	for _, change := range changes {
		buf.WriteString(`<e:property><` + change.Name + `>`)
		_ = xml.EscapeText(&buf, []byte(change.Value))
		buf.WriteString(`</` + change.Name + `></e:property>`)
	}
	buf.WriteString(`</e:propertyset>`)
	return buf.Bytes()
}
