package gena

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Handler serves a service's event subscription URL.
type Handler struct {
	Manager *Manager
	Server  string
	Log     *zap.Logger
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "SUBSCRIBE":
		h.subscribe(w, r)
	case "UNSUBSCRIBE":
		h.unsubscribe(w, r)
	default:
		w.Header().Set("Allow", "SUBSCRIBE, UNSUBSCRIBE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) subscribe(w http.ResponseWriter, r *http.Request) {
	sid := strings.TrimSpace(r.Header.Get("SID"))
	callback := strings.TrimSpace(r.Header.Get("CALLBACK"))
	nt := strings.TrimSpace(r.Header.Get("NT"))
	timeout := ParseTimeout(r.Header.Get("TIMEOUT"))

	if sid != "" {
		if callback != "" || nt != "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		sub, err := h.Manager.Renew(sid, timeout)
		if err != nil {
			http.Error(w, "precondition failed", http.StatusPreconditionFailed)
			return
		}
		h.accept(w, sub)
		return
	}

	callbacks := ParseCallbacks(callback)
	if nt != "upnp:event" || len(callbacks) == 0 {
		http.Error(w, "precondition failed", http.StatusPreconditionFailed)
		return
	}
	sub := h.Manager.Subscribe(callbacks, timeout)
	h.accept(w, sub)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	if err := h.Manager.Activate(sub.SID); err != nil {
		h.logger().Debug("activate failed", zap.String("sid", sub.SID), zap.Error(err))
	}
}

func (h *Handler) unsubscribe(w http.ResponseWriter, r *http.Request) {
	sid := strings.TrimSpace(r.Header.Get("SID"))
	if sid == "" {
		http.Error(w, "precondition failed", http.StatusPreconditionFailed)
		return
	}
	if r.Header.Get("CALLBACK") != "" || r.Header.Get("NT") != "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	h.Manager.Unsubscribe(sid)
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) accept(w http.ResponseWriter, sub *Subscriber) {
	header := w.Header()
	header.Set("SID", sub.SID)
	header.Set("TIMEOUT", FormatTimeout(sub.Timeout()))
	header.Set("Content-Length", "0")
	if h.Server != "" {
		header.Set("SERVER", h.Server)
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) logger() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

// ParseTimeout reads a "Second-n" header. Missing, invalid and infinite
// values return 0, which selects the default.
func ParseTimeout(value string) time.Duration {
	value = strings.TrimSpace(value)
	if len(value) < len("Second-") || !strings.EqualFold(value[:len("Second-")], "Second-") {
		return 0
	}
	n, err := strconv.Atoi(value[len("Second-"):])
	if err != nil || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

// FormatTimeout renders a TIMEOUT header value.
func FormatTimeout(d time.Duration) string {
	return "Second-" + strconv.Itoa(int(d/time.Second))
}

// ParseCallbacks splits a CALLBACK header of angle-bracketed URLs, keeping
// only http URLs.
func ParseCallbacks(value string) []string {
	var out []string
	for {
		start := strings.IndexByte(value, '<')
		if start < 0 {
			return out
		}
		end := strings.IndexByte(value[start:], '>')
		if end < 0 {
			return out
		}
		candidate := value[start+1 : start+end]
		value = value[start+end+1:]
		u, err := url.Parse(candidate)
		if err != nil || u.Scheme != "http" || u.Host == "" {
			continue
		}
		out = append(out, candidate)
	}
}
