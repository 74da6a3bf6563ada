package soap

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mikey-austin/mupnp/pkg/upnp"
)

const maxRequestBytes = 1 << 20

// Dispatcher runs a validated action.
type Dispatcher interface {
	Dispatch(ctx context.Context, action string, clientTag string, args map[string]string) ([]upnp.Arg, error)
}

// Handler serves a service control URL.
type Handler struct {
	ServiceType string
	Dispatcher  Dispatcher
	Server      string
	Log         *zap.Logger
}

// ServeHTTP decodes the envelope, dispatches it and writes the response or
// fault.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := h.Log
	if log == nil {
		log = zap.NewNop()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !isXML(r.Header.Get("Content-Type")) {
		log.Debug("rejecting non-xml control request", zap.String("content_type", r.Header.Get("Content-Type")))
		h.write(w, http.StatusUnsupportedMediaType, EncodeFault(upnp.NewError(upnp.CodeUnsupportedMediaType)))
		return
	}

	req, err := DecodeRequest(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		log.Debug("control request decode failed", zap.Error(err))
		h.fault(w, upnp.NewError(upnp.CodeInvalidArgs))
		return
	}
	if !upnp.MatchType(req.Namespace, h.ServiceType) {
		log.Debug("control request for another service", zap.String("namespace", req.Namespace))
		h.fault(w, upnp.NewError(upnp.CodeInvalidAction))
		return
	}
	if header := soapActionName(r.Header.Get("SOAPACTION")); header != "" && header != req.Action {
		h.fault(w, upnp.NewError(upnp.CodeInvalidAction))
		return
	}

	started := time.Now()
	out, err := h.Dispatcher.Dispatch(r.Context(), req.Action, ClientTag(r), req.Args)
	if err != nil {
		upnpErr := upnp.AsError(err)
		log.Debug("control fault",
			zap.String("action", req.Action),
			zap.Int("code", upnpErr.Code),
			zap.String("remote", r.RemoteAddr),
		)
		h.fault(w, upnpErr)
		return
	}
	log.Debug("control ok",
		zap.String("action", req.Action),
		zap.String("remote", r.RemoteAddr),
		zap.Duration("duration", time.Since(started)),
	)
	h.write(w, http.StatusOK, EncodeResponse(req.Namespace, req.Action, out))
}

func (h *Handler) fault(w http.ResponseWriter, e *upnp.Error) {
	h.write(w, http.StatusInternalServerError, EncodeFault(e))
}

func (h *Handler) write(w http.ResponseWriter, status int, body []byte) {
	header := w.Header()
	header.Set("Content-Type", ContentType)
	header.Set("Content-Length", strconv.Itoa(len(body)))
	header.Set("EXT", "")
	if h.Server != "" {
		header.Set("SERVER", h.Server)
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func isXML(contentType string) bool {
	mediaType, _, _ := strings.Cut(contentType, ";")
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	return mediaType == "text/xml" || mediaType == "application/xml" || strings.HasSuffix(mediaType, "+xml")
}

// soapActionName extracts the action from a "type#Action" header value.
func soapActionName(value string) string {
	value = strings.Trim(strings.TrimSpace(value), `"`)
	_, action, ok := strings.Cut(value, "#")
	if !ok {
		return ""
	}
	return action
}

// ClientTag identifies clients needing compatibility handling.
func ClientTag(r *http.Request) string {
	agent := r.Header.Get("User-Agent")
	switch {
	case strings.Contains(agent, "Xbox"), strings.Contains(agent, "Xenon"):
		return "XBox"
	case strings.Contains(agent, "PLAYSTATION"), strings.Contains(r.Header.Get("X-AV-Client-Info"), "PLAYSTATION"):
		return "PS3"
	case strings.Contains(agent, "SEC_HHP"), strings.Contains(agent, "Samsung"):
		return "Samsung"
	}
	return ""
}

// IsFault reports whether err came back from a peer as a UPnP fault.
func IsFault(err error) bool {
	var upnpErr *upnp.Error
	return errors.As(err, &upnpErr)
}
