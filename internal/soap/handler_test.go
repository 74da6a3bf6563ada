package soap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mikey-austin/mupnp/pkg/upnp"
)

type fakeDispatcher struct {
	action    string
	clientTag string
	args      map[string]string
	out       []upnp.Arg
	err       error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, action string, clientTag string, args map[string]string) ([]upnp.Arg, error) {
	f.action = action
	f.clientTag = clientTag
	f.args = args
	return f.out, f.err
}

func post(t *testing.T, h http.Handler, contentType string, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/control", strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerSuccess(t *testing.T) {
	disp := &fakeDispatcher{out: []upnp.Arg{{Name: "Id", Value: "3"}}}
	h := &Handler{ServiceType: cdsType, Dispatcher: disp, Server: "Linux/1.0 UPnP/1.0 mupnp/1.0"}
	body := string(EncodeRequest("urn:schemas-upnp-org:service:ContentDirectory:1", "GetSystemUpdateID", nil))

	rec := post(t, h, ContentType, body, map[string]string{
		"SOAPACTION": `"urn:schemas-upnp-org:service:ContentDirectory:1#GetSystemUpdateID"`,
		"User-Agent": "Xbox/2.0.4548.0 UPnP/1.0 Xbox/2.0.4548.0",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "GetSystemUpdateID", disp.action)
	require.Equal(t, "XBox", disp.clientTag)
	require.Equal(t, ContentType, rec.Header().Get("Content-Type"))
	require.Equal(t, "Linux/1.0 UPnP/1.0 mupnp/1.0", rec.Header().Get("SERVER"))
	require.Contains(t, rec.Header(), "Ext")
	require.NotEmpty(t, rec.Header().Get("Content-Length"))
	require.Contains(t, rec.Body.String(), "<Id>3</Id>")
}

func TestHandlerFaults(t *testing.T) {
	body := string(EncodeRequest(cdsType, "Browse", nil))

	t.Run("content type", func(t *testing.T) {
		rec := post(t, &Handler{ServiceType: cdsType, Dispatcher: &fakeDispatcher{}}, "application/json", body, nil)
		require.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	})
	t.Run("malformed", func(t *testing.T) {
		rec := post(t, &Handler{ServiceType: cdsType, Dispatcher: &fakeDispatcher{}}, "text/xml", "<broken", nil)
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		require.Contains(t, rec.Body.String(), "<errorCode>402</errorCode>")
	})
	t.Run("wrong service", func(t *testing.T) {
		other := string(EncodeRequest("urn:schemas-upnp-org:service:AVTransport:1", "Play", nil))
		rec := post(t, &Handler{ServiceType: cdsType, Dispatcher: &fakeDispatcher{}}, "text/xml", other, nil)
		require.Contains(t, rec.Body.String(), "<errorCode>401</errorCode>")
	})
	t.Run("soapaction mismatch", func(t *testing.T) {
		rec := post(t, &Handler{ServiceType: cdsType, Dispatcher: &fakeDispatcher{}}, "text/xml", body,
			map[string]string{"SOAPACTION": `"` + cdsType + `#Search"`})
		require.Contains(t, rec.Body.String(), "<errorCode>401</errorCode>")
	})
	t.Run("handler error", func(t *testing.T) {
		disp := &fakeDispatcher{err: upnp.NewError(upnp.CodeNoSuchObject)}
		rec := post(t, &Handler{ServiceType: cdsType, Dispatcher: disp}, "text/xml", body, nil)
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		require.Contains(t, rec.Body.String(), "<errorCode>701</errorCode>")
	})
	t.Run("method", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/control", nil)
		rec := httptest.NewRecorder()
		(&Handler{ServiceType: cdsType, Dispatcher: &fakeDispatcher{}}).ServeHTTP(rec, req)
		require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestClientCall(t *testing.T) {
	disp := &fakeDispatcher{out: []upnp.Arg{{Name: "Result", Value: "<DIDL-Lite/>"}, {Name: "NumberReturned", Value: "0"}}}
	srv := httptest.NewServer(&Handler{ServiceType: cdsType, Dispatcher: disp})
	defer srv.Close()

	client := NewClient(time.Second, nil)
	out, err := client.Call(context.Background(), srv.URL, cdsType, "Browse", []upnp.Arg{{Name: "ObjectID", Value: "0"}})
	require.NoError(t, err)
	require.Equal(t, "<DIDL-Lite/>", out["Result"])
	require.Equal(t, "0", disp.args["ObjectID"])

	disp.err = upnp.NewError(upnp.CodeNoSuchContainer)
	_, err = client.Call(context.Background(), srv.URL, cdsType, "Browse", nil)
	require.True(t, upnp.IsCode(err, upnp.CodeNoSuchContainer))
}

func TestClientTag(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("User-Agent", "PLAYSTATION 3")
	require.Equal(t, "PS3", ClientTag(req))
	req.Header.Set("User-Agent", "curl/8")
	require.Equal(t, "", ClientTag(req))
}
