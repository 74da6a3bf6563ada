package soap

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mikey-austin/mupnp/pkg/upnp"
)

const cdsType = "urn:schemas-upnp-org:service:ContentDirectory:1"

func TestDecodeRequestTyped(t *testing.T) {
	body := `<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance">
 <s:Header><Auth>x</Auth></s:Header>
 <s:Body>
  <u:Browse xmlns:u="urn:schemas-upnp-org:service:ContentDirectory:1">
   <ObjectID>0</ObjectID>
   <BrowseFlag>BrowseDirectChildren</BrowseFlag>
   <StartingIndex xsi:type="xsd:int"> 007 </StartingIndex>
   <Filter>dc:title &amp; more</Filter>
   <Flag xsi:type="xsd:boolean">true</Flag>
  </u:Browse>
 </s:Body>
</s:Envelope>`
	req, err := DecodeRequest(strings.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, "Browse", req.Action)
	require.Equal(t, cdsType, req.Namespace)
	require.Equal(t, "7", req.Args["StartingIndex"])
	require.Equal(t, "1", req.Args["Flag"])
	require.Equal(t, "dc:title & more", req.Args["Filter"])
	require.Equal(t, []string{"ObjectID", "BrowseFlag", "StartingIndex", "Filter", "Flag"}, req.Order)
}

func TestDecodeRequestMalformed(t *testing.T) {
	cases := []string{
		"",
		"<notsoap/>",
		`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body></s:Body></s:Envelope>`,
		`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body><u:A xmlns:u="x"><B>`,
	}
	for _, body := range cases {
		_, err := DecodeRequest(strings.NewReader(body))
		require.ErrorIs(t, err, ErrMalformed, body)
	}
}

func TestRequestRoundTrip(t *testing.T) {
	data := EncodeRequest(cdsType, "Search", []upnp.Arg{
		{Name: "ContainerID", Value: "0"},
		{Name: "SearchCriteria", Value: `dc:title contains "<x>"`},
	})
	req, err := DecodeRequest(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, "Search", req.Action)
	require.Equal(t, `dc:title contains "<x>"`, req.Args["SearchCriteria"])
}

func TestResponseRoundTrip(t *testing.T) {
	data := EncodeResponse(cdsType, "GetSystemUpdateID", []upnp.Arg{{Name: "Id", Value: "12"}})
	require.Contains(t, string(data), "<u:GetSystemUpdateIDResponse")
	out, err := DecodeResponse(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, map[string]string{"Id": "12"}, out)
}

func TestFaultRoundTrip(t *testing.T) {
	data := EncodeFault(upnp.NewError(upnp.CodeNoSuchObject))
	require.Contains(t, string(data), "<faultcode>s:Client</faultcode>")
	require.Contains(t, string(data), "<faultstring>UPnPError</faultstring>")
	require.Contains(t, string(data), "<errorCode>701</errorCode>")

	_, err := DecodeResponse(bytes.NewReader(data))
	require.Error(t, err)
	require.True(t, upnp.IsCode(err, upnp.CodeNoSuchObject))
	require.True(t, IsFault(err))
}
