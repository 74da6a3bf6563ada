// Package soap implements the UPnP control transport: SOAP 1.1 envelopes
// carried over HTTP POST.
package soap

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/mikey-austin/mupnp/pkg/upnp"
)

// Namespaces used in envelopes.
const (
	EnvelopeNamespace = "http://schemas.xmlsoap.org/soap/envelope/"
	EncodingStyle     = "http://schemas.xmlsoap.org/soap/encoding/"
	ControlNamespace  = "urn:schemas-upnp-org:control-1-0"
	XSINamespace      = "http://www.w3.org/2001/XMLSchema-instance"
)

// ContentType is the content type of every envelope.
const ContentType = `text/xml; charset="utf-8"`

// ErrMalformed reports an envelope that could not be parsed.
var ErrMalformed = errors.New("soap: malformed envelope")

// Request is a decoded action request.
type Request struct {
	Action    string
	Namespace string
	Args      map[string]string
	Order     []string
}

// DecodeRequest parses an action request envelope. Argument values typed by
// an xsi:type hint are normalised: integers and floats to their canonical
// text, booleans to 1 or 0.
func DecodeRequest(r io.Reader) (*Request, error) {
	dec := xml.NewDecoder(r)
	action, err := enterBody(dec)
	if err != nil {
		return nil, err
	}
	req := &Request{
		Action:    action.Name.Local,
		Namespace: action.Name.Space,
		Args:      map[string]string{},
	}
	err = eachChild(dec, func(start xml.StartElement, value string) error {
		typed, err := decodeTyped(xsiType(start), value)
		if err != nil {
			return fmt.Errorf("%w: argument %s: %v", ErrMalformed, start.Name.Local, err)
		}
		if _, dup := req.Args[start.Name.Local]; !dup {
			req.Order = append(req.Order, start.Name.Local)
		}
		req.Args[start.Name.Local] = typed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// DecodeResponse parses an action response. Faults are returned as
// *upnp.Error.
func DecodeResponse(r io.Reader) (map[string]string, error) {
	dec := xml.NewDecoder(r)
	first, err := enterBody(dec)
	if err != nil {
		return nil, err
	}
	if first.Name.Local == "Fault" {
		var fault soapFault
		if err := dec.DecodeElement(&fault, &first); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return nil, fault.upnpError()
	}
	out := map[string]string{}
	err = eachChild(dec, func(start xml.StartElement, value string) error {
		out[start.Name.Local] = value
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type soapFault struct {
	Code   string `xml:"faultcode"`
	String string `xml:"faultstring"`
	Detail struct {
		UPnPError struct {
			ErrorCode        int    `xml:"errorCode"`
			ErrorDescription string `xml:"errorDescription"`
		} `xml:"UPnPError"`
	} `xml:"detail"`
}

func (f soapFault) upnpError() *upnp.Error {
	code := f.Detail.UPnPError.ErrorCode
	desc := strings.TrimSpace(f.Detail.UPnPError.ErrorDescription)
	if code == 0 {
		code = upnp.CodeActionFailed
	}
	if desc == "" {
		desc = upnp.ErrorText(code)
	}
	if desc == "" {
		desc = strings.TrimSpace(f.String)
	}
	return &upnp.Error{Code: code, Description: desc}
}

// enterBody advances to the first element inside Envelope/Body.
func enterBody(dec *xml.Decoder) (xml.StartElement, error) {
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			return xml.StartElement{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch {
			case depth == 0 && t.Name.Local == "Envelope":
				depth = 1
			case depth == 1 && t.Name.Local == "Body":
				depth = 2
			case depth == 2:
				return t, nil
			case depth == 1:
				if err := dec.Skip(); err != nil {
					return xml.StartElement{}, fmt.Errorf("%w: %v", ErrMalformed, err)
				}
			default:
				return xml.StartElement{}, fmt.Errorf("%w: unexpected element %s", ErrMalformed, t.Name.Local)
			}
		case xml.EndElement:
			return xml.StartElement{}, fmt.Errorf("%w: empty body", ErrMalformed)
		}
	}
}

// eachChild calls fn for each child of the current element with its text.
func eachChild(dec *xml.Decoder, fn func(xml.StartElement, string) error) error {
	for {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			var value string
			if err := dec.DecodeElement(&value, &t); err != nil {
				return fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			if err := fn(t, value); err != nil {
				return err
			}
		case xml.EndElement:
			return nil
		}
	}
}

func xsiType(start xml.StartElement) string {
	for _, attr := range start.Attr {
		if attr.Name.Local == "type" && (attr.Name.Space == XSINamespace || attr.Name.Space == "xsi") {
			_, local, found := strings.Cut(attr.Value, ":")
			if found {
				return local
			}
			return attr.Value
		}
	}
	return ""
}

func decodeTyped(kind string, value string) (string, error) {
	switch strings.ToLower(kind) {
	case "int", "integer", "long", "short", "byte", "unsignedint", "unsignedlong", "unsignedshort", "unsignedbyte":
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return "", err
		}
		return strconv.FormatInt(n, 10), nil
	case "float", "double", "decimal":
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return "", err
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	case "boolean":
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "1", "true", "yes":
			return "1", nil
		case "0", "false", "no":
			return "0", nil
		}
		return "", fmt.Errorf("invalid boolean %q", value)
	default:
		return value, nil
	}
}

// EncodeRequest builds an action request envelope.
func EncodeRequest(serviceType string, action string, args []upnp.Arg) []byte {
	return envelope(func(buf *bytes.Buffer) {
		buf.WriteString(`<u:` + action + ` xmlns:u="` + serviceType + `">`)
		writeArgs(buf, args)
		buf.WriteString(`</u:` + action + `>`)
	})
}

// EncodeResponse builds an action response envelope.
func EncodeResponse(serviceType string, action string, args []upnp.Arg) []byte {
	return envelope(func(buf *bytes.Buffer) {
		buf.WriteString(`<u:` + action + `Response xmlns:u="` + serviceType + `">`)
		writeArgs(buf, args)
		buf.WriteString(`</u:` + action + `Response>`)
	})
}

// EncodeFault builds a UPnP fault envelope.
func EncodeFault(e *upnp.Error) []byte {
	return envelope(func(buf *bytes.Buffer) {
		buf.WriteString(`<s:Fault><faultcode>s:Client</faultcode><faultstring>UPnPError</faultstring><detail>`)
		buf.WriteString(`<UPnPError xmlns="` + ControlNamespace + `">`)
		fmt.Fprintf(buf, `<errorCode>%d</errorCode>`, e.Code)
		buf.WriteString(`<errorDescription>`)
		_ = xml.EscapeText(buf, []byte(e.Description))
		buf.WriteString(`</errorDescription></UPnPError></detail></s:Fault>`)
	})
}

func envelope(body func(*bytes.Buffer)) []byte {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	buf.WriteString(`<s:Envelope xmlns:s="` + EnvelopeNamespace + `" s:encodingStyle="` + EncodingStyle + `">`)
	buf.WriteString(`<s:Body>`)
	body(&buf)
	buf.WriteString(`</s:Body></s:Envelope>`)
	return buf.Bytes()
}

func writeArgs(buf *bytes.Buffer, args []upnp.Arg) {
	for _, arg := range args {
		buf.WriteString(`<` + arg.Name + `>`)
		_ = xml.EscapeText(buf, []byte(arg.Value))
		buf.WriteString(`</` + arg.Name + `>`)
	}
}
