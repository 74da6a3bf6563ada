package didl

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// XML namespaces of the DIDL-Lite vocabulary.
const (
	NamespaceDIDL = "urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/"
	NamespaceDC   = "http://purl.org/dc/elements/1.1/"
	NamespaceUPnP = "urn:schemas-upnp-org:metadata-1-0/upnp/"
	NamespaceDLNA = "urn:schemas-dlna-org:metadata-1-0/"
	NamespacePV   = "http://www.pv.com/pvns/"
)

const header = `<DIDL-Lite xmlns="` + NamespaceDIDL + `" xmlns:dc="` + NamespaceDC +
	`" xmlns:upnp="` + NamespaceUPnP + `" xmlns:dlna="` + NamespaceDLNA + `" xmlns:pv="` + NamespacePV + `">`

// Document is an ordered list of DIDL-Lite objects.
type Document struct {
	Objects []Object
}

// Items returns the non-container objects.
func (d Document) Items() []Object {
	out := []Object{}
	for _, obj := range d.Objects {
		if !obj.IsContainer() {
			out = append(out, obj)
		}
	}
	return out
}

// Containers returns the container objects.
func (d Document) Containers() []Object {
	out := []Object{}
	for _, obj := range d.Objects {
		if obj.IsContainer() {
			out = append(out, obj)
		}
	}
	return out
}

// Filter selects optional properties, as in the Browse/Search Filter argument.
type Filter struct {
	all   bool
	names map[string]bool
}

// ParseFilter parses a comma separated property filter. Empty or "*" selects
// everything.
func ParseFilter(value string) Filter {
	value = strings.TrimSpace(value)
	if value == "" || value == "*" {
		return Filter{all: true}
	}
	names := map[string]bool{}
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "*" {
			return Filter{all: true}
		}
		if part != "" {
			names[part] = true
		}
	}
	return Filter{names: names}
}

// All selects every property.
var All = Filter{all: true}

// Allows reports whether the optional property is selected.
func (f Filter) Allows(name string) bool {
	if f.all {
		return true
	}
	if f.names[name] {
		return true
	}
	// res@size implies res.
	if name == "res" {
		for n := range f.names {
			if strings.HasPrefix(n, "res@") {
				return true
			}
		}
	}
	return false
}

// Marshal serializes objects as a DIDL-Lite document.
func Marshal(objects []Object, filter Filter) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, objects, filter); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encode writes objects as a DIDL-Lite document.
func Encode(w io.Writer, objects []Object, filter Filter) error {
	var buf bytes.Buffer
	buf.WriteString(header)
	for _, obj := range objects {
		if err := encodeObject(&buf, obj, filter); err != nil {
			return err
		}
	}
	buf.WriteString(`</DIDL-Lite>`)
	_, err := w.Write(buf.Bytes())
	return err
}

func encodeObject(buf *bytes.Buffer, obj Object, filter Filter) error {
	if obj.ID == "" {
		return errors.New("didl: object id required")
	}
	tag := "item"
	if obj.IsContainer() {
		tag = "container"
	}
	buf.WriteString("<" + tag)
	attr(buf, "id", obj.ID)
	attr(buf, "parentID", obj.ParentID)
	attr(buf, "restricted", boolString(obj.Restricted))
	if obj.RefID != "" && tag == "item" {
		attr(buf, "refID", obj.RefID)
	}
	if tag == "container" {
		if filter.Allows("@searchable") {
			attr(buf, "searchable", boolString(obj.Searchable))
		}
		if filter.Allows("@childCount") {
			attr(buf, "childCount", strconv.Itoa(obj.ChildCount))
		}
	}
	buf.WriteString(">")

	element(buf, "dc:title", obj.Title)
	if filter.Allows("dc:creator") {
		optional(buf, "dc:creator", obj.Creator)
	}
	if filter.Allows("dc:date") {
		optional(buf, "dc:date", obj.Date)
	}
	if filter.Allows("dc:description") {
		optional(buf, "dc:description", obj.Description)
	}
	element(buf, "upnp:class", obj.Class)
	if filter.Allows("upnp:artist") {
		optional(buf, "upnp:artist", obj.Artist)
	}
	if filter.Allows("upnp:album") {
		optional(buf, "upnp:album", obj.Album)
	}
	if filter.Allows("upnp:genre") {
		optional(buf, "upnp:genre", obj.Genre)
	}
	if filter.Allows("upnp:originalTrackNumber") && obj.TrackNumber > 0 {
		element(buf, "upnp:originalTrackNumber", strconv.Itoa(obj.TrackNumber))
	}
	if filter.Allows("upnp:albumArtURI") {
		for _, art := range obj.AlbumArt {
			buf.WriteString("<upnp:albumArtURI")
			if art.ProfileID != "" {
				attr(buf, "dlna:profileID", art.ProfileID)
			}
			buf.WriteString(">")
			escape(buf, art.URI)
			buf.WriteString("</upnp:albumArtURI>")
		}
	}
	if filter.Allows("pv:subtitleFileUri") {
		optional(buf, "pv:subtitleFileUri", obj.Subtitle)
	}
	if filter.Allows("res") {
		for _, res := range obj.Resources {
			encodeResource(buf, res, filter)
		}
	}
	buf.WriteString("</" + tag + ">")
	return nil
}

func encodeResource(buf *bytes.Buffer, res Resource, filter Filter) {
	buf.WriteString("<res")
	attr(buf, "protocolInfo", res.ProtocolInfo)
	if res.Size > 0 && filter.Allows("res@size") {
		attr(buf, "size", strconv.FormatInt(res.Size, 10))
	}
	if res.Duration != "" && filter.Allows("res@duration") {
		attr(buf, "duration", res.Duration)
	}
	if res.Bitrate > 0 && filter.Allows("res@bitrate") {
		attr(buf, "bitrate", strconv.FormatInt(res.Bitrate, 10))
	}
	if res.Resolution != "" && filter.Allows("res@resolution") {
		attr(buf, "resolution", res.Resolution)
	}
	if res.SampleFrequency > 0 && filter.Allows("res@sampleFrequency") {
		attr(buf, "sampleFrequency", strconv.FormatInt(res.SampleFrequency, 10))
	}
	if res.NrAudioChannels > 0 && filter.Allows("res@nrAudioChannels") {
		attr(buf, "nrAudioChannels", strconv.Itoa(res.NrAudioChannels))
	}
	buf.WriteString(">")
	escape(buf, res.URL)
	buf.WriteString("</res>")
}

func attr(buf *bytes.Buffer, name string, value string) {
	buf.WriteString(" " + name + `="`)
	escape(buf, value)
	buf.WriteString(`"`)
}

func element(buf *bytes.Buffer, name string, value string) {
	buf.WriteString("<" + name + ">")
	escape(buf, value)
	buf.WriteString("</" + name + ">")
}

func optional(buf *bytes.Buffer, name string, value string) {
	if value != "" {
		element(buf, name, value)
	}
}

func escape(buf *bytes.Buffer, value string) {
	_ = xml.EscapeText(buf, []byte(value))
}

func boolString(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// Decoding.

type xmlObject struct {
	ID          string        `xml:"id,attr"`
	ParentID    string        `xml:"parentID,attr"`
	RefID       string        `xml:"refID,attr"`
	Restricted  string        `xml:"restricted,attr"`
	Searchable  string        `xml:"searchable,attr"`
	ChildCount  string        `xml:"childCount,attr"`
	Title       string        `xml:"http://purl.org/dc/elements/1.1/ title"`
	Creator     string        `xml:"http://purl.org/dc/elements/1.1/ creator"`
	Date        string        `xml:"http://purl.org/dc/elements/1.1/ date"`
	Description string        `xml:"http://purl.org/dc/elements/1.1/ description"`
	Class       string        `xml:"urn:schemas-upnp-org:metadata-1-0/upnp/ class"`
	Artist      string        `xml:"urn:schemas-upnp-org:metadata-1-0/upnp/ artist"`
	Album       string        `xml:"urn:schemas-upnp-org:metadata-1-0/upnp/ album"`
	Genre       string        `xml:"urn:schemas-upnp-org:metadata-1-0/upnp/ genre"`
	TrackNumber string        `xml:"urn:schemas-upnp-org:metadata-1-0/upnp/ originalTrackNumber"`
	AlbumArt    []xmlAlbumArt `xml:"urn:schemas-upnp-org:metadata-1-0/upnp/ albumArtURI"`
	Subtitle    string        `xml:"http://www.pv.com/pvns/ subtitleFileUri"`
	Resources   []xmlResource `xml:"res"`
}

type xmlAlbumArt struct {
	URI       string `xml:",chardata"`
	ProfileID string `xml:"urn:schemas-dlna-org:metadata-1-0/ profileID,attr"`
}

type xmlResource struct {
	URL             string `xml:",chardata"`
	ProtocolInfo    string `xml:"protocolInfo,attr"`
	Size            int64  `xml:"size,attr"`
	Duration        string `xml:"duration,attr"`
	Bitrate         int64  `xml:"bitrate,attr"`
	Resolution      string `xml:"resolution,attr"`
	SampleFrequency int64  `xml:"sampleFrequency,attr"`
	NrAudioChannels int    `xml:"nrAudioChannels,attr"`
}

// Unmarshal parses a DIDL-Lite document, preserving object order.
func Unmarshal(data []byte) (Document, error) {
	return Decode(bytes.NewReader(data))
}

// Decode reads a DIDL-Lite document from r.
func Decode(r io.Reader) (Document, error) {
	dec := xml.NewDecoder(r)
	doc := Document{}
	seenRoot := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Document{}, fmt.Errorf("didl: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "DIDL-Lite":
			seenRoot = true
		case "item", "container":
			if !seenRoot {
				return Document{}, errors.New("didl: object outside DIDL-Lite root")
			}
			var raw xmlObject
			if err := dec.DecodeElement(&raw, &start); err != nil {
				return Document{}, fmt.Errorf("didl: %w", err)
			}
			obj := raw.object()
			if start.Name.Local == "container" && !obj.IsContainer() {
				obj.Class = ClassContainer
			}
			doc.Objects = append(doc.Objects, obj)
		default:
			if err := dec.Skip(); err != nil {
				return Document{}, fmt.Errorf("didl: %w", err)
			}
		}
	}
	if !seenRoot {
		return Document{}, errors.New("didl: missing DIDL-Lite root")
	}
	return doc, nil
}

// object keeps element text as decoded so documents survive a re-encode
// unchanged; only the class and numeric fields are trimmed.
func (x xmlObject) object() Object {
	obj := Object{
		ID:          x.ID,
		ParentID:    x.ParentID,
		RefID:       x.RefID,
		Restricted:  parseBool(x.Restricted),
		Searchable:  parseBool(x.Searchable),
		Title:       x.Title,
		Creator:     x.Creator,
		Date:        x.Date,
		Description: x.Description,
		Class:       strings.TrimSpace(x.Class),
		Artist:      x.Artist,
		Album:       x.Album,
		Genre:       x.Genre,
		Subtitle:    x.Subtitle,
	}
	obj.ChildCount, _ = strconv.Atoi(strings.TrimSpace(x.ChildCount))
	obj.TrackNumber, _ = strconv.Atoi(strings.TrimSpace(x.TrackNumber))
	for _, art := range x.AlbumArt {
		obj.AlbumArt = append(obj.AlbumArt, AlbumArt{URI: art.URI, ProfileID: art.ProfileID})
	}
	for _, res := range x.Resources {
		obj.Resources = append(obj.Resources, Resource{
			URL:             res.URL,
			ProtocolInfo:    res.ProtocolInfo,
			Size:            res.Size,
			Duration:        res.Duration,
			Bitrate:         res.Bitrate,
			Resolution:      res.Resolution,
			SampleFrequency: res.SampleFrequency,
			NrAudioChannels: res.NrAudioChannels,
		})
	}
	return obj
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes":
		return true
	}
	return false
}
