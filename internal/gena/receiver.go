package gena

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Event is one received NOTIFY.
type Event struct {
	SID        string
	Seq        uint32
	Properties map[string]string
	// Instances holds LastChange values keyed by instance id.
	Instances map[uint32]map[string]string
}

// Receiver accepts NOTIFY requests on a control point callback URL.
// Handle reports whether the SID is known; unknown SIDs get 412.
type Receiver struct {
	Handle func(Event) bool
	Log    *zap.Logger
}

func (rc *Receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := rc.Log
	if log == nil {
		log = zap.NewNop()
	}
	if r.Method != "NOTIFY" {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.Header.Get("NT") != "upnp:event" || r.Header.Get("NTS") != "upnp:propchange" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	sid := r.Header.Get("SID")
	if sid == "" {
		http.Error(w, "precondition failed", http.StatusPreconditionFailed)
		return
	}
	seq, err := strconv.ParseUint(r.Header.Get("SEQ"), 10, 32)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	props, err := DecodePropertySet(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		log.Debug("bad propertyset", zap.String("sid", sid), zap.Error(err))
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	event := Event{SID: sid, Seq: uint32(seq), Properties: props}
	if lc, ok := props["LastChange"]; ok && lc != "" {
		instances, err := DecodeLastChange(lc)
		if err != nil {
			log.Debug("bad LastChange", zap.String("sid", sid), zap.Error(err))
		} else {
			event.Instances = instances
		}
	}
	if rc.Handle != nil && !rc.Handle(event) {
		http.Error(w, "precondition failed", http.StatusPreconditionFailed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// DecodePropertySet parses a propertyset body into variable values.
func DecodePropertySet(r io.Reader) (map[string]string, error) {
	dec := xml.NewDecoder(r)
	out := map[string]string{}
	depth := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			if depth != 0 {
				return nil, fmt.Errorf("gena: truncated propertyset")
			}
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("gena: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch depth {
			case 0:
				if t.Name.Local != "propertyset" {
					return nil, fmt.Errorf("gena: unexpected root %s", t.Name.Local)
				}
				depth = 1
			case 1:
				if t.Name.Local != "property" {
					if err := dec.Skip(); err != nil {
						return nil, fmt.Errorf("gena: %w", err)
					}
					continue
				}
				depth = 2
			case 2:
				var value string
				if err := dec.DecodeElement(&value, &t); err != nil {
					return nil, fmt.Errorf("gena: %w", err)
				}
				out[t.Name.Local] = value
			}
		case xml.EndElement:
			depth--
		}
	}
}

type lastChangeEvent struct {
	Instances []struct {
		Val  uint32 `xml:"val,attr"`
		Vars []struct {
			XMLName xml.Name
			Val     string `xml:"val,attr"`
			Channel string `xml:"channel,attr"`
		} `xml:",any"`
	} `xml:"InstanceID"`
}

// DecodeLastChange expands a LastChange Event document into per-instance
// values. Channel-qualified variables other than Master are keyed as
// Name/Channel.
func DecodeLastChange(doc string) (map[uint32]map[string]string, error) {
	var event lastChangeEvent
	if err := xml.NewDecoder(bytes.NewReader([]byte(doc))).Decode(&event); err != nil {
		return nil, fmt.Errorf("gena: LastChange: %w", err)
	}
	out := map[uint32]map[string]string{}
	for _, inst := range event.Instances {
		values := out[inst.Val]
		if values == nil {
			values = map[string]string{}
			out[inst.Val] = values
		}
		for _, v := range inst.Vars {
			name := v.XMLName.Local
			if v.Channel != "" && !strings.EqualFold(v.Channel, "Master") {
				name += "/" + v.Channel
			}
			values[name] = v.Val
		}
	}
	return out, nil
}
