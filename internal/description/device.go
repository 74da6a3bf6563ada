package description

import (
	"encoding/xml"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/mikey-austin/mupnp/pkg/upnp"
)

// Root is a device description document.
type Root struct {
	XMLName     xml.Name    `xml:"urn:schemas-upnp-org:device-1-0 root"`
	SpecVersion SpecVersion `xml:"specVersion"`
	URLBase     string      `xml:"URLBase,omitempty"`
	Device      Device      `xml:"device"`
}

// Device describes one device of the tree.
type Device struct {
	DeviceType       string    `xml:"deviceType"`
	FriendlyName     string    `xml:"friendlyName"`
	Manufacturer     string    `xml:"manufacturer"`
	ManufacturerURL  string    `xml:"manufacturerURL,omitempty"`
	ModelDescription string    `xml:"modelDescription,omitempty"`
	ModelName        string    `xml:"modelName"`
	ModelNumber      string    `xml:"modelNumber,omitempty"`
	ModelURL         string    `xml:"modelURL,omitempty"`
	SerialNumber     string    `xml:"serialNumber,omitempty"`
	UDN              string    `xml:"UDN"`
	DLNADoc          string    `xml:"urn:schemas-dlna-org:device-1-0 X_DLNADOC,omitempty"`
	Icons            []Icon    `xml:"iconList>icon,omitempty"`
	Services         []Service `xml:"serviceList>service,omitempty"`
	Devices          []Device  `xml:"deviceList>device,omitempty"`
	PresentationURL  string    `xml:"presentationURL,omitempty"`
}

// Icon is a device icon reference.
type Icon struct {
	MimeType string `xml:"mimetype"`
	Width    int    `xml:"width"`
	Height   int    `xml:"height"`
	Depth    int    `xml:"depth"`
	URL      string `xml:"url"`
}

// Service references a service description and its endpoints.
type Service struct {
	ServiceType string `xml:"serviceType"`
	ServiceID   string `xml:"serviceId"`
	SCPDURL     string `xml:"SCPDURL"`
	ControlURL  string `xml:"controlURL"`
	EventSubURL string `xml:"eventSubURL"`
}

// ParseRoot decodes a device description.
func ParseRoot(data []byte) (*Root, error) {
	var root Root
	if err := xml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	root.Device.VisitDevices(func(d *Device) {
		d.DeviceType = strings.TrimSpace(d.DeviceType)
		d.UDN = strings.TrimSpace(d.UDN)
		for i := range d.Services {
			s := &d.Services[i]
			s.ServiceType = strings.TrimSpace(s.ServiceType)
			s.ServiceID = strings.TrimSpace(s.ServiceID)
			s.SCPDURL = strings.TrimSpace(s.SCPDURL)
			s.ControlURL = strings.TrimSpace(s.ControlURL)
			s.EventSubURL = strings.TrimSpace(s.EventSubURL)
		}
	})
	return &root, nil
}

// Marshal renders the document with an XML declaration.
func (r *Root) Marshal() ([]byte, error) {
	if r.SpecVersion.Major == 0 {
		r.SpecVersion = SpecVersion{Major: 1, Minor: 0}
	}
	return marshalDocument(r)
}

// VisitDevices calls visitor for the device and all its descendants.
func (d *Device) VisitDevices(visitor func(*Device)) {
	visitor(d)
	for i := range d.Devices {
		d.Devices[i].VisitDevices(visitor)
	}
}

// VisitServices calls visitor for every service in the tree.
func (d *Device) VisitServices(visitor func(*Device, *Service)) {
	d.VisitDevices(func(dev *Device) {
		for i := range dev.Services {
			visitor(dev, &dev.Services[i])
		}
	})
}

// FindService returns the first service whose type satisfies want.
func (d *Device) FindService(want string) (Service, bool) {
	var found *Service
	d.VisitServices(func(_ *Device, s *Service) {
		if found == nil && upnp.MatchType(want, s.ServiceType) {
			found = s
		}
	})
	if found == nil {
		return Service{}, false
	}
	return *found, true
}

// BaseURL returns URLBase or the scheme and host of location.
func (r *Root) BaseURL(location string) string {
	if strings.TrimSpace(r.URLBase) != "" {
		return strings.TrimRight(r.URLBase, "/")
	}
	u, err := url.Parse(location)
	if err != nil {
		return location
	}
	return fmt.Sprintf("%s://%s", u.Scheme, u.Host)
}

// ResolveURL resolves ref against baseURL.
func ResolveURL(baseURL string, ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return baseURL + ref
	}
	rel, err := url.Parse(ref)
	if err != nil {
		base.Path = path.Join(base.Path, ref)
		return base.String()
	}
	return base.ResolveReference(rel).String()
}
