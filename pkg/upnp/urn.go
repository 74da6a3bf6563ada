package upnp

import (
	"fmt"
	"strconv"
	"strings"
)

// Standard schema domain.
const SchemasDomain = "schemas-upnp-org"

// Search targets with special meaning.
const (
	TargetAll        = "ssdp:all"
	TargetRootDevice = "upnp:rootdevice"
)

// URN is a device or service type, e.g. urn:schemas-upnp-org:service:ContentDirectory:1.
type URN struct {
	Domain  string
	Kind    string
	Type    string
	Version int
}

// ParseURN parses a device or service type URN.
func ParseURN(value string) (URN, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 5 || parts[0] != "urn" {
		return URN{}, fmt.Errorf("invalid type urn %q", value)
	}
	if parts[2] != "device" && parts[2] != "service" {
		return URN{}, fmt.Errorf("invalid type urn %q: kind %q", value, parts[2])
	}
	version, err := strconv.Atoi(parts[4])
	if err != nil || version < 1 {
		return URN{}, fmt.Errorf("invalid type urn %q: version", value)
	}
	return URN{Domain: parts[1], Kind: parts[2], Type: parts[3], Version: version}, nil
}

// DeviceURN returns the standard device type URN.
func DeviceURN(name string, version int) URN {
	return URN{Domain: SchemasDomain, Kind: "device", Type: name, Version: version}
}

// ServiceURN returns the standard service type URN.
func ServiceURN(name string, version int) URN {
	return URN{Domain: SchemasDomain, Kind: "service", Type: name, Version: version}
}

func (u URN) String() string {
	return fmt.Sprintf("urn:%s:%s:%s:%d", u.Domain, u.Kind, u.Type, u.Version)
}

// WithVersion returns a copy at another version.
func (u URN) WithVersion(version int) URN {
	u.Version = version
	return u
}

// IsZero reports whether u is unset.
func (u URN) IsZero() bool {
	return u.Type == ""
}

// ServiceID returns the conventional service id for a standard service type.
func (u URN) ServiceID() string {
	domain := u.Domain
	if domain == SchemasDomain {
		domain = "upnp-org"
	}
	return fmt.Sprintf("urn:%s:serviceId:%s", domain, u.Type)
}

// MatchType reports whether an advertised type satisfies a wanted one. The
// wildcard ssdp:all matches anything; otherwise types must be equal or the
// advertised type must be a later version of the same type.
func MatchType(want string, have string) bool {
	if want == TargetAll || want == have {
		return true
	}
	w, err := ParseURN(want)
	if err != nil {
		return false
	}
	h, err := ParseURN(have)
	if err != nil {
		return false
	}
	return w.Domain == h.Domain && w.Kind == h.Kind && w.Type == h.Type && h.Version >= w.Version
}
