package upnp

import (
	"fmt"
	"sort"
	"strings"
)

// Well known transport protocols.
const (
	ProtocolHTTPGet    = "http-get"
	ProtocolRTSPRTPUDP = "rtsp-rtp-udp"
	ProtocolInternal   = "internal"
	Wildcard           = "*"
)

// ProtocolInfo is the protocol:network:content-format:additional-info
// descriptor attached to every resource.
type ProtocolInfo struct {
	Protocol       string
	Network        string
	ContentFormat  string
	AdditionalInfo string
}

// ParseProtocolInfo parses a four-field protocolInfo string.
func ParseProtocolInfo(value string) (ProtocolInfo, error) {
	value = strings.TrimSpace(value)
	parts := strings.SplitN(value, ":", 4)
	if len(parts) != 4 {
		return ProtocolInfo{}, fmt.Errorf("invalid protocolInfo %q", value)
	}
	for i, part := range parts {
		if part == "" {
			return ProtocolInfo{}, fmt.Errorf("invalid protocolInfo %q: empty field %d", value, i)
		}
	}
	return ProtocolInfo{
		Protocol:       parts[0],
		Network:        parts[1],
		ContentFormat:  parts[2],
		AdditionalInfo: parts[3],
	}, nil
}

// MustProtocolInfo parses value and panics on error. Intended for constants.
func MustProtocolInfo(value string) ProtocolInfo {
	pi, err := ParseProtocolInfo(value)
	if err != nil {
		panic(err)
	}
	return pi
}

// NewHTTPProtocolInfo returns http-get:*:<mime>:<info>.
func NewHTTPProtocolInfo(mimeType string, info string) ProtocolInfo {
	if info == "" {
		info = Wildcard
	}
	if mimeType == "" {
		mimeType = Wildcard
	}
	return ProtocolInfo{Protocol: ProtocolHTTPGet, Network: Wildcard, ContentFormat: mimeType, AdditionalInfo: info}
}

func (p ProtocolInfo) String() string {
	return p.Protocol + ":" + p.Network + ":" + p.ContentFormat + ":" + p.AdditionalInfo
}

// Match reports whether two descriptors are compatible. Each field matches
// when equal or when either side is a wildcard.
func (p ProtocolInfo) Match(other ProtocolInfo) bool {
	return fieldMatch(p.Protocol, other.Protocol, false) &&
		fieldMatch(p.Network, other.Network, false) &&
		fieldMatch(p.ContentFormat, other.ContentFormat, true) &&
		additionalInfoMatch(p.AdditionalInfo, other.AdditionalInfo)
}

// Match parses both strings and reports whether they are compatible.
// Unparseable input never matches.
func Match(a string, b string) bool {
	left, err := ParseProtocolInfo(a)
	if err != nil {
		return false
	}
	right, err := ParseProtocolInfo(b)
	if err != nil {
		return false
	}
	return left.Match(right)
}

// MatchAny returns the first source accepted by any sink.
func MatchAny(sinks []ProtocolInfo, sources []ProtocolInfo) (ProtocolInfo, int, bool) {
	for i, source := range sources {
		for _, sink := range sinks {
			if sink.Match(source) {
				return source, i, true
			}
		}
	}
	return ProtocolInfo{}, -1, false
}

// ParseProtocolInfoList parses the comma separated lists used by
// ConnectionManager. Invalid entries are skipped.
func ParseProtocolInfoList(value string) []ProtocolInfo {
	out := []ProtocolInfo{}
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		pi, err := ParseProtocolInfo(part)
		if err != nil {
			continue
		}
		out = append(out, pi)
	}
	return out
}

// JoinProtocolInfo renders a comma separated list.
func JoinProtocolInfo(list []ProtocolInfo) string {
	parts := make([]string, 0, len(list))
	for _, pi := range list {
		parts = append(parts, pi.String())
	}
	return strings.Join(parts, ",")
}

// Priority orders transports: direct get first, streaming second, the rest last.
func (p ProtocolInfo) Priority() int {
	switch strings.ToLower(p.Protocol) {
	case ProtocolHTTPGet:
		return 0
	case ProtocolRTSPRTPUDP:
		return 1
	default:
		return 2
	}
}

// SortByPriority stable-sorts descriptors by transport priority.
func SortByPriority(list []ProtocolInfo) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Priority() < list[j].Priority()
	})
}

// DLNAParam returns the value of a DLNA.ORG_* parameter from the
// additional-info field.
func (p ProtocolInfo) DLNAParam(name string) (string, bool) {
	return dlnaParam(p.AdditionalInfo, name)
}

func fieldMatch(a string, b string, fold bool) bool {
	if a == Wildcard || b == Wildcard {
		return true
	}
	if fold {
		return strings.EqualFold(a, b)
	}
	return a == b
}

func additionalInfoMatch(a string, b string) bool {
	if a == Wildcard || b == Wildcard || a == b {
		return true
	}
	pnA, okA := dlnaParam(a, "DLNA.ORG_PN")
	pnB, okB := dlnaParam(b, "DLNA.ORG_PN")
	if okA && okB {
		return pnA == pnB
	}
	return false
}

func dlnaParam(info string, name string) (string, bool) {
	for _, part := range strings.Split(info, ";") {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(key), name) {
			return strings.TrimSpace(value), true
		}
	}
	return "", false
}
