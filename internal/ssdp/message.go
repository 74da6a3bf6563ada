// Package ssdp implements the discovery half of UPnP: advertisement and
// search on the 239.255.255.250:1900 multicast group, and a control point
// inventory built from what is heard there.
package ssdp

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

// Multicast group and port.
const (
	MulticastHost = "239.255.255.250"
	Port          = 1900
	MulticastAddr = "239.255.255.250:1900"
)

// Methods and notification sub types.
const (
	MethodNotify = "NOTIFY"
	MethodSearch = "M-SEARCH"
	NTSAlive     = "ssdp:alive"
	NTSByeBye    = "ssdp:byebye"
	Discover     = `"ssdp:discover"`
)

// DefaultMaxAge is the advertised cache lifetime.
const DefaultMaxAge = 1800 * time.Second

// ErrMalformed reports an unparseable datagram.
var ErrMalformed = errors.New("ssdp: malformed message")

// Message is a parsed SSDP datagram: a NOTIFY, an M-SEARCH or a search
// response (Method empty, StatusCode set).
type Message struct {
	Method     string
	StatusCode int
	Header     textproto.MIMEHeader
	From       *net.UDPAddr
}

// Parse decodes a datagram.
func Parse(data []byte, from *net.UDPAddr) (*Message, error) {
	reader := textproto.NewReader(bufio.NewReader(bytes.NewReader(data)))
	line, err := reader.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	parts := strings.SplitN(strings.TrimSpace(line), " ", 3)
	if len(parts) < 3 {
		return nil, fmt.Errorf("%w: start line %q", ErrMalformed, line)
	}
	msg := &Message{From: from}
	if strings.HasPrefix(parts[0], "HTTP/") {
		code, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("%w: status %q", ErrMalformed, parts[1])
		}
		msg.StatusCode = code
	} else {
		if parts[1] != "*" || !strings.HasPrefix(parts[2], "HTTP/") {
			return nil, fmt.Errorf("%w: start line %q", ErrMalformed, line)
		}
		msg.Method = strings.ToUpper(parts[0])
	}
	header, err := reader.ReadMIMEHeader()
	if err != nil && len(header) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	msg.Header = header
	return msg, nil
}

// IsResponse reports whether the message answers a search.
func (m *Message) IsResponse() bool { return m.Method == "" }

// IsSearch reports whether the message is an M-SEARCH.
func (m *Message) IsSearch() bool { return m.Method == MethodSearch }

// IsAlive reports a NOTIFY ssdp:alive.
func (m *Message) IsAlive() bool { return m.Method == MethodNotify && m.NTS() == NTSAlive }

// IsByeBye reports a NOTIFY ssdp:byebye.
func (m *Message) IsByeBye() bool { return m.Method == MethodNotify && m.NTS() == NTSByeBye }

func (m *Message) NT() string       { return strings.TrimSpace(m.Header.Get("NT")) }
func (m *Message) NTS() string      { return strings.TrimSpace(m.Header.Get("NTS")) }
func (m *Message) ST() string       { return strings.TrimSpace(m.Header.Get("ST")) }
func (m *Message) USN() string      { return strings.TrimSpace(m.Header.Get("USN")) }
func (m *Message) Location() string { return strings.TrimSpace(m.Header.Get("LOCATION")) }
func (m *Message) Server() string   { return strings.TrimSpace(m.Header.Get("SERVER")) }

// Target returns NT for notifications and ST for searches and responses.
func (m *Message) Target() string {
	if m.Method == MethodNotify {
		return m.NT()
	}
	return m.ST()
}

// UDN returns the device identity prefix of USN.
func (m *Message) UDN() string {
	usn := m.USN()
	if i := strings.Index(usn, "::"); i >= 0 {
		return usn[:i]
	}
	return usn
}

// MaxAge parses CACHE-CONTROL: max-age=n. Missing values give the default.
func (m *Message) MaxAge() time.Duration {
	for _, directive := range strings.Split(m.Header.Get("CACHE-CONTROL"), ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "max-age") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return DefaultMaxAge
}

// MX returns the search response window in seconds, clamped to [1, 5].
func (m *Message) MX() int {
	n, err := strconv.Atoi(strings.TrimSpace(m.Header.Get("MX")))
	if err != nil || n < 1 {
		return 1
	}
	if n > 5 {
		return 5
	}
	return n
}

type headerLine struct {
	key   string
	value string
}

func render(start string, lines []headerLine) []byte {
	var buf bytes.Buffer
	buf.WriteString(start + "\r\n")
	for _, line := range lines {
		buf.WriteString(line.key + ": " + line.value + "\r\n")
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

func maxAgeValue(maxAge time.Duration) string {
	return "max-age=" + strconv.Itoa(int(maxAge/time.Second))
}

// BuildAlive renders a NOTIFY ssdp:alive.
func BuildAlive(t Target, server string, maxAge time.Duration) []byte {
	return render("NOTIFY * HTTP/1.1", []headerLine{
		{"HOST", MulticastAddr},
		{"CACHE-CONTROL", maxAgeValue(maxAge)},
		{"LOCATION", t.Location},
		{"NT", t.NT},
		{"NTS", NTSAlive},
		{"SERVER", server},
		{"USN", t.USN},
	})
}

// BuildByeBye renders a NOTIFY ssdp:byebye.
func BuildByeBye(t Target) []byte {
	return render("NOTIFY * HTTP/1.1", []headerLine{
		{"HOST", MulticastAddr},
		{"NT", t.NT},
		{"NTS", NTSByeBye},
		{"USN", t.USN},
	})
}

// BuildSearch renders an M-SEARCH request.
func BuildSearch(st string, mx int, userAgent string) []byte {
	lines := []headerLine{
		{"HOST", MulticastAddr},
		{"MAN", Discover},
		{"MX", strconv.Itoa(mx)},
		{"ST", st},
	}
	if userAgent != "" {
		lines = append(lines, headerLine{"USER-AGENT", userAgent})
	}
	return render("M-SEARCH * HTTP/1.1", lines)
}

// BuildResponse renders a search response for st.
func BuildResponse(st string, t Target, server string, maxAge time.Duration, now time.Time) []byte {
	return render("HTTP/1.1 200 OK", []headerLine{
		{"CACHE-CONTROL", maxAgeValue(maxAge)},
		{"DATE", now.UTC().Format(http.TimeFormat)},
		{"EXT", ""},
		{"LOCATION", t.Location},
		{"SERVER", server},
		{"ST", st},
		{"USN", t.USN},
	})
}
