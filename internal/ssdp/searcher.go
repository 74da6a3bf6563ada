package ssdp

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
)

// Searcher issues M-SEARCH requests and collects responses.
type Searcher struct {
	Interfaces []net.Interface
	UserAgent  string
	Log        *zap.Logger
	// Dest overrides the multicast destination.
	Dest *net.UDPAddr
}

// Search sends an M-SEARCH for st and collects unique responses (by USN)
// until mx plus a grace period has elapsed or ctx is done.
func (s *Searcher) Search(ctx context.Context, st string, mx int) ([]*Message, error) {
	if mx < 1 {
		mx = 1
	}
	if mx > 5 {
		mx = 5
	}
	log := s.Log
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	pc := ipv4.NewPacketConn(conn)
	_ = pc.SetMulticastTTL(2)
	_ = pc.SetMulticastLoopback(true)

	dest := s.Dest
	if dest == nil {
		dest = multicastUDPAddr()
	}
	payload := BuildSearch(st, mx, s.UserAgent)
	sent := 0
	if len(s.Interfaces) == 0 || !dest.IP.IsMulticast() {
		if _, err := pc.WriteTo(payload, nil, dest); err != nil {
			return nil, err
		}
		sent++
	}
	for i := range s.Interfaces {
		if !dest.IP.IsMulticast() {
			break
		}
		if err := pc.SetMulticastInterface(&s.Interfaces[i]); err != nil {
			log.Debug("ssdp search interface failed", zap.String("interface", s.Interfaces[i].Name), zap.Error(err))
			continue
		}
		if _, err := pc.WriteTo(payload, nil, dest); err != nil {
			log.Debug("ssdp search send failed", zap.String("interface", s.Interfaces[i].Name), zap.Error(err))
			continue
		}
		sent++
	}
	if sent == 0 {
		return nil, errors.New("ssdp: search could not be sent on any interface")
	}

	deadline := time.Now().Add(time.Duration(mx)*time.Second + 500*time.Millisecond)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	seen := map[string]bool{}
	var out []*Message
	buf := make([]byte, 8192)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return out, nil
			}
			return out, err
		}
		udpFrom, _ := from.(*net.UDPAddr)
		msg, err := Parse(buf[:n], udpFrom)
		if err != nil || !msg.IsResponse() || msg.StatusCode != 200 {
			continue
		}
		if seen[msg.USN()] {
			continue
		}
		seen[msg.USN()] = true
		out = append(out, msg)
	}
}
