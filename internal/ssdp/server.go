package ssdp

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
)

// Interfaces resolves interface names; empty names select every up,
// multicast-capable interface.
func Interfaces(names []string) ([]net.Interface, error) {
	if len(names) > 0 {
		out := make([]net.Interface, 0, len(names))
		for _, name := range names {
			iface, err := net.InterfaceByName(strings.TrimSpace(name))
			if err != nil {
				return nil, fmt.Errorf("ssdp interface %q: %w", name, err)
			}
			out = append(out, *iface)
		}
		return out, nil
	}
	all, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []net.Interface
	for _, iface := range all {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		out = append(out, iface)
	}
	return out, nil
}

// MulticastSender writes datagrams out of every configured interface.
type MulticastSender struct {
	conn       *ipv4.PacketConn
	interfaces []net.Interface
	mu         sync.Mutex
}

// NewMulticastSender opens an ephemeral UDP socket for outbound multicast.
func NewMulticastSender(interfaces []net.Interface) (*MulticastSender, error) {
	conn, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return nil, err
	}
	pc := ipv4.NewPacketConn(conn)
	_ = pc.SetMulticastTTL(2)
	_ = pc.SetMulticastLoopback(true)
	return &MulticastSender{conn: pc, interfaces: interfaces}, nil
}

// Send writes payload to addr. Multicast destinations are sent once per
// interface.
func (s *MulticastSender) Send(payload []byte, addr *net.UDPAddr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !addr.IP.IsMulticast() || len(s.interfaces) == 0 {
		_, err := s.conn.WriteTo(payload, nil, addr)
		return err
	}
	var errs []error
	for i := range s.interfaces {
		if err := s.conn.SetMulticastInterface(&s.interfaces[i]); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := s.conn.WriteTo(payload, nil, addr); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.interfaces[i].Name, err))
		}
	}
	if len(errs) == len(s.interfaces) {
		return errors.Join(errs...)
	}
	return nil
}

// Close releases the socket.
func (s *MulticastSender) Close() error {
	return s.conn.Close()
}

// Server listens on the SSDP group, answers searches from the advertiser
// and feeds notifications to an optional inventory.
type Server struct {
	Interfaces []net.Interface
	Advertiser *Advertiser
	Inventory  *Inventory
	Log        *zap.Logger
	now        func() time.Time
}

// ListenAndServe joins the group and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	group := multicastUDPAddr()
	conn, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return fmt.Errorf("ssdp listen: %w", err)
	}
	pc := ipv4.NewPacketConn(conn)
	joined := 0
	for i := range s.Interfaces {
		if err := pc.JoinGroup(&s.Interfaces[i], group); err != nil {
			s.logger().Debug("ssdp join failed", zap.String("interface", s.Interfaces[i].Name), zap.Error(err))
			continue
		}
		joined++
	}
	if len(s.Interfaces) > 0 && joined == 0 {
		_ = conn.Close()
		return fmt.Errorf("ssdp: could not join %s on any interface", MulticastAddr)
	}
	_ = pc.SetMulticastLoopback(true)
	s.logger().Info("ssdp listening", zap.Int("interfaces", joined))

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	reply := func(payload []byte, addr *net.UDPAddr) error {
		_, err := conn.WriteToUDP(payload, addr)
		return err
	}
	buf := make([]byte, 8192)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ssdp read: %w", err)
		}
		msg, err := Parse(buf[:n], from)
		if err != nil {
			s.logger().Debug("ssdp parse failed", zap.Stringer("from", from), zap.Error(err))
			continue
		}
		s.Handle(ctx, msg, reply)
	}
}

// Handle processes one received message. Search responses are scheduled
// at random within the requester's MX window.
func (s *Server) Handle(ctx context.Context, msg *Message, reply func([]byte, *net.UDPAddr) error) {
	switch {
	case msg.IsSearch():
		if s.Advertiser == nil || msg.Header.Get("MAN") != Discover || msg.From == nil {
			return
		}
		targets := s.Advertiser.Match(msg.ST())
		if len(targets) == 0 {
			return
		}
		window := time.Duration(msg.MX()) * time.Second
		for _, t := range targets {
			delay := time.Duration(rand.Int64N(int64(window)))
			payload := BuildResponse(responseST(msg.ST(), t), t, s.Advertiser.Server(), s.Advertiser.MaxAge(), s.clock()())
			s.schedule(ctx, delay, func() {
				if err := reply(payload, msg.From); err != nil {
					s.logger().Debug("ssdp response failed", zap.Stringer("to", msg.From), zap.Error(err))
				}
			})
		}
	case msg.Method == MethodNotify:
		if s.Inventory != nil {
			s.Inventory.Handle(msg)
		}
	}
}

func responseST(st string, t Target) string {
	if st == "ssdp:all" {
		return t.NT
	}
	return st
}

func (s *Server) schedule(ctx context.Context, delay time.Duration, fn func()) {
	if delay <= 0 {
		fn()
		return
	}
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			fn()
		}
	}()
}

func (s *Server) clock() func() time.Time {
	if s.now == nil {
		return time.Now
	}
	return s.now
}

func (s *Server) logger() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}
