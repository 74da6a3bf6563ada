package mupnpd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mikey-austin/mupnp/internal/device"
	"github.com/mikey-austin/mupnp/internal/gena"
	"github.com/mikey-austin/mupnp/internal/ssdp"
)

// Host is the shared network surface of the daemon: one HTTP listener for
// every device, the SSDP advertiser and responder, and the GENA notifier.
type Host struct {
	Registry *device.Registry
	Notifier *gena.Notifier
	BaseURL  string
	Server   string

	log        *zap.Logger
	ln         net.Listener
	interfaces []net.Interface
	sender     *ssdp.MulticastSender
	advertiser *ssdp.Advertiser
}

// NewHost binds the HTTP listener and prepares SSDP. Nothing is announced
// until Run.
func NewHost(cfg ServerConfig, log *zap.Logger) (*Host, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ifaces, err := ssdp.Interfaces(cfg.Interfaces)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp4", cfg.Listen)
	if err != nil {
		return nil, err
	}
	host := cfg.AdvertiseHost
	if host == "" {
		host, err = advertiseAddress(ifaces)
		if err != nil {
			ln.Close()
			return nil, err
		}
	}
	port := ln.Addr().(*net.TCPAddr).Port
	baseURL := "http://" + net.JoinHostPort(host, strconv.Itoa(port))

	sender, err := ssdp.NewMulticastSender(ifaces)
	if err != nil {
		ln.Close()
		return nil, err
	}
	server := ServerToken(cfg.Product)
	advertiser := ssdp.NewAdvertiser(sender, server, cfg.MaxAge(), log)
	return &Host{
		Registry: device.NewRegistry(device.Options{
			BaseURL:    baseURL,
			Server:     server,
			Advertiser: advertiser,
			Logger:     log,
		}),
		Notifier:   gena.NewNotifier(0, log),
		BaseURL:    baseURL,
		Server:     server,
		log:        log,
		ln:         ln,
		interfaces: ifaces,
		sender:     sender,
		advertiser: advertiser,
	}, nil
}

// ServerToken builds the SERVER header value.
func ServerToken(product string) string {
	return fmt.Sprintf("%s/1.0 UPnP/1.0 %s", runtime.GOOS, product)
}

// Run serves HTTP and SSDP until ctx is done, then removes every device.
func (h *Host) Run(ctx context.Context) error {
	srv := &http.Server{Handler: h.Registry.Handler(), ReadHeaderTimeout: 10 * time.Second}
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := srv.Serve(h.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		server := &ssdp.Server{Interfaces: h.interfaces, Advertiser: h.advertiser, Log: h.log}
		return server.ListenAndServe(gctx)
	})
	group.Go(func() error {
		return h.advertiser.Run(gctx)
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.Registry.Close(shutdown); err != nil {
			h.log.Warn("device removal incomplete", zap.Error(err))
		}
		err := srv.Shutdown(shutdown)
		_ = h.sender.Close()
		return err
	})
	h.log.Info("host listening", zap.String("base_url", h.BaseURL), zap.Int("interfaces", len(h.interfaces)))
	return group.Wait()
}

func advertiseAddress(ifaces []net.Interface) (string, error) {
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String(), nil
			}
		}
	}
	return "", errors.New("no IPv4 address to advertise; set server.advertise_host")
}
