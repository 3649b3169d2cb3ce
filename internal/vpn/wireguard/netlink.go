package wireguard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// wgClient — подмножество *wgctrl.Client.
type wgClient interface {
	Device(name string) (*wgtypes.Device, error)
	ConfigureDevice(name string, cfg wgtypes.Config) error
	Close() error
}

// NetlinkBackend работает с ванильным WireGuard через wgctrl (netlink или
// userspace-сокет), без внешних процессов. Модуль ядра AmneziaWG
// регистрирует собственное семейство netlink, для него нужен ExecBackend.
type NetlinkBackend struct {
	iface   string
	timeout time.Duration
	client  wgClient
}

func NewNetlinkBackend(iface string, timeout time.Duration) (*NetlinkBackend, error) {
	c, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("wgctrl: %w", err)
	}
	return newNetlinkBackend(iface, timeout, c), nil
}

func newNetlinkBackend(iface string, timeout time.Duration, c wgClient) *NetlinkBackend {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &NetlinkBackend{iface: iface, timeout: timeout, client: c}
}

func (b *NetlinkBackend) Close() error { return b.client.Close() }

func (b *NetlinkBackend) GenerateKeyPair(context.Context) (KeyPair, error) {
	return GenerateKeyPair()
}

func (b *NetlinkBackend) InterfaceUp(ctx context.Context) bool {
	err := b.call(ctx, "device "+b.iface, func() error {
		_, err := b.client.Device(b.iface)
		return err
	})
	return err == nil
}

func (b *NetlinkBackend) ServerPublicKey(ctx context.Context) (string, error) {
	var dev *wgtypes.Device
	err := b.call(ctx, "device "+b.iface, func() error {
		var err error
		dev, err = b.client.Device(b.iface)
		return err
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrInterfaceUnavailable, b.iface)
		}
		return "", err
	}
	return dev.PublicKey.String(), nil
}

func (b *NetlinkBackend) AddPeer(ctx context.Context, publicKey, allowedIP string) error {
	op := "configure " + b.iface + " add " + publicKey
	key, err := wgtypes.ParseKey(publicKey)
	if err != nil {
		return &CommandError{Command: op, Err: err}
	}
	_, ipnet, err := net.ParseCIDR(hostCIDR(allowedIP))
	if err != nil {
		return &CommandError{Command: op, Err: err}
	}
	return b.call(ctx, op, func() error {
		return b.client.ConfigureDevice(b.iface, wgtypes.Config{
			Peers: []wgtypes.PeerConfig{{
				PublicKey:         key,
				ReplaceAllowedIPs: true,
				AllowedIPs:        []net.IPNet{*ipnet},
			}},
		})
	})
}

func (b *NetlinkBackend) RemovePeer(ctx context.Context, publicKey string) error {
	op := "configure " + b.iface + " remove " + publicKey
	key, err := wgtypes.ParseKey(publicKey)
	if err != nil {
		return &CommandError{Command: op, Err: err}
	}
	return b.call(ctx, op, func() error {
		return b.client.ConfigureDevice(b.iface, wgtypes.Config{
			Peers: []wgtypes.PeerConfig{{PublicKey: key, Remove: true}},
		})
	})
}

// call ограничивает вызов wgctrl таймаутом: сам клиент context не принимает.
func (b *NetlinkBackend) call(ctx context.Context, op string, fn func() error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		if err != nil {
			return &CommandError{Command: op, Output: err.Error(), Err: err}
		}
		return nil
	case <-ctx.Done():
		return &CommandError{Command: op, TimedOut: true, Err: ctx.Err()}
	}
}
