package wireguard

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Runner выполняет внешнюю команду. stdin может быть пустым.
type Runner func(ctx context.Context, stdin, name string, args ...string) (stdout, stderr string, err error)

type ExecOptions struct {
	Interface string        // awg1
	Binary    string        // awg
	IPBinary  string        // ip
	Timeout   time.Duration // предел на одну команду
	Run       Runner        // nil — os/exec
}

// ExecBackend управляет интерфейсом через утилиты awg и ip.
type ExecBackend struct {
	iface   string
	bin     string
	ipBin   string
	timeout time.Duration
	run     Runner
}

func NewExecBackend(o ExecOptions) *ExecBackend {
	b := &ExecBackend{
		iface:   o.Interface,
		bin:     o.Binary,
		ipBin:   o.IPBinary,
		timeout: o.Timeout,
		run:     o.Run,
	}
	if b.bin == "" {
		b.bin = "awg"
	}
	if b.ipBin == "" {
		b.ipBin = "ip"
	}
	if b.timeout <= 0 {
		b.timeout = 10 * time.Second
	}
	if b.run == nil {
		b.run = execRunner
	}
	return b
}

func (b *ExecBackend) GenerateKeyPair(ctx context.Context) (KeyPair, error) {
	priv, err := b.exec(ctx, "", b.bin, "genkey")
	if err != nil {
		return KeyPair{}, err
	}
	// pubkey читает приватный ключ из stdin
	pub, err := b.exec(ctx, priv+"\n", b.bin, "pubkey")
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Private: priv, Public: pub}, nil
}

func (b *ExecBackend) InterfaceUp(ctx context.Context) bool {
	out, err := b.exec(ctx, "", b.ipBin, "link", "show", "dev", b.iface)
	if err != nil {
		return false
	}
	return linkIsUp(out)
}

func (b *ExecBackend) ServerPublicKey(ctx context.Context) (string, error) {
	if !b.InterfaceUp(ctx) {
		return "", fmt.Errorf("%w: %s", ErrInterfaceUnavailable, b.iface)
	}
	return b.exec(ctx, "", b.bin, "show", b.iface, "public-key")
}

func (b *ExecBackend) AddPeer(ctx context.Context, publicKey, allowedIP string) error {
	_, err := b.exec(ctx, "", b.bin, "set", b.iface, "peer", publicKey, "allowed-ips", hostCIDR(allowedIP))
	return err
}

func (b *ExecBackend) RemovePeer(ctx context.Context, publicKey string) error {
	// awg set ... remove для отсутствующего peer'а завершается с кодом 0
	_, err := b.exec(ctx, "", b.bin, "set", b.iface, "peer", publicKey, "remove")
	return err
}

func (b *ExecBackend) exec(ctx context.Context, stdin, name string, args ...string) (string, error) {
	// Запрос, брошенный вызывающим, всё равно доводим до конца — иначе
	// интерфейс и БД разъедутся. Ограничивает только таймаут.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
	defer cancel()

	stdout, stderr, err := b.run(ctx, stdin, name, args...)
	if err != nil {
		ce := &CommandError{
			Command: strings.TrimSpace(name + " " + strings.Join(args, " ")),
			Output:  stderr,
			Err:     err,
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			ce.TimedOut = true
		}
		return "", ce
	}
	return strings.TrimSpace(stdout), nil
}

func execRunner(ctx context.Context, stdin, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// linkIsUp ищет флаг UP в выводе `ip link show`:
// "5: awg1: <POINTOPOINT,NOARP,UP,LOWER_UP> mtu 1420 ..."
func linkIsUp(out string) bool {
	open := strings.IndexByte(out, '<')
	if open < 0 {
		return false
	}
	end := strings.IndexByte(out[open:], '>')
	if end < 0 {
		return false
	}
	for _, f := range strings.Split(out[open+1:open+end], ",") {
		if f == "UP" {
			return true
		}
	}
	return false
}

func hostCIDR(ip string) string {
	if strings.Contains(ip, "/") {
		return ip
	}
	return ip + "/32"
}
