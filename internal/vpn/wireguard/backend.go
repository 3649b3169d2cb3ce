package wireguard

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrInterfaceUnavailable — интерфейс отсутствует или опущен.
var ErrInterfaceUnavailable = errors.New("wireguard: interface unavailable")

// Backend — control-plane операции над интерфейсом, которым сервис не владеет.
// Состояние интерфейса не кэшируется: каждый запрос идёт в систему.
type Backend interface {
	GenerateKeyPair(ctx context.Context) (KeyPair, error)
	// InterfaceUp — проверка живости; false не ошибка.
	InterfaceUp(ctx context.Context) bool
	ServerPublicKey(ctx context.Context) (string, error)
	// AddPeer идемпотентен для тех же параметров.
	AddPeer(ctx context.Context, publicKey, allowedIP string) error
	// RemovePeer идемпотентен: отсутствующий peer — успех.
	RemovePeer(ctx context.Context, publicKey string) error
}

// CommandError — внешняя команда завершилась ошибкой или по таймауту.
// Output содержит stderr команды дословно.
type CommandError struct {
	Command  string
	Output   string
	TimedOut bool
	Err      error
}

func (e *CommandError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "command %q failed", e.Command)
	if e.TimedOut {
		b.WriteString(" (timeout)")
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		fmt.Fprintf(&b, ": %s", out)
	}
	return b.String()
}

func (e *CommandError) Unwrap() error { return e.Err }

// IsCommandError — короткий хелпер для errors.As.
func IsCommandError(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce)
}
