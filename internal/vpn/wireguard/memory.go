package wireguard

import (
	"context"
	"fmt"
	"sync"
)

// Call — запись об одном вызове MemBackend.
type Call struct {
	Op        string // add|remove
	PublicKey string
	AllowedIP string
}

// MemBackend — интерфейс в памяти процесса: для тестов и режима vpn.backend=memory.
type MemBackend struct {
	mu         sync.Mutex
	up         bool
	server     KeyPair
	peers      map[string]string
	calls      []Call
	failAdd    map[string]error
	failRemove map[string]error
}

func NewMemBackend() *MemBackend {
	kp, err := GenerateKeyPair()
	if err != nil {
		panic(err)
	}
	return &MemBackend{
		up:         true,
		server:     kp,
		peers:      map[string]string{},
		failAdd:    map[string]error{},
		failRemove: map[string]error{},
	}
}

func (m *MemBackend) SetUp(up bool) {
	m.mu.Lock()
	m.up = up
	m.mu.Unlock()
}

// FailAdd заставляет AddPeer для key возвращать CommandError с err. nil снимает сбой.
func (m *MemBackend) FailAdd(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failAdd, key)
		return
	}
	m.failAdd[key] = err
}

func (m *MemBackend) FailRemove(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failRemove, key)
		return
	}
	m.failRemove[key] = err
}

// Peers — копия таблицы peer -> allowed-ip.
func (m *MemBackend) Peers() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.peers))
	for k, v := range m.peers {
		out[k] = v
	}
	return out
}

func (m *MemBackend) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

func (m *MemBackend) GenerateKeyPair(context.Context) (KeyPair, error) {
	return GenerateKeyPair()
}

func (m *MemBackend) InterfaceUp(context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.up
}

func (m *MemBackend) ServerPublicKey(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.up {
		return "", fmt.Errorf("%w: memory", ErrInterfaceUnavailable)
	}
	return m.server.Public, nil
}

func (m *MemBackend) AddPeer(_ context.Context, publicKey, allowedIP string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Op: "add", PublicKey: publicKey, AllowedIP: allowedIP})
	if err := m.failure(m.failAdd[publicKey], "add "+publicKey); err != nil {
		return err
	}
	m.peers[publicKey] = hostCIDR(allowedIP)
	return nil
}

func (m *MemBackend) RemovePeer(_ context.Context, publicKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Op: "remove", PublicKey: publicKey})
	if err := m.failure(m.failRemove[publicKey], "remove "+publicKey); err != nil {
		return err
	}
	delete(m.peers, publicKey)
	return nil
}

// failure вызывается под m.mu.
func (m *MemBackend) failure(injected error, op string) error {
	if !m.up {
		return &CommandError{Command: op, Output: "No such device", Err: ErrInterfaceUnavailable}
	}
	if injected != nil {
		return &CommandError{Command: op, Output: injected.Error(), Err: injected}
	}
	return nil
}
