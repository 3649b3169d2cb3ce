// Package devices управляет устройствами (peer'ами) аккаунтов:
// квота, выделение адреса, регистрация на интерфейсе и отзыв.
package devices

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/skip2/go-qrcode"

	"warden/internal/ipam"
	"warden/internal/keylock"
	"warden/internal/logs"
	"warden/internal/models"
	"warden/internal/repo"
	"warden/internal/vpn/amnezia"
	"warden/internal/vpn/wireguard"
)

var (
	ErrQuotaExceeded = errors.New("device quota exceeded")
	ErrPeerNotFound  = errors.New("peer not found")
)

// Сколько раз перегенерировать ключи при коллизии публичного ключа.
const keyAttempts = 3

// Сторона QR-картинки в пикселях.
const qrSize = 512

// Store — часть repo.AccountStore, нужная менеджеру.
type Store interface {
	GetAccountByID(ctx context.Context, id uint) (*models.Account, error)
	CountActivePeers(ctx context.Context, accountID uint) (int, error)
	ListActivePeers(ctx context.Context, accountID uint) ([]models.Peer, error)
	UsedIPs(ctx context.Context) ([]string, error)
	CreatePeer(ctx context.Context, p *models.Peer) error
	GetPeer(ctx context.Context, accountID, peerID uint) (*models.Peer, error)
	DeactivatePeer(ctx context.Context, peerID uint, now time.Time) (bool, error)
}

type Options struct {
	Store       Store
	Backend     wireguard.Backend
	Allocator   *ipam.Allocator
	Params      amnezia.Params
	DNS         []string
	Host        string
	Port        int
	Description string
	// Locks общий с контроллером; nil — свой.
	Locks *keylock.Locker
	Now   func() time.Time
}

type Manager struct {
	store   Store
	backend wireguard.Backend
	alloc   *ipam.Allocator
	params  amnezia.Params
	dns     []string
	host    string
	port    int
	desc    string
	locks   *keylock.Locker
	now     func() time.Time

	// выделение адреса, AddPeer и запись идут под одним мьютексом
	mu sync.Mutex
}

func NewManager(o Options) *Manager {
	if o.Locks == nil {
		o.Locks = keylock.New()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return &Manager{
		store:   o.Store,
		backend: o.Backend,
		alloc:   o.Allocator,
		params:  o.Params,
		dns:     o.DNS,
		host:    o.Host,
		port:    o.Port,
		desc:    o.Description,
		locks:   o.Locks,
		now:     o.Now,
	}
}

// Provision создаёт новое устройство аккаунта и регистрирует его на интерфейсе.
func (m *Manager) Provision(ctx context.Context, accountID uint, label string) (*models.Peer, error) {
	// запрос могли бросить, но начатое доводим до конца
	ctx = context.WithoutCancel(ctx)
	log := logs.For("devices").WithField("account_id", accountID)

	acc, err := m.store.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if err := m.checkQuota(ctx, acc); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// параллельный Provision мог занять последний слот
	if err := m.checkQuota(ctx, acc); err != nil {
		return nil, err
	}

	serverKey, err := m.backend.ServerPublicKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("server public key: %w", err)
	}

	for attempt := 1; ; attempt++ {
		p, err := m.provisionOnce(ctx, acc, label, serverKey)
		if err == nil {
			log.WithFields(logrus.Fields{"peer_id": p.ID, "address": p.Address}).Info("device provisioned")
			return p, nil
		}
		if errors.Is(err, repo.ErrDuplicate) && attempt < keyAttempts {
			log.WithField("attempt", attempt).Warn("public key collision, regenerating")
			continue
		}
		return nil, err
	}
}

func (m *Manager) checkQuota(ctx context.Context, acc *models.Account) error {
	n, err := m.store.CountActivePeers(ctx, acc.ID)
	if err != nil {
		return fmt.Errorf("count devices: %w", err)
	}
	if n >= acc.DeviceQuota {
		return ErrQuotaExceeded
	}
	return nil
}

func (m *Manager) provisionOnce(ctx context.Context, acc *models.Account, label, serverKey string) (*models.Peer, error) {
	kp, err := m.backend.GenerateKeyPair(ctx)
	if err != nil {
		return nil, fmt.Errorf("generate keys: %w", err)
	}

	used, err := m.store.UsedIPs(ctx)
	if err != nil {
		return nil, fmt.Errorf("used addresses: %w", err)
	}
	addr, err := m.alloc.Next(used)
	if err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(kp.Public)
	defer unlock()

	if err := m.backend.AddPeer(ctx, kp.Public, addr.String()); err != nil {
		return nil, fmt.Errorf("add peer: %w", err)
	}

	conf := amnezia.RenderConfig(amnezia.Client{
		PrivateKey:      kp.Private,
		Address:         addr.String(),
		ServerPublicKey: serverKey,
		DNS:             m.dns,
		Host:            m.host,
		Port:            m.port,
	}, m.params)

	if label == "" {
		label = addr.String()
	}
	p := &models.Peer{
		AccountID:  acc.ID,
		PublicKey:  kp.Public,
		PrivateKey: kp.Private,
		Address:    addr.String(),
		Label:      label,
		Active:     true,
		Config:     conf,
	}
	if err := m.store.CreatePeer(ctx, p); err != nil {
		m.compensate(ctx, kp.Public, addr)
		return nil, fmt.Errorf("persist peer: %w", err)
	}
	return p, nil
}

// compensate снимает с интерфейса peer, который не удалось записать.
func (m *Manager) compensate(ctx context.Context, publicKey string, addr netip.Addr) {
	if err := m.backend.RemovePeer(ctx, publicKey); err != nil {
		logs.For("devices").WithError(err).
			WithField("address", addr.String()).
			Error("compensation failed: orphan peer left on interface")
	}
}

// Delete отзывает устройство владельца: сначала интерфейс, потом запись.
func (m *Manager) Delete(ctx context.Context, accountID, peerID uint) error {
	ctx = context.WithoutCancel(ctx)
	p, err := m.ownedActive(ctx, accountID, peerID)
	if err != nil {
		return err
	}

	unlock := m.locks.Lock(p.PublicKey)
	defer unlock()

	if err := m.backend.RemovePeer(ctx, p.PublicKey); err != nil {
		return fmt.Errorf("remove peer: %w", err)
	}
	if _, err := m.store.DeactivatePeer(ctx, p.ID, m.now()); err != nil {
		return fmt.Errorf("deactivate peer: %w", err)
	}
	logs.For("devices").WithFields(logrus.Fields{"account_id": accountID, "peer_id": peerID}).Info("device revoked")
	return nil
}

func (m *Manager) List(ctx context.Context, accountID uint) ([]models.Peer, error) {
	return m.store.ListActivePeers(ctx, accountID)
}

// Config — клиентский .conf активного устройства.
func (m *Manager) Config(ctx context.Context, accountID, peerID uint) (string, error) {
	p, err := m.ownedActive(ctx, accountID, peerID)
	if err != nil {
		return "", err
	}
	return p.Config, nil
}

// Link — vpn:// ссылка для импорта в клиент.
func (m *Manager) Link(ctx context.Context, accountID, peerID uint) (string, error) {
	p, err := m.ownedActive(ctx, accountID, peerID)
	if err != nil {
		return "", err
	}
	return amnezia.EncodeLink(amnezia.LinkInput{
		Config:      p.Config,
		Host:        m.host,
		Port:        m.port,
		Params:      m.params,
		Description: m.desc,
	})
}

// QR — PNG с QR-кодом клиентского .conf для сканирования в приложении.
func (m *Manager) QR(ctx context.Context, accountID, peerID uint) ([]byte, error) {
	conf, err := m.Config(ctx, accountID, peerID)
	if err != nil {
		return nil, err
	}
	png, err := qrcode.Encode(conf, qrcode.Medium, qrSize)
	if err != nil {
		return nil, fmt.Errorf("render qr: %w", err)
	}
	return png, nil
}

func (m *Manager) ownedActive(ctx context.Context, accountID, peerID uint) (*models.Peer, error) {
	p, err := m.store.GetPeer(ctx, accountID, peerID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrPeerNotFound
	}
	if err != nil {
		return nil, err
	}
	if !p.Active {
		return nil, ErrPeerNotFound
	}
	return p, nil
}
