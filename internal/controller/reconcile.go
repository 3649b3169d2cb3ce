// Package controller сводит состояние интерфейса с БД: восстанавливает
// peer'ы после рестарта хоста и снимает устройства с истёкшей подпиской.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"warden/internal/keylock"
	"warden/internal/logs"
	"warden/internal/models"
	"warden/internal/notify"
	"warden/internal/vpn/wireguard"
)

type Store interface {
	AllActivePeers(ctx context.Context) ([]models.Peer, error)
	PeerActive(ctx context.Context, publicKey string) (bool, error)
	ListExpired(ctx context.Context, now time.Time) ([]models.ExpiredPeer, error)
	DeactivateByPublicKey(ctx context.Context, publicKey string, now time.Time) (bool, error)
}

type Options struct {
	Store    Store
	Backend  wireguard.Backend
	Notifier notify.Notifier
	// Locks общий с devices.Manager; nil — свой.
	Locks *keylock.Locker
	// После стольких неудачных sweep подряд ключ считается застрявшим.
	StuckAfter int
	Now        func() time.Time
}

type Reconciler struct {
	store      Store
	backend    wireguard.Backend
	notifier   notify.Notifier
	locks      *keylock.Locker
	stuckAfter int
	now        func() time.Time

	// restore и sweep не пересекаются
	mu       sync.Mutex
	failures map[string]int
}

type RestoreReport struct {
	Total    int `json:"total"`
	Restored int `json:"restored"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

type SweepReport struct {
	Expired int      `json:"expired"`
	Revoked int      `json:"revoked"`
	Failed  int      `json:"failed"`
	Stuck   []string `json:"stuck,omitempty"`
}

func NewReconciler(o Options) *Reconciler {
	if o.Notifier == nil {
		o.Notifier = notify.Log{}
	}
	if o.Locks == nil {
		o.Locks = keylock.New()
	}
	if o.StuckAfter <= 0 {
		o.StuckAfter = 3
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return &Reconciler{
		store:      o.Store,
		backend:    o.Backend,
		notifier:   o.Notifier,
		locks:      o.Locks,
		stuckAfter: o.StuckAfter,
		now:        o.Now,
		failures:   map[string]int{},
	}
}

// Restore заново регистрирует на интерфейсе все активные peer'ы.
// Ошибка одного peer'а не прерывает остальные.
func (r *Reconciler) Restore(ctx context.Context) (RestoreReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	log := logs.For("reconcile")

	var rep RestoreReport
	peers, err := r.store.AllActivePeers(ctx)
	if err != nil {
		return rep, fmt.Errorf("list active peers: %w", err)
	}
	rep.Total = len(peers)

	if !r.backend.InterfaceUp(ctx) {
		log.WithField("peers", rep.Total).Error("interface is down, restore skipped")
		return rep, wireguard.ErrInterfaceUnavailable
	}

	for _, p := range peers {
		restored, err := r.restoreOne(ctx, p)
		switch {
		case err != nil:
			rep.Failed++
			log.WithError(err).WithFields(logrus.Fields{"peer_id": p.ID, "address": p.Address}).Warn("restore peer failed")
		case !restored:
			rep.Skipped++
		default:
			rep.Restored++
		}
	}
	log.WithFields(logrus.Fields{"total": rep.Total, "restored": rep.Restored, "skipped": rep.Skipped, "failed": rep.Failed}).Info("restore finished")
	return rep, nil
}

// restoreOne добавляет peer, если под блокировкой ключа он всё ещё активен:
// параллельный Delete мог отозвать его после выборки.
func (r *Reconciler) restoreOne(ctx context.Context, p models.Peer) (bool, error) {
	unlock := r.locks.Lock(p.PublicKey)
	defer unlock()
	active, err := r.store.PeerActive(ctx, p.PublicKey)
	if err != nil {
		return false, fmt.Errorf("check peer: %w", err)
	}
	if !active {
		return false, nil
	}
	if err := r.backend.AddPeer(ctx, p.PublicKey, p.Address); err != nil {
		return false, err
	}
	return true, nil
}

// Sweep снимает с интерфейса peer'ы аккаунтов с истёкшей подпиской.
// Запись деактивируется только после успешного удаления с интерфейса;
// неудачи остаются активными и повторяются на следующем проходе.
func (r *Reconciler) Sweep(ctx context.Context) (SweepReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	log := logs.For("reconcile")

	var rep SweepReport
	now := r.now()
	expired, err := r.store.ListExpired(ctx, now)
	if err != nil {
		return rep, fmt.Errorf("list expired: %w", err)
	}
	rep.Expired = len(expired)

	seen := make(map[string]struct{}, len(expired))
	notified := map[uint]bool{}
	for _, e := range expired {
		seen[e.PublicKey] = struct{}{}
		entry := log.WithFields(logrus.Fields{"account_id": e.AccountID, "peer_id": e.PeerID})

		changed, err := r.revoke(ctx, e, now)
		if err != nil {
			rep.Failed++
			r.failures[e.PublicKey]++
			if n := r.failures[e.PublicKey]; n >= r.stuckAfter {
				rep.Stuck = append(rep.Stuck, e.PublicKey)
				entry.WithError(err).WithField("attempts", n).Error("peer stuck: revoke keeps failing")
			} else {
				entry.WithError(err).Warn("revoke failed, will retry")
			}
			continue
		}
		delete(r.failures, e.PublicKey)
		if !changed {
			continue
		}
		rep.Revoked++
		entry.Info("peer revoked: subscription expired")

		if notified[e.AccountID] {
			continue
		}
		notified[e.AccountID] = true
		if err := r.notifier.Notify(ctx, e.ExternalID, notify.ExpiredText); err != nil {
			entry.WithError(err).Debug("expiry notification not delivered")
		}
	}

	// ключи, которых больше нет в выборке, забываем
	for k := range r.failures {
		if _, ok := seen[k]; !ok {
			delete(r.failures, k)
		}
	}
	if rep.Expired > 0 {
		log.WithFields(logrus.Fields{"expired": rep.Expired, "revoked": rep.Revoked, "failed": rep.Failed}).Info("sweep finished")
	}
	return rep, nil
}

func (r *Reconciler) revoke(ctx context.Context, e models.ExpiredPeer, now time.Time) (bool, error) {
	unlock := r.locks.Lock(e.PublicKey)
	defer unlock()
	if err := r.backend.RemovePeer(ctx, e.PublicKey); err != nil {
		return false, err
	}
	changed, err := r.store.DeactivateByPublicKey(ctx, e.PublicKey, now)
	if err != nil {
		return false, fmt.Errorf("deactivate: %w", err)
	}
	return changed, nil
}

// Run: один Restore при старте, затем Sweep по тикеру до отмены ctx.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	log := logs.For("reconcile")
	if _, err := r.Restore(ctx); err != nil {
		log.WithError(err).Error("initial restore failed")
	}

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := r.Sweep(ctx); err != nil {
				log.WithError(err).Error("sweep failed")
			}
		}
	}
}
