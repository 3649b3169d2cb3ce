package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"warden/internal/models"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
	// ErrConflict — запись менялась параллельно, повторы исчерпаны.
	ErrConflict = errors.New("concurrent update conflict")
)

// AccountStore — аккаунты, устройства и журнал транзакций.
type AccountStore struct{ db *gorm.DB }

func NewAccountStore(db *gorm.DB) *AccountStore { return &AccountStore{db: db} }

func (s *AccountStore) DB() *gorm.DB { return s.db }

// -------- Аккаунты --------

func (s *AccountStore) GetAccount(ctx context.Context, externalID int64) (*models.Account, error) {
	var a models.Account
	err := s.db.WithContext(ctx).Where("external_id = ?", externalID).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *AccountStore) GetAccountByID(ctx context.Context, id uint) (*models.Account, error) {
	var a models.Account
	err := s.db.WithContext(ctx).First(&a, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *AccountStore) CreateAccount(ctx context.Context, a *models.Account) error {
	return MapDBError(s.db.WithContext(ctx).Create(a).Error)
}

// ExtendSubscription продлевает от max(now, текущий конец) на days дней.
// Конкурентные продления не теряются: UPDATE условный, при гонке повторяем.
func (s *AccountStore) ExtendSubscription(ctx context.Context, accountID uint, days int, now time.Time) (time.Time, error) {
	now = now.UTC()
	for attempt := 0; attempt < 5; attempt++ {
		a, err := s.GetAccountByID(ctx, accountID)
		if err != nil {
			return time.Time{}, err
		}
		base := now
		if a.SubscriptionEnd != nil && a.SubscriptionEnd.After(now) {
			base = a.SubscriptionEnd.UTC()
		}
		end := base.AddDate(0, 0, days)

		q := s.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", accountID)
		if a.SubscriptionEnd == nil {
			q = q.Where("subscription_end IS NULL")
		} else {
			q = q.Where("subscription_end = ?", *a.SubscriptionEnd)
		}
		res := q.Update("subscription_end", end)
		if res.Error != nil {
			return time.Time{}, res.Error
		}
		if res.RowsAffected == 1 {
			return end, nil
		}
	}
	return time.Time{}, ErrConflict
}

// DisableSubscription обрывает подписку на момент now; устройства снимет sweep.
func (s *AccountStore) DisableSubscription(ctx context.Context, accountID uint, now time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", accountID).
		Update("subscription_end", now.UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *AccountStore) IncrementReferrals(ctx context.Context, accountID uint) (int, error) {
	return s.bump(ctx, accountID, "referral_count", 1)
}

func (s *AccountStore) ResetReferrals(ctx context.Context, accountID uint) error {
	return s.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", accountID).
		Update("referral_count", 0).Error
}

func (s *AccountStore) IncreaseQuota(ctx context.Context, accountID uint, delta int) (int, error) {
	return s.bump(ctx, accountID, "device_quota", delta)
}

func (s *AccountStore) bump(ctx context.Context, accountID uint, column string, delta int) (int, error) {
	var val int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Account{}).
			Where("id = ?", accountID).
			Update(column, gorm.Expr(column+" + ?", delta))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Model(&models.Account{}).Where("id = ?", accountID).Select(column).Scan(&val).Error
	})
	return val, err
}

func (s *AccountStore) CountAccounts(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Account{}).Count(&n).Error
	return n, err
}

func (s *AccountStore) CountActiveSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Account{}).
		Where("subscription_end > ?", now.UTC()).
		Count(&n).Error
	return n, err
}

// -------- Устройства --------

func (s *AccountStore) ListActivePeers(ctx context.Context, accountID uint) ([]models.Peer, error) {
	var out []models.Peer
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND active = ?", accountID, true).
		Order("id asc").
		Find(&out).Error
	return out, err
}

func (s *AccountStore) CountActivePeers(ctx context.Context, accountID uint) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Peer{}).
		Where("account_id = ? AND active = ?", accountID, true).
		Count(&n).Error
	return int(n), err
}

func (s *AccountStore) CountAllActivePeers(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Peer{}).Where("active = ?", true).Count(&n).Error
	return n, err
}

func (s *AccountStore) CreatePeer(ctx context.Context, p *models.Peer) error {
	return MapDBError(s.db.WithContext(ctx).Create(p).Error)
}

// GetPeer ищет peer только среди устройств владельца.
func (s *AccountStore) GetPeer(ctx context.Context, accountID, peerID uint) (*models.Peer, error) {
	var p models.Peer
	err := s.db.WithContext(ctx).
		Where("id = ? AND account_id = ?", peerID, accountID).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UsedIPs — адреса всех активных peer'ов.
func (s *AccountStore) UsedIPs(ctx context.Context) ([]string, error) {
	var ips []string
	err := s.db.WithContext(ctx).Model(&models.Peer{}).
		Where("active = ?", true).
		Pluck("address", &ips).Error
	return ips, err
}

// PeerActive сообщает, есть ли активный peer с этим ключом.
func (s *AccountStore) PeerActive(ctx context.Context, publicKey string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Peer{}).
		Where("public_key = ? AND active = ?", publicKey, true).
		Count(&n).Error
	return n > 0, err
}

func (s *AccountStore) DeactivatePeer(ctx context.Context, peerID uint, now time.Time) (bool, error) {
	return s.deactivate(ctx, "id", peerID, now)
}

// DeactivateByPublicKey возвращает true, если peer был активен.
func (s *AccountStore) DeactivateByPublicKey(ctx context.Context, publicKey string, now time.Time) (bool, error) {
	return s.deactivate(ctx, "public_key", publicKey, now)
}

func (s *AccountStore) deactivate(ctx context.Context, column string, value any, now time.Time) (bool, error) {
	now = now.UTC()
	res := s.db.WithContext(ctx).Model(&models.Peer{}).
		Where(column+" = ? AND active = ?", value, true).
		Updates(map[string]any{"active": false, "deactivated_at": now})
	return res.RowsAffected > 0, res.Error
}

// ListExpired — активные peer'ы аккаунтов, чья подписка кончилась до now.
func (s *AccountStore) ListExpired(ctx context.Context, now time.Time) ([]models.ExpiredPeer, error) {
	var out []models.ExpiredPeer
	err := s.db.WithContext(ctx).Table("peers").
		Select("peers.account_id, accounts.external_id, peers.id AS peer_id, peers.public_key").
		Joins("JOIN accounts ON accounts.id = peers.account_id").
		Where("peers.active = ? AND accounts.subscription_end IS NOT NULL AND accounts.subscription_end < ?", true, now.UTC()).
		Order("peers.id asc").
		Scan(&out).Error
	return out, err
}

func (s *AccountStore) AllActivePeers(ctx context.Context) ([]models.Peer, error) {
	var out []models.Peer
	err := s.db.WithContext(ctx).Where("active = ?", true).Order("id asc").Find(&out).Error
	return out, err
}

// -------- Транзакции --------

func (s *AccountStore) RecordTransaction(ctx context.Context, t *models.Transaction) error {
	return s.db.WithContext(ctx).Create(t).Error
}

func (s *AccountStore) ListTransactions(ctx context.Context, accountID uint) ([]models.Transaction, error) {
	var out []models.Transaction
	err := s.db.WithContext(ctx).Where("account_id = ?", accountID).Order("id asc").Find(&out).Error
	return out, err
}

// MapDBError сводит нарушения уникальности разных драйверов к ErrDuplicate.
func MapDBError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	le := strings.ToLower(err.Error())
	// MySQL 1062, Postgres 23505, SQLite "UNIQUE constraint failed"
	if strings.Contains(le, "duplicate") || strings.Contains(le, "unique") || strings.Contains(le, "23505") || strings.Contains(le, "1062") {
		return ErrDuplicate
	}
	return err
}
