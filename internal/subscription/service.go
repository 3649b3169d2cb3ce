// Package subscription — оплаты, ручные продления, рефералы и квоты.
package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"warden/internal/logs"
	"warden/internal/models"
	"warden/internal/notify"
	"warden/internal/repo"
)

var (
	ErrUnknownPlan  = errors.New("unknown plan")
	ErrInvalidDays  = errors.New("days must be positive")
	ErrInvalidDelta = errors.New("quota delta must be positive")
)

// Plan — тариф; Price в рублях.
type Plan struct {
	Payload string `json:"payload"`
	Days    int    `json:"days"`
	Price   int    `json:"price"`
}

// Plans собирает таблицу тарифов по ценам из конфигурации.
func Plans(oneMonth, threeMonths, twelveMonths int) map[string]Plan {
	return map[string]Plan{
		"sub_30":  {Payload: "sub_30", Days: 30, Price: oneMonth},
		"sub_90":  {Payload: "sub_90", Days: 90, Price: threeMonths},
		"sub_365": {Payload: "sub_365", Days: 365, Price: twelveMonths},
	}
}

type Store interface {
	GetAccount(ctx context.Context, externalID int64) (*models.Account, error)
	CreateAccount(ctx context.Context, a *models.Account) error
	ExtendSubscription(ctx context.Context, accountID uint, days int, now time.Time) (time.Time, error)
	DisableSubscription(ctx context.Context, accountID uint, now time.Time) error
	IncrementReferrals(ctx context.Context, accountID uint) (int, error)
	ResetReferrals(ctx context.Context, accountID uint) error
	IncreaseQuota(ctx context.Context, accountID uint, delta int) (int, error)
	CountActivePeers(ctx context.Context, accountID uint) (int, error)
	CountAccounts(ctx context.Context) (int64, error)
	CountActiveSubscriptions(ctx context.Context, now time.Time) (int64, error)
	CountAllActivePeers(ctx context.Context) (int64, error)
	RecordTransaction(ctx context.Context, t *models.Transaction) error
}

// Provisioner — devices.Manager.
type Provisioner interface {
	Provision(ctx context.Context, accountID uint, label string) (*models.Peer, error)
}

type Options struct {
	Store              Store
	Devices            Provisioner
	Notifier           notify.Notifier
	Plans              map[string]Plan
	DefaultQuota       int
	ReferralThreshold  int
	ReferralRewardDays int
	Now                func() time.Time
}

type Service struct {
	store     Store
	devices   Provisioner
	notifier  notify.Notifier
	plans     map[string]Plan
	quota     int
	threshold int
	reward    int
	now       func() time.Time
}

func New(o Options) *Service {
	if o.Notifier == nil {
		o.Notifier = notify.Log{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.DefaultQuota <= 0 {
		o.DefaultQuota = 2
	}
	return &Service{
		store:     o.Store,
		devices:   o.Devices,
		notifier:  o.Notifier,
		plans:     o.Plans,
		quota:     o.DefaultQuota,
		threshold: o.ReferralThreshold,
		reward:    o.ReferralRewardDays,
		now:       o.Now,
	}
}

// ExtendResult — итог продления. Подписка уже записана, даже если
// устройство выдать не удалось (DevicePending).
type ExtendResult struct {
	Account       *models.Account `json:"account"`
	End           time.Time       `json:"subscription_end"`
	Peer          *models.Peer    `json:"device,omitempty"`
	DevicePending bool            `json:"device_pending"`
	ProvisionErr  error           `json:"-"`
}

type Stats struct {
	Accounts            int64 `json:"accounts"`
	ActiveSubscriptions int64 `json:"active_subscriptions"`
	ActivePeers         int64 `json:"active_peers"`
}

// Register заводит аккаунт; существующий возвращается как есть (created=false).
// Приглашение самим собой и несуществующим пользователем игнорируется.
func (s *Service) Register(ctx context.Context, externalID int64, username string, referrer *int64) (*models.Account, bool, error) {
	if acc, err := s.store.GetAccount(ctx, externalID); err == nil {
		return acc, false, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, false, err
	}

	if referrer != nil {
		if *referrer == externalID {
			referrer = nil
		} else if _, err := s.store.GetAccount(ctx, *referrer); err != nil {
			referrer = nil
		}
	}

	acc := &models.Account{
		ExternalID:  externalID,
		Username:    username,
		ReferrerID:  referrer,
		DeviceQuota: s.quota,
	}
	if err := s.store.CreateAccount(ctx, acc); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			// параллельная регистрация
			existing, gerr := s.store.GetAccount(ctx, externalID)
			return existing, false, gerr
		}
		return nil, false, err
	}
	logs.For("subscription").WithFields(logrus.Fields{"external_id": externalID, "referred": referrer != nil}).Info("account registered")
	return acc, true, nil
}

// ApplyPayment продлевает подписку по оплаченному тарифу. amount в копейках;
// 0 — цена тарифа.
func (s *Service) ApplyPayment(ctx context.Context, externalID int64, payload string, amount int, meta map[string]any) (*ExtendResult, error) {
	plan, ok := s.plans[payload]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlan, payload)
	}
	acc, err := s.store.GetAccount(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if amount <= 0 {
		amount = plan.Price * 100
	}

	res, err := s.extend(ctx, acc, plan.Days, &models.Transaction{
		Amount:      amount,
		Source:      models.SourcePayment,
		Description: payload,
		Meta:        encodeMeta(meta),
	})
	if err != nil {
		return nil, err
	}
	s.creditReferrer(ctx, acc)
	return res, nil
}

// Grant — ручное продление администратором.
func (s *Service) Grant(ctx context.Context, externalID int64, days int) (*ExtendResult, error) {
	if days <= 0 {
		return nil, ErrInvalidDays
	}
	acc, err := s.store.GetAccount(ctx, externalID)
	if err != nil {
		return nil, err
	}
	return s.extend(ctx, acc, days, &models.Transaction{
		Source:      models.SourceAdmin,
		Description: fmt.Sprintf("grant %d days", days),
	})
}

// Disable обрывает подписку; устройства снимет ближайший sweep.
func (s *Service) Disable(ctx context.Context, externalID int64) error {
	acc, err := s.store.GetAccount(ctx, externalID)
	if err != nil {
		return err
	}
	if err := s.store.DisableSubscription(ctx, acc.ID, s.now()); err != nil {
		return err
	}
	logs.For("subscription").WithField("external_id", externalID).Info("subscription disabled")
	return nil
}

func (s *Service) IncreaseQuota(ctx context.Context, externalID int64, delta int) (int, error) {
	if delta <= 0 {
		return 0, ErrInvalidDelta
	}
	acc, err := s.store.GetAccount(ctx, externalID)
	if err != nil {
		return 0, err
	}
	return s.store.IncreaseQuota(ctx, acc.ID, delta)
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var err error
	if st.Accounts, err = s.store.CountAccounts(ctx); err != nil {
		return st, err
	}
	if st.ActiveSubscriptions, err = s.store.CountActiveSubscriptions(ctx, s.now()); err != nil {
		return st, err
	}
	if st.ActivePeers, err = s.store.CountAllActivePeers(ctx); err != nil {
		return st, err
	}
	return st, nil
}

func (s *Service) extend(ctx context.Context, acc *models.Account, days int, tx *models.Transaction) (*ExtendResult, error) {
	log := logs.For("subscription").WithField("external_id", acc.ExternalID)

	end, err := s.store.ExtendSubscription(ctx, acc.ID, days, s.now())
	if err != nil {
		return nil, fmt.Errorf("extend subscription: %w", err)
	}
	acc.SubscriptionEnd = &end

	tx.AccountID = acc.ID
	tx.Days = days
	if err := s.store.RecordTransaction(ctx, tx); err != nil {
		log.WithError(err).Error("record transaction")
	}
	log.WithFields(logrus.Fields{"days": days, "until": end.Format(time.RFC3339), "source": tx.Source}).Info("subscription extended")

	res := &ExtendResult{Account: acc, End: end}
	s.ensureDevice(ctx, acc, res)
	return res, nil
}

// ensureDevice выдаёт первое устройство, если у аккаунта нет ни одного.
func (s *Service) ensureDevice(ctx context.Context, acc *models.Account, res *ExtendResult) {
	if s.devices == nil {
		return
	}
	n, err := s.store.CountActivePeers(ctx, acc.ID)
	if err != nil {
		res.DevicePending, res.ProvisionErr = true, err
		return
	}
	if n > 0 {
		return
	}
	p, err := s.devices.Provision(ctx, acc.ID, "")
	if err != nil {
		logs.For("subscription").WithError(err).WithField("external_id", acc.ExternalID).Warn("device provisioning deferred")
		res.DevicePending, res.ProvisionErr = true, err
		return
	}
	res.Peer = p
}

// creditReferrer засчитывает оплату приглашённого. Ошибки только логируются:
// оплата к этому моменту уже проведена.
func (s *Service) creditReferrer(ctx context.Context, acc *models.Account) {
	if acc.ReferrerID == nil || s.threshold <= 0 {
		return
	}
	log := logs.For("subscription").WithField("referrer", *acc.ReferrerID)

	ref, err := s.store.GetAccount(ctx, *acc.ReferrerID)
	if err != nil {
		log.WithError(err).Warn("referrer lookup failed")
		return
	}
	n, err := s.store.IncrementReferrals(ctx, ref.ID)
	if err != nil {
		log.WithError(err).Error("increment referrals")
		return
	}
	if n < s.threshold {
		return
	}

	if _, err := s.extend(ctx, ref, s.reward, &models.Transaction{
		Source:      models.SourceReferral,
		Description: fmt.Sprintf("%d referrals", n),
	}); err != nil {
		log.WithError(err).Error("referral reward")
		return
	}
	if err := s.store.ResetReferrals(ctx, ref.ID); err != nil {
		log.WithError(err).Error("reset referrals")
	}
	if err := s.notifier.Notify(ctx, ref.ExternalID, notify.ReferralRewardText(s.threshold, s.reward)); err != nil {
		log.WithError(err).Debug("referral notification not delivered")
	}
}

func encodeMeta(meta map[string]any) datatypes.JSON {
	if len(meta) == 0 {
		return nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}
