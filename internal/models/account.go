package models

import "time"

// Account — владелец подписки. Не удаляется.
type Account struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ExternalID      int64      `gorm:"uniqueIndex;not null" json:"external_id"` // id пользователя в мессенджере
	Username        string     `gorm:"size:255" json:"username,omitempty"`
	SubscriptionEnd *time.Time `gorm:"index" json:"subscription_end,omitempty"` // nil — никогда не подписывался
	ReferrerID      *int64     `gorm:"index" json:"referrer_id,omitempty"`      // ExternalID пригласившего
	ReferralCount   int        `gorm:"not null;default:0" json:"referral_count"`
	DeviceQuota     int        `gorm:"not null;default:2" json:"device_quota"`
}

// SubscribedAt сообщает, активна ли подписка на момент now.
func (a *Account) SubscribedAt(now time.Time) bool {
	return a.SubscriptionEnd != nil && a.SubscriptionEnd.After(now)
}
