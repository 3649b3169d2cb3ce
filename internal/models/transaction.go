package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	SourcePayment  = "payment"
	SourceAdmin    = "admin"
	SourceReferral = "referral"
)

// Transaction — журнал изменений подписки.
type Transaction struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	CreatedAt   time.Time      `json:"created_at"`
	AccountID   uint           `gorm:"index;not null" json:"account_id"`
	Amount      int            `json:"amount"` // в копейках, 0 для бонусов
	Days        int            `json:"days"`
	Source      string         `gorm:"size:32;not null" json:"source"`
	Description string         `gorm:"size:255" json:"description"`
	Meta        datatypes.JSON `json:"meta,omitempty"` // сырой payload провайдера
}
