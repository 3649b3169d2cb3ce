package models

import "time"

// Peer — устройство аккаунта, зарегистрированное на интерфейсе.
// Запись не удаляется: при отзыве Active=false.
type Peer struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	AccountID     uint       `gorm:"index;not null" json:"account_id"`
	PublicKey     string     `gorm:"uniqueIndex;size:64;not null" json:"public_key"`
	PrivateKey    string     `gorm:"size:64;not null" json:"-"`
	Address       string     `gorm:"index;size:64;not null" json:"address"` // "10.9.0.X", без маски
	Label         string     `gorm:"size:255" json:"label"`
	Active        bool       `gorm:"index;not null;default:true" json:"active"`
	Config        string     `gorm:"type:text" json:"-"` // отрендеренный .conf
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

// ExpiredPeer — активный peer аккаунта с истёкшей подпиской.
type ExpiredPeer struct {
	AccountID  uint
	ExternalID int64
	PeerID     uint
	PublicKey  string
}
