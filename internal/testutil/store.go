// Package testutil — общие хелперы тестов: БД в памяти и фикстуры.
package testutil

import (
	"context"
	"strings"
	"testing"
	"time"

	"warden/internal/db"
	"warden/internal/models"
	"warden/internal/repo"
)

// NewStore открывает отдельную sqlite-БД в памяти на тест и мигрирует схему.
func NewStore(t testing.TB) *repo.AccountStore {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_", "#", "_").Replace(t.Name())
	d, err := db.Open("sqlite", "file:"+name+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := d.DB()
	if err != nil {
		t.Fatalf("sql handle: %v", err)
	}
	// одно соединение: БД в памяти живёт, пока оно открыто
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.Migrate(d); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.NewAccountStore(d)
}

// NewAccount создаёт аккаунт с подпиской до subEnd (nil — без подписки).
func NewAccount(t testing.TB, s *repo.AccountStore, externalID int64, subEnd *time.Time, quota int) *models.Account {
	t.Helper()
	a := &models.Account{ExternalID: externalID, SubscriptionEnd: subEnd, DeviceQuota: quota}
	if err := s.CreateAccount(context.Background(), a); err != nil {
		t.Fatalf("create account %d: %v", externalID, err)
	}
	return a
}

// NewPeer пишет активный peer напрямую в БД, минуя интерфейс.
func NewPeer(t testing.TB, s *repo.AccountStore, accountID uint, publicKey, address string) *models.Peer {
	t.Helper()
	p := &models.Peer{AccountID: accountID, PublicKey: publicKey, PrivateKey: "priv-" + publicKey, Address: address, Active: true}
	if err := s.CreatePeer(context.Background(), p); err != nil {
		t.Fatalf("create peer %s: %v", publicKey, err)
	}
	return p
}

func Ptr[T any](v T) *T { return &v }

// In возвращает момент now+d в UTC.
func In(d time.Duration) *time.Time {
	v := time.Now().UTC().Add(d)
	return &v
}
