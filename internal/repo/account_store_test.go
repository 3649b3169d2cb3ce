package repo_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"warden/internal/models"
	"warden/internal/repo"
	"warden/internal/testutil"
)

func TestAccounts_CreateAndDuplicate(t *testing.T) {
	s := testutil.NewStore(t)
	ctx := context.Background()
	testutil.NewAccount(t, s, 100, nil, 2)

	err := s.CreateAccount(ctx, &models.Account{ExternalID: 100, DeviceQuota: 2})
	if !errors.Is(err, repo.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if _, err := s.GetAccount(ctx, 999); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExtendSubscription(t *testing.T) {
	s := testutil.NewStore(t)
	ctx := context.Background()
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

	a := testutil.NewAccount(t, s, 1, nil, 2)
	end, err := s.ExtendSubscription(ctx, a.ID, 30, now)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if !end.Equal(now.AddDate(0, 0, 30)) {
		t.Fatalf("from empty: end = %s", end)
	}
	// активная подписка продлевается от своего конца
	end2, err := s.ExtendSubscription(ctx, a.ID, 10, now)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if !end2.Equal(now.AddDate(0, 0, 40)) {
		t.Fatalf("from active: end = %s", end2)
	}

	// истёкшая — от now
	past := now.AddDate(0, 0, -5)
	b := testutil.NewAccount(t, s, 2, &past, 2)
	end3, err := s.ExtendSubscription(ctx, b.ID, 7, now)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if !end3.Equal(now.AddDate(0, 0, 7)) {
		t.Fatalf("from expired: end = %s", end3)
	}
}

func TestExtendSubscription_ConcurrentNotLost(t *testing.T) {
	s := testutil.NewStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	a := testutil.NewAccount(t, s, 1, nil, 2)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ExtendSubscription(ctx, a.ID, 1, now); err != nil {
				t.Errorf("extend: %v", err)
			}
		}()
	}
	wg.Wait()
	got, _ := s.GetAccountByID(ctx, a.ID)
	if got.SubscriptionEnd == nil || !got.SubscriptionEnd.Equal(now.AddDate(0, 0, 3)) {
		t.Fatalf("end = %v, want %s", got.SubscriptionEnd, now.AddDate(0, 0, 3))
	}
}

func TestPeers_UsedIPsAndDeactivate(t *testing.T) {
	s := testutil.NewStore(t)
	ctx := context.Background()
	a := testutil.NewAccount(t, s, 1, testutil.In(time.Hour), 3)
	p1 := testutil.NewPeer(t, s, a.ID, "K1", "10.9.0.2")
	testutil.NewPeer(t, s, a.ID, "K2", "10.9.0.3")

	ips, err := s.UsedIPs(ctx)
	if err != nil {
		t.Fatalf("UsedIPs: %v", err)
	}
	sort.Strings(ips)
	if len(ips) != 2 || ips[0] != "10.9.0.2" || ips[1] != "10.9.0.3" {
		t.Fatalf("ips = %v", ips)
	}

	changed, err := s.DeactivatePeer(ctx, p1.ID, time.Now())
	if err != nil || !changed {
		t.Fatalf("DeactivatePeer = %v, %v", changed, err)
	}
	// повторно — не переход
	changed, err = s.DeactivatePeer(ctx, p1.ID, time.Now())
	if err != nil || changed {
		t.Fatalf("second DeactivatePeer = %v, %v", changed, err)
	}

	ips, _ = s.UsedIPs(ctx)
	if len(ips) != 1 || ips[0] != "10.9.0.3" {
		t.Fatalf("after deactivate ips = %v", ips)
	}
	n, _ := s.CountActivePeers(ctx, a.ID)
	if n != 1 {
		t.Fatalf("active = %d", n)
	}
	p, err := s.GetPeer(ctx, a.ID, p1.ID)
	if err != nil || p.Active || p.DeactivatedAt == nil {
		t.Fatalf("record must be retained and inactive: %+v, %v", p, err)
	}
}

func TestPeers_DuplicatePublicKey(t *testing.T) {
	s := testutil.NewStore(t)
	a := testutil.NewAccount(t, s, 1, nil, 2)
	testutil.NewPeer(t, s, a.ID, "K1", "10.9.0.2")
	err := s.CreatePeer(context.Background(), &models.Peer{AccountID: a.ID, PublicKey: "K1", PrivateKey: "x", Address: "10.9.0.3", Active: true})
	if !errors.Is(err, repo.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestGetPeer_ScopedToOwner(t *testing.T) {
	s := testutil.NewStore(t)
	a := testutil.NewAccount(t, s, 1, nil, 2)
	b := testutil.NewAccount(t, s, 2, nil, 2)
	p := testutil.NewPeer(t, s, a.ID, "K1", "10.9.0.2")
	if _, err := s.GetPeer(context.Background(), b.ID, p.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("foreign peer must be ErrNotFound, got %v", err)
	}
}

func TestListExpired(t *testing.T) {
	s := testutil.NewStore(t)
	ctx := context.Background()
	expired := testutil.NewAccount(t, s, 10, testutil.In(-time.Hour), 2)
	active := testutil.NewAccount(t, s, 20, testutil.In(time.Hour), 2)
	never := testutil.NewAccount(t, s, 30, nil, 2)

	testutil.NewPeer(t, s, expired.ID, "E1", "10.9.0.2")
	gone := testutil.NewPeer(t, s, expired.ID, "E2", "10.9.0.3")
	testutil.NewPeer(t, s, active.ID, "A1", "10.9.0.4")
	testutil.NewPeer(t, s, never.ID, "N1", "10.9.0.5")
	_, _ = s.DeactivatePeer(ctx, gone.ID, time.Now())

	got, err := s.ListExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("ListExpired: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %+v", got)
	}
	if got[0].PublicKey != "E1" || got[0].ExternalID != 10 || got[0].AccountID != expired.ID {
		t.Fatalf("row = %+v", got[0])
	}
}

func TestReferralsAndQuota(t *testing.T) {
	s := testutil.NewStore(t)
	ctx := context.Background()
	a := testutil.NewAccount(t, s, 1, nil, 2)

	for want := 1; want <= 3; want++ {
		n, err := s.IncrementReferrals(ctx, a.ID)
		if err != nil || n != want {
			t.Fatalf("IncrementReferrals = %d, %v; want %d", n, err, want)
		}
	}
	if err := s.ResetReferrals(ctx, a.ID); err != nil {
		t.Fatalf("ResetReferrals: %v", err)
	}
	got, _ := s.GetAccountByID(ctx, a.ID)
	if got.ReferralCount != 0 {
		t.Fatalf("referrals = %d", got.ReferralCount)
	}

	q, err := s.IncreaseQuota(ctx, a.ID, 3)
	if err != nil || q != 5 {
		t.Fatalf("IncreaseQuota = %d, %v", q, err)
	}
	if _, err := s.IncreaseQuota(ctx, 9999, 1); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCountActiveSubscriptions(t *testing.T) {
	s := testutil.NewStore(t)
	testutil.NewAccount(t, s, 1, testutil.In(time.Hour), 2)
	testutil.NewAccount(t, s, 2, testutil.In(-time.Hour), 2)
	testutil.NewAccount(t, s, 3, nil, 2)
	n, err := s.CountActiveSubscriptions(context.Background(), time.Now())
	if err != nil || n != 1 {
		t.Fatalf("CountActiveSubscriptions = %d, %v", n, err)
	}
}

func TestMapDBError(t *testing.T) {
	if repo.MapDBError(nil) != nil {
		t.Fatalf("nil must stay nil")
	}
	if !errors.Is(repo.MapDBError(errors.New("UNIQUE constraint failed: peers.public_key")), repo.ErrDuplicate) {
		t.Fatalf("sqlite unique not mapped")
	}
	other := errors.New("connection refused")
	if repo.MapDBError(other) != other {
		t.Fatalf("unrelated error changed")
	}
}
