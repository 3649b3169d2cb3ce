package subscription_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"warden/internal/devices"
	"warden/internal/ipam"
	"warden/internal/models"
	"warden/internal/repo"
	"warden/internal/subscription"
	"warden/internal/testutil"
	"warden/internal/vpn/amnezia"
	"warden/internal/vpn/wireguard"
)

var now = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu   sync.Mutex
	sent map[int64]int
}

func (n *recordingNotifier) Notify(_ context.Context, id int64, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sent == nil {
		n.sent = map[int64]int{}
	}
	n.sent[id]++
	return errors.New("delivery is best effort")
}

type fixture struct {
	svc     *subscription.Service
	store   *repo.AccountStore
	backend *wireguard.MemBackend
	notes   *recordingNotifier
}

func setup(t *testing.T) fixture {
	t.Helper()
	s := testutil.NewStore(t)
	alloc, err := ipam.New("10.9.0.0/24")
	if err != nil {
		t.Fatalf("ipam: %v", err)
	}
	be := wireguard.NewMemBackend()
	mgr := devices.NewManager(devices.Options{
		Store:     s,
		Backend:   be,
		Allocator: alloc,
		Params:    amnezia.Params{Jc: 4, Jmin: 40, Jmax: 70, H1: 1, H2: 2, H3: 3, H4: 4},
		Host:      "vpn.example.org",
		Port:      51821,
	})
	notes := &recordingNotifier{}
	svc := subscription.New(subscription.Options{
		Store:              s,
		Devices:            mgr,
		Notifier:           notes,
		Plans:              subscription.Plans(199, 499, 1490),
		DefaultQuota:       2,
		ReferralThreshold:  2,
		ReferralRewardDays: 30,
		Now:                func() time.Time { return now },
	})
	return fixture{svc: svc, store: s, backend: be, notes: notes}
}

func register(t *testing.T, f fixture, id int64, referrer *int64) *models.Account {
	t.Helper()
	acc, _, err := f.svc.Register(context.Background(), id, "user", referrer)
	if err != nil {
		t.Fatalf("Register %d: %v", id, err)
	}
	return acc
}

func TestRegister(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	acc, created, err := f.svc.Register(ctx, 1, "alice", nil)
	if err != nil || !created || acc.DeviceQuota != 2 {
		t.Fatalf("Register = %+v, %v, %v", acc, created, err)
	}
	_, created, err = f.svc.Register(ctx, 1, "alice", nil)
	if err != nil || created {
		t.Fatalf("second Register created=%v err=%v", created, err)
	}

	self := register(t, f, 2, testutil.Ptr[int64](2))
	if self.ReferrerID != nil {
		t.Fatalf("self referral kept")
	}
	unknown := register(t, f, 3, testutil.Ptr[int64](404))
	if unknown.ReferrerID != nil {
		t.Fatalf("unknown referrer kept")
	}
	invited := register(t, f, 4, testutil.Ptr[int64](1))
	if invited.ReferrerID == nil || *invited.ReferrerID != 1 {
		t.Fatalf("referrer lost: %+v", invited.ReferrerID)
	}
}

func TestApplyPayment_ExtendsRecordsAndProvisions(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	acc := register(t, f, 1, nil)

	res, err := f.svc.ApplyPayment(ctx, 1, "sub_30", 0, map[string]any{"charge_id": "ch_1"})
	if err != nil {
		t.Fatalf("ApplyPayment: %v", err)
	}
	if !res.End.Equal(now.AddDate(0, 0, 30)) {
		t.Fatalf("end = %s", res.End)
	}
	if res.DevicePending || res.Peer == nil || res.Peer.Address != "10.9.0.2" {
		t.Fatalf("device = %+v pending=%v", res.Peer, res.DevicePending)
	}

	txs, err := f.store.ListTransactions(ctx, acc.ID)
	if err != nil || len(txs) != 1 {
		t.Fatalf("transactions = %+v, %v", txs, err)
	}
	if txs[0].Amount != 19900 || txs[0].Days != 30 || txs[0].Source != models.SourcePayment || len(txs[0].Meta) == 0 {
		t.Fatalf("transaction = %+v", txs[0])
	}

	// продление не выдаёт второе устройство
	res, err = f.svc.ApplyPayment(ctx, 1, "sub_90", 49900, nil)
	if err != nil {
		t.Fatalf("second payment: %v", err)
	}
	if !res.End.Equal(now.AddDate(0, 0, 120)) || res.Peer != nil {
		t.Fatalf("second result = %+v", res)
	}
	if n := len(f.backend.Peers()); n != 1 {
		t.Fatalf("peers on interface = %d", n)
	}
}

func TestApplyPayment_UnknownPlanAndAccount(t *testing.T) {
	f := setup(t)
	register(t, f, 1, nil)
	if _, err := f.svc.ApplyPayment(context.Background(), 1, "sub_7", 0, nil); !errors.Is(err, subscription.ErrUnknownPlan) {
		t.Fatalf("expected ErrUnknownPlan, got %v", err)
	}
	if _, err := f.svc.ApplyPayment(context.Background(), 99, "sub_30", 0, nil); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestApplyPayment_DevicePendingWhenInterfaceDown(t *testing.T) {
	f := setup(t)
	acc := register(t, f, 1, nil)
	f.backend.SetUp(false)

	res, err := f.svc.ApplyPayment(context.Background(), 1, "sub_30", 0, nil)
	if err != nil {
		t.Fatalf("payment must commit: %v", err)
	}
	if !res.DevicePending || !errors.Is(res.ProvisionErr, wireguard.ErrInterfaceUnavailable) {
		t.Fatalf("result = %+v", res)
	}
	got, _ := f.store.GetAccountByID(context.Background(), acc.ID)
	if !got.SubscribedAt(now) {
		t.Fatalf("subscription not extended")
	}
}

func TestReferralReward(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ref := register(t, f, 1, nil)
	register(t, f, 2, testutil.Ptr[int64](1))
	register(t, f, 3, testutil.Ptr[int64](1))

	if _, err := f.svc.ApplyPayment(ctx, 2, "sub_30", 0, nil); err != nil {
		t.Fatalf("payment 2: %v", err)
	}
	got, _ := f.store.GetAccountByID(ctx, ref.ID)
	if got.ReferralCount != 1 || got.SubscriptionEnd != nil {
		t.Fatalf("after first invitee: %+v", got)
	}

	if _, err := f.svc.ApplyPayment(ctx, 3, "sub_30", 0, nil); err != nil {
		t.Fatalf("payment 3: %v", err)
	}
	got, _ = f.store.GetAccountByID(ctx, ref.ID)
	if got.ReferralCount != 0 {
		t.Fatalf("counter not reset: %d", got.ReferralCount)
	}
	if got.SubscriptionEnd == nil || !got.SubscriptionEnd.Equal(now.AddDate(0, 0, 30)) {
		t.Fatalf("reward end = %v", got.SubscriptionEnd)
	}
	if f.notes.sent[1] != 1 {
		t.Fatalf("referrer notifications = %d", f.notes.sent[1])
	}
	txs, _ := f.store.ListTransactions(ctx, ref.ID)
	if len(txs) != 1 || txs[0].Source != models.SourceReferral || txs[0].Amount != 0 {
		t.Fatalf("referral transaction = %+v", txs)
	}
}

func TestGrantDisableQuotaStats(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	acc := register(t, f, 1, nil)
	register(t, f, 2, nil)

	if _, err := f.svc.Grant(ctx, 1, 0); !errors.Is(err, subscription.ErrInvalidDays) {
		t.Fatalf("expected ErrInvalidDays, got %v", err)
	}
	res, err := f.svc.Grant(ctx, 1, 7)
	if err != nil || !res.End.Equal(now.AddDate(0, 0, 7)) {
		t.Fatalf("Grant = %+v, %v", res, err)
	}

	st, err := f.svc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Accounts != 2 || st.ActiveSubscriptions != 1 || st.ActivePeers != 1 {
		t.Fatalf("stats = %+v", st)
	}

	q, err := f.svc.IncreaseQuota(ctx, 1, 2)
	if err != nil || q != 4 {
		t.Fatalf("IncreaseQuota = %d, %v", q, err)
	}
	if _, err := f.svc.IncreaseQuota(ctx, 1, 0); !errors.Is(err, subscription.ErrInvalidDelta) {
		t.Fatalf("expected ErrInvalidDelta, got %v", err)
	}

	if err := f.svc.Disable(ctx, 1); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	expired, err := f.store.ListExpired(ctx, now.Add(time.Second))
	if err != nil || len(expired) != 1 || expired[0].AccountID != acc.ID {
		t.Fatalf("ListExpired after disable = %+v, %v", expired, err)
	}
}
