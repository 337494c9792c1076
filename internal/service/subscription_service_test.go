package service

import (
	"context"
	"errors"
	"testing"

	"github.com/kursadbilgin/webhook-dispatcher/internal/domain"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newTestSubscriptionService(t *testing.T, repo *fakeSubscriptionRepo) (*SubscriptionService, *[]domain.SubscriptionChange) {
	t.Helper()

	svc, err := NewSubscriptionService(repo, zap.NewNop())
	if err != nil {
		t.Fatalf("NewSubscriptionService() error = %v", err)
	}

	var changes []domain.SubscriptionChange
	svc.AddListener(func(ctx context.Context, change domain.SubscriptionChange) error {
		changes = append(changes, change)
		return nil
	})
	return svc, &changes
}

func TestSubscriptionServiceCreateNotifiesAfterCommit(t *testing.T) {
	t.Parallel()

	repo := newFakeSubscriptionRepo()
	svc, changes := newTestSubscriptionService(t, repo)

	sub := registrySubscription("", "call_created")
	sub.Name = "crm"
	created, err := svc.Create(context.Background(), &sub)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if created.UUID == "" {
		t.Fatal("Create() should assign a uuid")
	}
	if _, err := repo.GetByUUID(context.Background(), created.UUID); err != nil {
		t.Fatalf("subscription not persisted: %v", err)
	}

	if len(*changes) != 1 {
		t.Fatalf("changes = %d, want 1", len(*changes))
	}
	change := (*changes)[0]
	if change.Kind != domain.ChangeCreated || change.New == nil || change.New.UUID != created.UUID || change.Old != nil {
		t.Fatalf("change = %+v", change)
	}
}

func TestSubscriptionServiceCreateValidationAndPersistFailure(t *testing.T) {
	t.Parallel()

	repo := newFakeSubscriptionRepo()
	svc, changes := newTestSubscriptionService(t, repo)

	invalid := domain.Subscription{Name: "x", Service: "http"}
	if _, err := svc.Create(context.Background(), &invalid); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("Create(invalid) error = %v, want ErrValidation", err)
	}

	repo.createFn = func(ctx context.Context, s *domain.Subscription) error {
		return errors.New("db down")
	}
	sub := registrySubscription("sub-a", "call_created")
	if _, err := svc.Create(context.Background(), &sub); err == nil {
		t.Fatal("Create() expected persist error")
	}

	if len(*changes) != 0 {
		t.Fatalf("changes = %d, want none for failed creates", len(*changes))
	}
}

func TestSubscriptionServiceUpdateCarriesOldAndNew(t *testing.T) {
	t.Parallel()

	repo := newFakeSubscriptionRepo(registrySubscription("sub-a", "call_created"))
	svc, changes := newTestSubscriptionService(t, repo)

	update := registrySubscription("sub-a", "call_ended")
	if _, err := svc.Update(context.Background(), &update); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if len(*changes) != 1 {
		t.Fatalf("changes = %d, want 1", len(*changes))
	}
	change := (*changes)[0]
	if change.Kind != domain.ChangeUpdated || change.Old.Events[0] != "call_created" || change.New.Events[0] != "call_ended" {
		t.Fatalf("change = %+v", change)
	}

	missing := registrySubscription("missing", "call_created")
	if _, err := svc.Update(context.Background(), &missing); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Update(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSubscriptionServiceDelete(t *testing.T) {
	t.Parallel()

	repo := newFakeSubscriptionRepo(registrySubscription("sub-a", "call_created"))
	svc, changes := newTestSubscriptionService(t, repo)

	if err := svc.Delete(context.Background(), "sub-a"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := svc.Delete(context.Background(), "sub-a"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Delete() second error = %v, want ErrNotFound", err)
	}

	if len(*changes) != 1 || (*changes)[0].Kind != domain.ChangeDeleted || (*changes)[0].Old.UUID != "sub-a" {
		t.Fatalf("changes = %+v", *changes)
	}
}

func TestSubscriptionServiceDeleteByOwner(t *testing.T) {
	t.Parallel()

	userSub := registrySubscription("sub-a", "call_created")
	userSub.OwnerUserUUID = strPtr("user-1")
	otherUser := registrySubscription("sub-b", "call_created")
	otherUser.OwnerUserUUID = strPtr("user-2")
	otherTenant := registrySubscription("sub-c", "call_created")
	otherTenant.OwnerTenantUUID = "tenant-2"

	repo := newFakeSubscriptionRepo(userSub, otherUser, otherTenant)
	svc, changes := newTestSubscriptionService(t, repo)

	n, err := svc.DeleteByOwnerUser(context.Background(), "tenant-1", "user-1")
	if err != nil || n != 1 {
		t.Fatalf("DeleteByOwnerUser() = %d, %v; want 1, nil", n, err)
	}

	n, err = svc.DeleteByOwnerTenant(context.Background(), "tenant-1")
	if err != nil || n != 1 {
		t.Fatalf("DeleteByOwnerTenant() = %d, %v; want 1, nil", n, err)
	}

	if len(*changes) != 2 {
		t.Fatalf("changes = %d, want 2", len(*changes))
	}
	if (*changes)[0].Old.UUID != "sub-a" || (*changes)[1].Old.UUID != "sub-b" {
		t.Fatalf("changes = %+v", *changes)
	}

	if _, err := svc.DeleteByOwnerTenant(context.Background(), " "); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("DeleteByOwnerTenant(empty) error = %v, want ErrValidation", err)
	}
}

func TestSubscriptionServiceListenerErrorIsLogged(t *testing.T) {
	t.Parallel()

	core, recorded := observer.New(zap.ErrorLevel)
	svc, err := NewSubscriptionService(newFakeSubscriptionRepo(), zap.New(core))
	if err != nil {
		t.Fatalf("NewSubscriptionService() error = %v", err)
	}

	var second bool
	svc.AddListener(func(ctx context.Context, change domain.SubscriptionChange) error {
		return errors.New("bind failed")
	})
	svc.AddListener(func(ctx context.Context, change domain.SubscriptionChange) error {
		second = true
		return nil
	})

	sub := registrySubscription("sub-a", "call_created")
	if _, err := svc.Create(context.Background(), &sub); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if !second {
		t.Fatal("second listener should still run")
	}
	if got := recorded.FilterMessage("subscription change listener failed").Len(); got != 1 {
		t.Fatalf("listener failure logs = %d, want 1", got)
	}
}

func TestSubscriptionServiceWiresRegistry(t *testing.T) {
	t.Parallel()

	eventBus := newFakeBus()
	repo := newFakeSubscriptionRepo()
	svc, err := NewSubscriptionService(repo, zap.NewNop())
	if err != nil {
		t.Fatalf("NewSubscriptionService() error = %v", err)
	}
	registry, err := NewSubscriptionRegistry(eventBus, repo, &fakeSubmitter{}, masterTenant, zap.NewNop())
	if err != nil {
		t.Fatalf("NewSubscriptionRegistry() error = %v", err)
	}
	svc.AddListener(registry.OnChange)

	sub := registrySubscription("sub-a", "call_created", "call_ended")
	if _, err := svc.Create(context.Background(), &sub); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if got := eventBus.liveCount(); got != 2 {
		t.Fatalf("live bindings = %d, want 2", got)
	}

	if err := svc.Delete(context.Background(), "sub-a"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if got := eventBus.liveCount(); got != 0 {
		t.Fatalf("live bindings = %d, want 0", got)
	}
}
