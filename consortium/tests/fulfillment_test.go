package tests

import (
	"context"
	"errors"
	"testing"
	"time"

	"consortium_platform/consortium/schema"
	"consortium_platform/consortium/services"

	"github.com/google/uuid"
)

// seedApprovedRequest creates a request already approved and ready for
// fulfillment.
func (e *testEnv) seedApprovedRequest(t *testing.T, product schema.DataProduct, durationDays int) schema.AccessRequest {
	tenant := "tenant-b"
	request := schema.AccessRequest{
		Id:                    uuid.New(),
		DataProductId:         product.Id,
		RequestingUserId:      "user1",
		RequestingUserEmail:   "user1@mail.com",
		RequestingUserName:    "user1",
		RequestingTenantId:    &tenant,
		TargetWorkspaceId:     strPtr("target-workspace"),
		TargetLakehouseId:     strPtr("target-lakehouse"),
		BusinessJustification: "research",
		RequestedDurationDays: &durationDays,
		Status:                schema.Approved,
		StatusChangedAt:       time.Now().UTC(),
		StatusChangedBy:       "admin123",
	}
	if result := e.db.Create(&request); result.Error != nil {
		t.Fatal(result.Error)
	}
	return request
}

func (e *testEnv) newFulfiller(variables services.Variables) *services.Fulfiller {
	return services.NewFulfiller(e.db, e.shortcuts, e.notifier, variables)
}

func TestFulfillSuccess(t *testing.T) {
	env := setupTestEnv(t)

	institution := env.seedInstitution(t, "inst-a", "tenant-a")
	product := env.seedProduct(t, institution, "inst-a://p1", "Clinical Trials")
	request := env.seedApprovedRequest(t, product, 30)

	before := time.Now().UTC()

	report, err := env.newFulfiller(env.variables).Fulfill(context.Background(), request.Id, "admin123")
	if err != nil {
		t.Fatal(err)
	}
	if report.Outcome != services.FulfillmentSucceeded {
		t.Fatalf("expected success, got %+v", report)
	}

	stored := env.loadRequest(t, request.Id)
	if stored.Status != schema.Fulfilled {
		t.Fatalf("expected Fulfilled, got %v", stored.Status)
	}
	if !stored.ShortcutCreated || stored.ExternalShareId == "" || stored.ShortcutName != "Clinical_Trials" {
		t.Fatalf("unexpected fulfillment state: %+v", stored)
	}

	if stored.ExpirationDate == nil {
		t.Fatal("expected expiration date computed from requested duration")
	}
	expected := before.AddDate(0, 0, 30)
	if stored.ExpirationDate.Before(expected) || stored.ExpirationDate.After(expected.Add(time.Minute)) {
		t.Fatalf("expected expiration near %v, got %v", expected, stored.ExpirationDate)
	}

	// The consumer is notified that access is ready.
	sent := env.notifier.Sent()
	if len(sent) != 1 || sent[0].Recipient != "user1@mail.com" || sent[0].Status != schema.Fulfilled {
		t.Fatalf("expected a fulfillment notification, got %+v", sent)
	}
}

func TestFulfillWithoutDurationHasNoExpiration(t *testing.T) {
	env := setupTestEnv(t)

	institution := env.seedInstitution(t, "inst-a", "tenant-a")
	product := env.seedProduct(t, institution, "inst-a://p1", "Clinical Trials")

	tenant := "tenant-b"
	request := schema.AccessRequest{
		Id:                    uuid.New(),
		DataProductId:         product.Id,
		RequestingUserId:      "user1",
		RequestingUserEmail:   "user1@mail.com",
		RequestingUserName:    "user1",
		RequestingTenantId:    &tenant,
		TargetWorkspaceId:     strPtr("target-workspace"),
		TargetLakehouseId:     strPtr("target-lakehouse"),
		BusinessJustification: "research",
		Status:                schema.Approved,
		StatusChangedAt:       time.Now().UTC(),
		StatusChangedBy:       "admin123",
	}
	if result := env.db.Create(&request); result.Error != nil {
		t.Fatal(result.Error)
	}

	if _, err := env.newFulfiller(env.variables).Fulfill(context.Background(), request.Id, "admin123"); err != nil {
		t.Fatal(err)
	}

	stored := env.loadRequest(t, request.Id)
	if stored.Status != schema.Fulfilled || stored.ExpirationDate != nil {
		t.Fatalf("expected open-ended fulfillment, got %+v", stored)
	}
}

func TestFulfillShareFailure(t *testing.T) {
	env := setupTestEnv(t)

	institution := env.seedInstitution(t, "inst-a", "tenant-a")
	product := env.seedProduct(t, institution, "inst-a://p1", "Clinical Trials")
	request := env.seedApprovedRequest(t, product, 30)

	env.shortcuts.FailSharePhase(true)

	report, err := env.newFulfiller(env.variables).Fulfill(context.Background(), request.Id, "admin123")
	if err != nil {
		t.Fatal(err)
	}
	if report.Outcome != services.FulfillmentFailed {
		t.Fatalf("expected failure outcome, got %+v", report)
	}

	// Nothing changed beyond the recorded diagnostic.
	stored := env.loadRequest(t, request.Id)
	if stored.Status != schema.Approved || stored.ShortcutCreated || stored.ExternalShareId != "" {
		t.Fatalf("expected request untouched after share failure, got %+v", stored)
	}
	if stored.FulfillmentError == "" {
		t.Fatal("expected fulfillment error recorded")
	}
}

func TestFulfillPartialThenRetry(t *testing.T) {
	env := setupTestEnv(t)

	institution := env.seedInstitution(t, "inst-a", "tenant-a")
	product := env.seedProduct(t, institution, "inst-a://p1", "Clinical Trials")
	request := env.seedApprovedRequest(t, product, 30)

	fulfiller := env.newFulfiller(env.variables)

	env.shortcuts.FailShortcutPhase(true)

	report, err := fulfiller.Fulfill(context.Background(), request.Id, "admin123")
	if err != nil {
		t.Fatal(err)
	}
	if report.Outcome != services.FulfillmentPartial || report.ShareId == "" {
		t.Fatalf("expected partial success with a share id, got %+v", report)
	}

	stored := env.loadRequest(t, request.Id)
	if stored.Status != schema.Approved || stored.ShortcutCreated {
		t.Fatalf("expected request to remain Approved without a shortcut, got %+v", stored)
	}
	if stored.ExternalShareId != report.ShareId {
		t.Fatalf("expected share id persisted, got %v", stored.ExternalShareId)
	}

	// The retry finishes the shortcut against the already created share.
	env.shortcuts.FailShortcutPhase(false)

	retried, err := fulfiller.Fulfill(context.Background(), request.Id, "admin123")
	if err != nil {
		t.Fatal(err)
	}
	if retried.Outcome != services.FulfillmentSucceeded || retried.ShareId != report.ShareId {
		t.Fatalf("expected retry to reuse share %v, got %+v", report.ShareId, retried)
	}

	if env.shortcuts.SharesCreated() != 1 {
		t.Fatalf("expected exactly one share provisioned, got %d", env.shortcuts.SharesCreated())
	}

	stored = env.loadRequest(t, request.Id)
	if stored.Status != schema.Fulfilled || !stored.ShortcutCreated || stored.FulfillmentError != "" {
		t.Fatalf("unexpected state after retry: %+v", stored)
	}
}

func TestFulfillIdempotentOnceShortcutCreated(t *testing.T) {
	env := setupTestEnv(t)

	institution := env.seedInstitution(t, "inst-a", "tenant-a")
	product := env.seedProduct(t, institution, "inst-a://p1", "Clinical Trials")
	request := env.seedApprovedRequest(t, product, 30)

	fulfiller := env.newFulfiller(env.variables)

	if _, err := fulfiller.Fulfill(context.Background(), request.Id, "admin123"); err != nil {
		t.Fatal(err)
	}
	calls := env.shortcuts.Calls()

	report, err := fulfiller.Fulfill(context.Background(), request.Id, "admin123")
	if err != nil {
		t.Fatal(err)
	}
	if report.Outcome != services.FulfillmentSucceeded {
		t.Fatalf("expected success report for an already fulfilled request, got %+v", report)
	}
	if env.shortcuts.Calls() != calls {
		t.Fatal("expected no further provisioning calls once the shortcut exists")
	}
}

func TestFulfillRequiresApproval(t *testing.T) {
	env := setupTestEnv(t)

	institution := env.seedInstitution(t, "inst-a", "tenant-a")
	product := env.seedProduct(t, institution, "inst-a://p1", "Clinical Trials")

	user := env.tenantUserClient(t, "user1", "tenant-b")
	request := env.submitRequest(t, user, product.Id, 30)

	_, err := env.newFulfiller(env.variables).Fulfill(context.Background(), request.Id, "admin123")
	if err == nil {
		t.Fatal("expected fulfillment of a submitted request to fail")
	}

	if _, err := env.newFulfiller(env.variables).Fulfill(context.Background(), uuid.New(), "admin123"); err == nil {
		t.Fatal("expected fulfillment of an unknown request to fail")
	}
}

func TestFulfillPreconditions(t *testing.T) {
	env := setupTestEnv(t)

	institution := env.seedInstitution(t, "inst-a", "tenant-a")
	product := env.seedProduct(t, institution, "inst-a://p1", "Clinical Trials")

	fulfiller := env.newFulfiller(env.variables)

	check := func(t *testing.T, request schema.AccessRequest, expected error) {
		if result := env.db.Create(&request); result.Error != nil {
			t.Fatal(result.Error)
		}
		_, err := fulfiller.Fulfill(context.Background(), request.Id, "admin123")
		if !errors.Is(err, expected) {
			t.Fatalf("expected %v, got %v", expected, err)
		}
		if stored := env.loadRequest(t, request.Id); stored.Status != schema.Approved {
			t.Fatalf("expected precondition failure to leave the request Approved, got %v", stored.Status)
		}
	}

	base := func() schema.AccessRequest {
		tenant := "tenant-b"
		return schema.AccessRequest{
			Id:                    uuid.New(),
			DataProductId:         product.Id,
			RequestingUserId:      "user1",
			RequestingUserEmail:   "user1@mail.com",
			RequestingUserName:    "user1",
			RequestingTenantId:    &tenant,
			TargetWorkspaceId:     strPtr("target-workspace"),
			TargetLakehouseId:     strPtr("target-lakehouse"),
			BusinessJustification: "research",
			Status:                schema.Approved,
			StatusChangedAt:       time.Now().UTC(),
			StatusChangedBy:       "admin123",
		}
	}

	t.Run("no target workspace", func(t *testing.T) {
		request := base()
		request.TargetWorkspaceId = nil
		check(t, request, services.ErrNoTargetWorkspace)
	})

	t.Run("no target lakehouse", func(t *testing.T) {
		request := base()
		request.TargetLakehouseId = nil
		check(t, request, services.ErrNoTargetLakehouse)
	})

	t.Run("no recipient tenant", func(t *testing.T) {
		request := base()
		request.RequestingTenantId = nil
		check(t, request, services.ErrNoRecipientTenant)
	})

	t.Run("no source workspace", func(t *testing.T) {
		noWorkspace := env.seedInstitution(t, "inst-c", "tenant-c")
		env.db.Model(&schema.Institution{}).Where("id = ?", noWorkspace.Id).Update("workspace_id", nil)
		other := env.seedProduct(t, noWorkspace, "inst-c://p1", "Other Product")

		request := base()
		request.DataProductId = other.Id
		check(t, request, services.ErrNoSourceWorkspace)
	})

	t.Run("no source item", func(t *testing.T) {
		bare := env.seedProduct(t, institution, "inst-a://p2", "Bare Product")
		env.db.Model(&schema.DataProduct{}).Where("id = ?", bare.Id).Update("source_lakehouse_id", nil)

		request := base()
		request.DataProductId = bare.Id
		check(t, request, services.ErrNoSourceItem)
	})
}

func TestFulfillSourceItemOverride(t *testing.T) {
	env := setupTestEnvWith(t, services.Variables{SourceItemOverride: "override-item"})

	institution := env.seedInstitution(t, "inst-a", "tenant-a")
	product := env.seedProduct(t, institution, "inst-a://p1", "Clinical Trials")
	env.db.Model(&schema.DataProduct{}).Where("id = ?", product.Id).Update("source_lakehouse_id", nil)

	request := env.seedApprovedRequest(t, product, 30)

	if _, err := env.newFulfiller(env.variables).Fulfill(context.Background(), request.Id, "admin123"); err != nil {
		t.Fatal(err)
	}

	if env.shortcuts.Calls() != 1 {
		t.Fatalf("expected one provisioning call, got %d", env.shortcuts.Calls())
	}
}

func TestRetryFulfillmentEndpoint(t *testing.T) {
	env := setupTestEnv(t)

	institution := env.seedInstitution(t, "inst-a", "tenant-a")
	product := env.seedProduct(t, institution, "inst-a://p1", "Clinical Trials")
	request := env.seedApprovedRequest(t, product, 30)

	user := env.userClient(t, "user1")
	admin := env.adminClient(t)

	// Retry is an admin operation.
	if _, err := user.retryFulfillment(request.Id); err == nil {
		t.Fatal("expected retry to be admin only")
	}

	report, err := admin.retryFulfillment(request.Id)
	if err != nil {
		t.Fatal(err)
	}
	if report.Outcome != services.FulfillmentSucceeded {
		t.Fatalf("expected success, got %+v", report)
	}

	// Fulfilled requests cannot be retried again.
	if _, err := admin.retryFulfillment(request.Id); err == nil {
		t.Fatal("expected retry of a fulfilled request to be rejected")
	}
}
