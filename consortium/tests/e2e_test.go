package tests

import (
	"context"
	"testing"
	"time"

	"consortium_platform/consortium/purview"
	"consortium_platform/consortium/schema"
)

// Full lifecycle: institution A lists a product via catalog sync, a user from
// institution B requests access, the external workflow approves, and auto
// fulfillment provisions the cross-tenant shortcut.
func TestAccessRequestLifecycle(t *testing.T) {
	env := setupTestEnv(t)

	admin := env.adminClient(t)

	instA, err := admin.registerInstitution(registerArgs("inst-a", "tenant-a"))
	if err != nil {
		t.Fatal(err)
	}
	instB, err := admin.registerInstitution(registerArgs("inst-b", "tenant-b"))
	if err != nil {
		t.Fatal(err)
	}

	consented := updateInstitutionArgs{
		registerInstitutionArgs: registerArgs("inst-a", "tenant-a"),
		IsActive:                true,
		ConsentGranted:          true,
	}
	if _, err := admin.updateInstitution(instA.Id, consented); err != nil {
		t.Fatal(err)
	}

	result := syncResult("inst-a://p1", "Clinical Trials", "health")
	result.SourceLakehouseId = "lakehouse-p1"
	env.scanner.SetResults("inst-a-catalog", []purview.SyncResult{result})

	if err := env.newOrchestrator().ScanInstitution(context.Background(), instA.Id, ""); err != nil {
		t.Fatal(err)
	}

	user := env.tenantUserClient(t, "userB", "tenant-b")

	products, err := user.listProducts("")
	if err != nil {
		t.Fatal(err)
	}
	if len(products) != 1 {
		t.Fatalf("expected the synced product listed, got %+v", products)
	}

	before := time.Now().UTC()
	request := env.submitRequest(t, user, products[0].Id, 30)
	if request.Status != schema.Submitted {
		t.Fatalf("expected Submitted, got %v", request.Status)
	}

	env.workflow.SetRunStatus(request.WorkflowRunId, purview.RunStatusResult{
		RunStatus: "Completed", ApprovalOutcome: "Approved",
	})

	requests, err := user.listRequests("")
	if err != nil {
		t.Fatal(err)
	}
	final := requests[0]
	if final.Status != schema.Fulfilled {
		t.Fatalf("expected Fulfilled after reconcile + auto fulfillment, got %v", final.Status)
	}
	if !final.ShortcutCreated || final.ExternalShareId == "" || final.ShortcutName != "Clinical_Trials" {
		t.Fatalf("unexpected fulfillment state: %+v", final)
	}

	if final.ExpirationDate == nil {
		t.Fatal("expected expiration date")
	}
	expected := before.AddDate(0, 0, 30)
	if final.ExpirationDate.Before(expected) || final.ExpirationDate.After(expected.Add(time.Minute)) {
		t.Fatalf("expected expiration near %v, got %v", expected, final.ExpirationDate)
	}

	// The requesting institution was resolved from the caller's tenant.
	stored := env.loadRequest(t, request.Id)
	if stored.RequestingInstitutionId == nil || *stored.RequestingInstitutionId != instB.Id {
		t.Fatalf("expected requesting institution resolved, got %+v", stored.RequestingInstitutionId)
	}
}

// Same lifecycle, but the shortcut phase fails: the request stays Approved
// with the share recorded, and a manual retry completes it without a second
// share.
func TestAccessRequestLifecyclePartialFulfillment(t *testing.T) {
	env := setupTestEnv(t)

	institution := env.seedInstitution(t, "inst-a", "tenant-a")
	product := env.seedProduct(t, institution, "inst-a://p1", "Clinical Trials")

	user := env.tenantUserClient(t, "userB", "tenant-b")
	admin := env.adminClient(t)

	request := env.submitRequest(t, user, product.Id, 30)

	env.workflow.SetRunStatus(request.WorkflowRunId, purview.RunStatusResult{
		RunStatus: "Completed", ApprovalOutcome: "Approved",
	})
	env.shortcuts.FailShortcutPhase(true)

	requests, err := user.listRequests("")
	if err != nil {
		t.Fatal(err)
	}
	partial := requests[0]
	if partial.Status != schema.Approved {
		t.Fatalf("expected Approved after partial fulfillment, got %v", partial.Status)
	}
	if partial.ExternalShareId == "" || partial.ShortcutCreated {
		t.Fatalf("expected share recorded without a shortcut, got %+v", partial)
	}
	if partial.FulfillmentError == "" {
		t.Fatal("expected the partial failure recorded")
	}

	env.shortcuts.FailShortcutPhase(false)

	report, err := admin.retryFulfillment(request.Id)
	if err != nil {
		t.Fatal(err)
	}
	if report.ShareId != partial.ExternalShareId {
		t.Fatalf("expected retry to reuse share %v, got %v", partial.ExternalShareId, report.ShareId)
	}
	if env.shortcuts.SharesCreated() != 1 {
		t.Fatalf("expected exactly one share provisioned, got %d", env.shortcuts.SharesCreated())
	}

	final, err := user.getRequest(request.Id)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != schema.Fulfilled || !final.ShortcutCreated {
		t.Fatalf("expected Fulfilled after retry, got %+v", final)
	}
}
