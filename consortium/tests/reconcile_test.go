package tests

import (
	"context"
	"testing"
	"time"

	"consortium_platform/consortium/purview"
	"consortium_platform/consortium/schema"
	"consortium_platform/consortium/services"

	"github.com/google/uuid"
)

func (e *testEnv) newReconciler(variables services.Variables) *services.Reconciler {
	fulfiller := services.NewFulfiller(e.db, e.shortcuts, e.notifier, variables)
	return services.NewReconciler(e.db, e.workflow, fulfiller, variables)
}

func TestReconcileOutcomeMapping(t *testing.T) {
	cases := []struct {
		name      string
		runStatus string
		outcome   string
		expected  string
	}{
		{"approved outcome", "Completed", "Approved", schema.Approved},
		{"rejected outcome", "Completed", "Rejected", schema.Denied},
		{"denied outcome", "completed", "denied", schema.Denied},
		{"reject outcome", "Completed", "Reject", schema.Denied},
		{"other outcome", "Completed", "SignedOff", schema.Approved},
		{"cancelled run", "Canceled", "", schema.Cancelled},
		{"in progress run", "InProgress", "", schema.Submitted},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			env := setupTestEnvWith(t, services.Variables{})

			institution := env.seedInstitution(t, "inst-a", "tenant-a")
			product := env.seedProduct(t, institution, "inst-a://p1", "Clinical Trials")

			user := env.userClient(t, "user1")
			request := env.submitRequest(t, user, product.Id, 30)

			env.workflow.SetRunStatus(request.WorkflowRunId, purview.RunStatusResult{
				RunStatus: c.runStatus, ApprovalOutcome: c.outcome,
			})

			env.newReconciler(env.variables).ReconcileAll(context.Background())

			stored := env.loadRequest(t, request.Id)
			if stored.Status != c.expected {
				t.Fatalf("expected status %v, got %v", c.expected, stored.Status)
			}
			if stored.WorkflowStatus != c.runStatus {
				t.Fatalf("expected workflow status %v recorded, got %v", c.runStatus, stored.WorkflowStatus)
			}
			if stored.Status != schema.Submitted && stored.StatusChangedBy != schema.WorkflowActor {
				t.Fatalf("expected workflow-driven transition attribution, got %v", stored.StatusChangedBy)
			}
		})
	}
}

func TestReconcileMissingOutcomePolicy(t *testing.T) {
	// A completed run that reports no approval outcome is approved unless
	// the deny policy is set, in which case it is left for an operator.
	for _, deny := range []bool{false, true} {
		env := setupTestEnvWith(t, services.Variables{DenyOnMissingOutcome: deny})

		institution := env.seedInstitution(t, "inst-a", "tenant-a")
		product := env.seedProduct(t, institution, "inst-a://p1", "Clinical Trials")

		user := env.userClient(t, "user1")
		request := env.submitRequest(t, user, product.Id, 30)

		env.workflow.SetRunStatus(request.WorkflowRunId, purview.RunStatusResult{RunStatus: "Completed"})

		env.newReconciler(env.variables).ReconcileAll(context.Background())

		stored := env.loadRequest(t, request.Id)
		expected := schema.Approved
		if deny {
			expected = schema.Submitted
		}
		if stored.Status != expected {
			t.Fatalf("deny-on-missing-outcome=%v: expected %v, got %v", deny, expected, stored.Status)
		}
	}
}

func TestReconcileDefaultApprovesMissingOutcome(t *testing.T) {
	// Default configuration: no policy knobs set at all.
	env := setupTestEnvWith(t, services.Variables{})

	institution := env.seedInstitution(t, "inst-a", "tenant-a")
	product := env.seedProduct(t, institution, "inst-a://p1", "Clinical Trials")

	user := env.userClient(t, "user1")
	request := env.submitRequest(t, user, product.Id, 30)

	env.workflow.SetRunStatus(request.WorkflowRunId, purview.RunStatusResult{RunStatus: "Completed"})

	env.newReconciler(env.variables).ReconcileAll(context.Background())

	stored := env.loadRequest(t, request.Id)
	if stored.Status != schema.Approved {
		t.Fatalf("expected completed run without an outcome to approve by default, got %v", stored.Status)
	}
	if stored.StatusChangedBy != schema.WorkflowActor {
		t.Fatalf("expected workflow-driven transition attribution, got %v", stored.StatusChangedBy)
	}
}

func TestReconcileOnlyFromSubmitted(t *testing.T) {
	env := setupTestEnvWith(t, services.Variables{})

	institution := env.seedInstitution(t, "inst-a", "tenant-a")
	product := env.seedProduct(t, institution, "inst-a://p1", "Clinical Trials")

	user := env.userClient(t, "user1")
	admin := env.adminClient(t)

	request := env.submitRequest(t, user, product.Id, 30)

	if _, err := admin.updateStatus(request.Id, schema.UnderReview, "", ""); err != nil {
		t.Fatal(err)
	}

	env.workflow.SetRunStatus(request.WorkflowRunId, purview.RunStatusResult{
		RunStatus: "Completed", ApprovalOutcome: "Approved",
	})

	env.newReconciler(env.variables).ReconcileAll(context.Background())

	// A request already moved by an operator is not touched by the workflow,
	// only its recorded run status advances.
	stored := env.loadRequest(t, request.Id)
	if stored.Status != schema.UnderReview {
		t.Fatalf("expected UnderReview to be preserved, got %v", stored.Status)
	}
	if stored.WorkflowStatus != "Completed" {
		t.Fatalf("expected workflow status recorded, got %v", stored.WorkflowStatus)
	}
}

func TestReconcileIdempotence(t *testing.T) {
	env := setupTestEnvWith(t, services.Variables{})

	institution := env.seedInstitution(t, "inst-a", "tenant-a")
	product := env.seedProduct(t, institution, "inst-a://p1", "Clinical Trials")

	user := env.userClient(t, "user1")
	request := env.submitRequest(t, user, product.Id, 30)

	reconciler := env.newReconciler(env.variables)

	// First sweep records the InProgress run status.
	reconciler.ReconcileAll(context.Background())
	first := env.loadRequest(t, request.Id)

	// A sweep with an unchanged run status performs zero writes.
	reconciler.ReconcileAll(context.Background())
	second := env.loadRequest(t, request.Id)

	if !second.UpdatedAt.Equal(first.UpdatedAt) {
		t.Fatal("expected no write when the run status is unchanged")
	}
	if second.Status != schema.Submitted || second.WorkflowStatus != "InProgress" {
		t.Fatalf("unexpected request state: %v / %v", second.Status, second.WorkflowStatus)
	}
}

func TestReconcileStopsPollingTerminalRuns(t *testing.T) {
	env := setupTestEnvWith(t, services.Variables{})

	institution := env.seedInstitution(t, "inst-a", "tenant-a")
	product := env.seedProduct(t, institution, "inst-a://p1", "Clinical Trials")

	user := env.userClient(t, "user1")
	request := env.submitRequest(t, user, product.Id, 30)

	env.workflow.SetRunStatus(request.WorkflowRunId, purview.RunStatusResult{
		RunStatus: "Completed", ApprovalOutcome: "Rejected",
	})

	reconciler := env.newReconciler(env.variables)
	reconciler.ReconcileAll(context.Background())

	polls := env.workflow.Polls(request.WorkflowRunId)

	reconciler.ReconcileAll(context.Background())
	reconciler.ReconcileAll(context.Background())

	if env.workflow.Polls(request.WorkflowRunId) != polls {
		t.Fatal("expected no further polling once the run is terminal")
	}
}

func TestReconcileFaultIsolation(t *testing.T) {
	env := setupTestEnvWith(t, services.Variables{})

	institution := env.seedInstitution(t, "inst-a", "tenant-a")
	p1 := env.seedProduct(t, institution, "inst-a://p1", "Clinical Trials")
	p2 := env.seedProduct(t, institution, "inst-a://p2", "Genomics")

	user := env.userClient(t, "user1")
	broken := env.submitRequest(t, user, p1.Id, 30)
	healthy := env.submitRequest(t, user, p2.Id, 30)

	env.workflow.FailRun(broken.WorkflowRunId, context.DeadlineExceeded)
	env.workflow.SetRunStatus(healthy.WorkflowRunId, purview.RunStatusResult{
		RunStatus: "Completed", ApprovalOutcome: "Approved",
	})

	env.newReconciler(env.variables).ReconcileAll(context.Background())

	if stored := env.loadRequest(t, broken.Id); stored.Status != schema.Submitted {
		t.Fatalf("expected failed poll to leave the request untouched, got %v", stored.Status)
	}
	if stored := env.loadRequest(t, healthy.Id); stored.Status != schema.Approved {
		t.Fatalf("expected the healthy request to be approved, got %v", stored.Status)
	}
}

func TestReconcileAutoFulfill(t *testing.T) {
	env := setupTestEnvWith(t, services.Variables{AutoFulfill: true})

	institution := env.seedInstitution(t, "inst-a", "tenant-a")
	product := env.seedProduct(t, institution, "inst-a://p1", "Clinical Trials")

	user := env.tenantUserClient(t, "user1", "tenant-b")
	request := env.submitRequest(t, user, product.Id, 30)

	env.workflow.SetRunStatus(request.WorkflowRunId, purview.RunStatusResult{
		RunStatus: "Completed", ApprovalOutcome: "Approved",
	})

	env.newReconciler(env.variables).ReconcileAll(context.Background())

	stored := env.loadRequest(t, request.Id)
	if stored.Status != schema.Fulfilled {
		t.Fatalf("expected auto fulfillment to reach Fulfilled, got %v", stored.Status)
	}
	if !stored.ShortcutCreated || stored.ExternalShareId == "" {
		t.Fatalf("expected shortcut provisioned, got %+v", stored)
	}
	if stored.StatusChangedBy != schema.SystemActor {
		t.Fatalf("expected fulfillment attributed to the system, got %v", stored.StatusChangedBy)
	}
}

func TestReconcileAutoFulfillFailureKeepsApproval(t *testing.T) {
	env := setupTestEnvWith(t, services.Variables{AutoFulfill: true})

	institution := env.seedInstitution(t, "inst-a", "tenant-a")
	product := env.seedProduct(t, institution, "inst-a://p1", "Clinical Trials")

	user := env.tenantUserClient(t, "user1", "tenant-b")
	request := env.submitRequest(t, user, product.Id, 30)

	env.workflow.SetRunStatus(request.WorkflowRunId, purview.RunStatusResult{
		RunStatus: "Completed", ApprovalOutcome: "Approved",
	})
	env.shortcuts.FailSharePhase(true)

	env.newReconciler(env.variables).ReconcileAll(context.Background())

	// The approval is never reverted by a fulfillment failure.
	stored := env.loadRequest(t, request.Id)
	if stored.Status != schema.Approved {
		t.Fatalf("expected Approved after fulfillment failure, got %v", stored.Status)
	}
	if stored.FulfillmentError == "" {
		t.Fatal("expected fulfillment error recorded")
	}
}

func TestInlineReconcileOnList(t *testing.T) {
	env := setupTestEnv(t)

	institution := env.seedInstitution(t, "inst-a", "tenant-a")
	product := env.seedProduct(t, institution, "inst-a://p1", "Clinical Trials")

	user := env.tenantUserClient(t, "user1", "tenant-b")
	request := env.submitRequest(t, user, product.Id, 30)

	env.workflow.SetRunStatus(request.WorkflowRunId, purview.RunStatusResult{
		RunStatus: "Completed", ApprovalOutcome: "Approved",
	})

	// Listing brings the caller's requests up to date, including the
	// auto fulfillment configured for this environment.
	requests, err := user.listRequests("")
	if err != nil {
		t.Fatal(err)
	}
	if len(requests) != 1 || requests[0].Status != schema.Fulfilled {
		t.Fatalf("expected the listed request to be fulfilled, got %+v", requests)
	}
	if requests[0].ExpirationDate == nil {
		t.Fatal("expected expiration date set")
	}
}

func TestReconcileLoopStops(t *testing.T) {
	env := setupTestEnvWith(t, services.Variables{})

	reconciler := env.newReconciler(env.variables)

	done := make(chan struct{})
	go func() {
		reconciler.ReconcileLoop(10 * time.Millisecond)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	reconciler.StopReconcileLoop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconcile loop did not stop")
	}
}

func TestReconcileSkipsRequestsWithoutRuns(t *testing.T) {
	env := setupTestEnvWith(t, services.Variables{})

	institution := env.seedInstitution(t, "inst-a", "tenant-a")
	product := env.seedProduct(t, institution, "inst-a://p1", "Clinical Trials")

	// Seed a request whose workflow submission never happened.
	request := schema.AccessRequest{
		Id:                    uuid.New(),
		DataProductId:         product.Id,
		RequestingUserId:      "user1",
		RequestingUserEmail:   "user1@mail.com",
		RequestingUserName:    "user1",
		BusinessJustification: "research",
		Status:                schema.Submitted,
		StatusChangedAt:       time.Now().UTC(),
		StatusChangedBy:       "user1",
	}
	if result := env.db.Create(&request); result.Error != nil {
		t.Fatal(result.Error)
	}

	env.newReconciler(env.variables).ReconcileAll(context.Background())

	if stored := env.loadRequest(t, request.Id); stored.Status != schema.Submitted {
		t.Fatalf("expected request without a run to stay Submitted, got %v", stored.Status)
	}
}
