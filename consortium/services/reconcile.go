package services

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"consortium_platform/consortium/purview"
	"consortium_platform/consortium/schema"

	"gorm.io/gorm"
)

// Reconciler keeps local request statuses consistent with the external
// approval workflow. It runs both inline, when a user lists their requests,
// and as a periodic background sweep using the service credential.
type Reconciler struct {
	db        *gorm.DB
	workflow  purview.WorkflowService
	fulfiller *Fulfiller
	variables Variables

	stop chan bool
}

func NewReconciler(db *gorm.DB, workflow purview.WorkflowService, fulfiller *Fulfiller, variables Variables) *Reconciler {
	return &Reconciler{
		db:        db,
		workflow:  workflow,
		fulfiller: fulfiller,
		variables: variables,
		stop:      make(chan bool, 1),
	}
}

// needsSync reports whether a request still has an approval run worth
// polling: it has a run id and the last seen run status is not terminal.
func needsSync(request *schema.AccessRequest) bool {
	return request.WorkflowRunId != "" && !schema.WorkflowStatusTerminal(request.WorkflowStatus)
}

// ReconcileUserRequests syncs the acting user's in-flight requests,
// forwarding the caller's bearer credential to the workflow service.
func (rc *Reconciler) ReconcileUserRequests(ctx context.Context, userId, userToken string) {
	var requests []schema.AccessRequest

	result := rc.db.
		Preload("DataProduct").Preload("DataProduct.Institution").
		Where("requesting_user_id = ? AND workflow_run_id <> ''", userId).
		Find(&requests)
	if result.Error != nil {
		slog.Error("reconcile: sql error querying user requests", "user_id", userId, "error", result.Error)
		return
	}

	for i := range requests {
		if needsSync(&requests[i]) {
			rc.reconcileOne(ctx, &requests[i], userToken)
		}
	}
}

// ReconcileAll sweeps every request with a non-terminal approval run using
// the service credential.
func (rc *Reconciler) ReconcileAll(ctx context.Context) {
	var requests []schema.AccessRequest

	result := rc.db.
		Preload("DataProduct").Preload("DataProduct.Institution").
		Where("workflow_run_id <> ''").
		Find(&requests)
	if result.Error != nil {
		slog.Error("reconcile: sql error querying requests", "error", result.Error)
		return
	}

	count := 0
	for i := range requests {
		if needsSync(&requests[i]) {
			rc.reconcileOne(ctx, &requests[i], "")
			count++
		}
	}
	reconcileSweepMetric.Observe(float64(count))
}

// reconcileOne syncs one request against its approval run. Failures are
// isolated: an error polling one run never affects the rest of the batch.
// Nothing is written unless the workflow status or local status changed.
func (rc *Reconciler) reconcileOne(ctx context.Context, request *schema.AccessRequest, userToken string) {
	product := request.DataProduct
	if product == nil || product.Institution == nil || product.Institution.CatalogAccountName == "" {
		slog.Warn("reconcile: skipping request without a catalog account", "request_id", request.Id)
		return
	}
	institution := product.Institution

	status, err := rc.workflow.RunStatus(ctx, institution.CatalogAccountName, institution.TenantId, request.WorkflowRunId, userToken)
	if err != nil {
		slog.Error("reconcile: error polling workflow run",
			"request_id", request.Id, "run_id", request.WorkflowRunId, "error", err)
		return
	}

	changed := false
	if status.RunStatus != request.WorkflowStatus {
		request.WorkflowStatus = status.RunStatus
		changed = true
	}

	transitioned := false
	if request.Status == schema.Submitted {
		switch {
		case strings.EqualFold(status.RunStatus, "completed"):
			transitioned = rc.applyOutcome(request, status.ApprovalOutcome)
		case strings.EqualFold(status.RunStatus, "canceled"):
			transitioned = rc.transition(request, schema.Cancelled)
		}
	}

	if !changed && !transitioned {
		return
	}

	if result := rc.db.Save(request); result.Error != nil {
		slog.Error("reconcile: sql error saving request", "request_id", request.Id, "error", result.Error)
		return
	}

	if transitioned {
		transitionsMetric.WithLabelValues(request.Status).Inc()
		recordAudit(rc.db, schema.AuditLog{
			UserId: schema.WorkflowActor, Action: auditActionForStatus(request.Status),
			EntityType: "AccessRequest", EntityId: request.Id.String(),
			Details: "driven by workflow run " + request.WorkflowRunId,
		})

		if request.Status == schema.Approved && rc.variables.AutoFulfill {
			// Fulfillment failure does not revert the approval; the request
			// stays Approved and may be retried.
			if _, err := rc.fulfiller.Fulfill(ctx, request.Id, schema.SystemActor); err != nil {
				slog.Error("reconcile: auto fulfillment failed", "request_id", request.Id, "error", err)
			}
		}
	}
}

// applyOutcome maps a completed run's approval outcome onto the request. A
// missing outcome approves unless the policy is configured to hold the
// request back.
func (rc *Reconciler) applyOutcome(request *schema.AccessRequest, outcome string) bool {
	if schema.DeniedOutcome(outcome) {
		return rc.transition(request, schema.Denied)
	}

	if outcome == "" {
		if rc.variables.DenyOnMissingOutcome {
			slog.Warn("reconcile: completed run has no approval outcome, leaving request for an operator",
				"request_id", request.Id, "run_id", request.WorkflowRunId)
			return false
		}
		slog.Warn("reconcile: completed run has no approval outcome, approving by policy",
			"request_id", request.Id, "run_id", request.WorkflowRunId)
	}

	return rc.transition(request, schema.Approved)
}

func (rc *Reconciler) transition(request *schema.AccessRequest, to string) bool {
	if err := request.ApplyTransition(to, schema.WorkflowActor, time.Now().UTC()); err != nil {
		slog.Error("reconcile: invalid workflow driven transition", "request_id", request.Id, "error", err)
		return false
	}
	slog.Info("reconcile: request transitioned", "request_id", request.Id, "status", to)
	return true
}

// ReconcileLoop runs background sweeps until StopReconcileLoop is called.
func (rc *Reconciler) ReconcileLoop(interval time.Duration) {
	slog.Info("reconcile: starting")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rc.ReconcileAll(context.Background())
		case <-rc.stop:
			slog.Info("reconcile: process stopped")
			return
		}
	}
}

func (rc *Reconciler) StopReconcileLoop() {
	close(rc.stop)
}
