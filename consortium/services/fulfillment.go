package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"consortium_platform/consortium/fabric"
	"consortium_platform/consortium/notify"
	"consortium_platform/consortium/schema"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Precondition failures checked before any external call. Each is distinct so
// operators can tell exactly which piece of configuration is missing.
var (
	ErrNoSourceWorkspace = errors.New("source institution has no workspace id configured")
	ErrNoTargetWorkspace = errors.New("request has no target workspace id")
	ErrNoTargetLakehouse = errors.New("request has no target lakehouse id")
	ErrNoRecipientTenant = errors.New("no recipient tenant id could be resolved for the request")
	ErrNoSourceItem      = errors.New("data product has no source lakehouse id and no override is configured")
)

const (
	FulfillmentSucceeded = "Fulfilled"
	FulfillmentPartial   = "PartialSuccess"
	FulfillmentFailed    = "Failed"
)

// FulfillmentReport describes how far automated provisioning got. Partial
// means the share was created but the shortcut was not; the request stays
// Approved and the consumer can finish manually with the recorded share id.
type FulfillmentReport struct {
	Outcome      string `json:"outcome"`
	ShareId      string `json:"share_id,omitempty"`
	ShortcutName string `json:"shortcut_name,omitempty"`
	Message      string `json:"message,omitempty"`
}

type Fulfiller struct {
	db        *gorm.DB
	shortcuts fabric.ShortcutService
	notifier  notify.Service
	variables Variables
}

func NewFulfiller(db *gorm.DB, shortcuts fabric.ShortcutService, notifier notify.Service, variables Variables) *Fulfiller {
	return &Fulfiller{db: db, shortcuts: shortcuts, notifier: notifier, variables: variables}
}

// Fulfill provisions cross-tenant access for an approved request. The two
// external phases are not retried as a unit: a share that succeeds is kept
// even when the shortcut fails, and the next attempt must not create a second
// share once the shortcut flag is set.
func (f *Fulfiller) Fulfill(ctx context.Context, requestId uuid.UUID, actor string) (FulfillmentReport, error) {
	request, err := schema.GetAccessRequest(requestId, f.db, true)
	if err != nil {
		if errors.Is(err, schema.ErrRequestNotFound) {
			return FulfillmentReport{}, CodedError(err, http.StatusNotFound)
		}
		return FulfillmentReport{}, CodedError(err, http.StatusInternalServerError)
	}

	if request.ShortcutCreated {
		slog.Info("fulfillment: shortcut already created, nothing to do", "request_id", requestId)
		return FulfillmentReport{
			Outcome: FulfillmentSucceeded, ShareId: request.ExternalShareId, ShortcutName: request.ShortcutName,
		}, nil
	}

	if request.Status != schema.Approved {
		return FulfillmentReport{}, CodedError(
			fmt.Errorf("cannot fulfill request in status %v, request must be approved", request.Status),
			http.StatusBadRequest,
		)
	}

	spec, err := f.shareSpec(&request)
	if err != nil {
		return FulfillmentReport{}, CodedError(err, http.StatusBadRequest)
	}

	result := f.shortcuts.CreateCrossTenantShare(ctx, spec)

	switch {
	case result.Success:
		return f.recordSuccess(ctx, &request, result, actor)
	case result.PartialSuccess:
		return f.recordPartial(&request, result)
	default:
		return f.recordFailure(&request, result)
	}
}

// shareSpec resolves the endpoints of the share from the request and its
// relations, checking every precondition before any external call is made.
func (f *Fulfiller) shareSpec(request *schema.AccessRequest) (fabric.ShareSpec, error) {
	product := request.DataProduct
	if product == nil || product.Institution == nil {
		return fabric.ShareSpec{}, fmt.Errorf("request %v is missing its data product relations", request.Id)
	}
	source := product.Institution

	if source.WorkspaceId == nil || *source.WorkspaceId == "" {
		return fabric.ShareSpec{}, ErrNoSourceWorkspace
	}
	if request.TargetWorkspaceId == nil || *request.TargetWorkspaceId == "" {
		return fabric.ShareSpec{}, ErrNoTargetWorkspace
	}
	if request.TargetLakehouseId == nil || *request.TargetLakehouseId == "" {
		return fabric.ShareSpec{}, ErrNoTargetLakehouse
	}

	// Prefer the tenant captured from the requester's token at submission
	// time, then the requesting institution's registered tenant.
	recipientTenant := ""
	if request.RequestingTenantId != nil && *request.RequestingTenantId != "" {
		recipientTenant = *request.RequestingTenantId
	} else if request.RequestingInstitution != nil {
		recipientTenant = request.RequestingInstitution.TenantId
	}
	if recipientTenant == "" {
		return fabric.ShareSpec{}, ErrNoRecipientTenant
	}

	sourceItem := f.variables.SourceItemOverride
	if sourceItem == "" && product.SourceLakehouseId != nil {
		sourceItem = *product.SourceLakehouseId
	}
	if sourceItem == "" {
		return fabric.ShareSpec{}, ErrNoSourceItem
	}

	return fabric.ShareSpec{
		SourceWorkspaceId: *source.WorkspaceId,
		SourceItemId:      sourceItem,
		SourceTenantId:    source.TenantId,

		RecipientTenantId:  recipientTenant,
		RecipientUserEmail: request.RequestingUserEmail,

		TargetWorkspaceId: *request.TargetWorkspaceId,
		TargetLakehouseId: *request.TargetLakehouseId,

		ProductName: product.Name,

		// A share id left by an earlier partial attempt is reused, not
		// recreated.
		ExistingShareId: request.ExternalShareId,
	}, nil
}

func (f *Fulfiller) recordSuccess(ctx context.Context, request *schema.AccessRequest, result fabric.Result, actor string) (FulfillmentReport, error) {
	request.ExternalShareId = result.ShareId
	request.ShortcutName = result.ShortcutName
	request.ShortcutCreated = true
	request.FulfillmentError = ""

	if err := request.ApplyTransition(schema.Fulfilled, actor, time.Now().UTC()); err != nil {
		return FulfillmentReport{}, CodedError(err, http.StatusConflict)
	}

	if dbResult := f.db.Save(request); dbResult.Error != nil {
		slog.Error("sql error saving fulfilled request", "request_id", request.Id, "error", dbResult.Error)
		return FulfillmentReport{}, CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}

	fulfillmentsMetric.WithLabelValues(outcomeSuccess).Inc()
	transitionsMetric.WithLabelValues(schema.Fulfilled).Inc()

	recordAudit(f.db, schema.AuditLog{
		UserId: actor, Action: ActionFulfillRequest,
		EntityType: "AccessRequest", EntityId: request.Id.String(),
		Details: fmt.Sprintf("share %v, shortcut %v", result.ShareId, result.ShortcutName),
	})

	if err := f.notifier.StatusChanged(ctx, request.RequestingUserEmail, request.DataProduct.Name, schema.Fulfilled, ""); err != nil {
		slog.Error("error sending fulfillment notification", "request_id", request.Id, "error", err)
	}

	slog.Info("fulfillment: request fulfilled",
		"request_id", request.Id, "share_id", result.ShareId, "shortcut_name", result.ShortcutName)

	return FulfillmentReport{
		Outcome: FulfillmentSucceeded, ShareId: result.ShareId, ShortcutName: result.ShortcutName,
	}, nil
}

func (f *Fulfiller) recordPartial(request *schema.AccessRequest, result fabric.Result) (FulfillmentReport, error) {
	message := fmt.Sprintf("share %v created but shortcut creation failed: %v", result.ShareId, result.Err)

	updates := map[string]interface{}{
		"external_share_id": result.ShareId,
		"fulfillment_error": message,
	}
	if dbResult := f.db.Model(request).Updates(updates); dbResult.Error != nil {
		slog.Error("sql error recording partial fulfillment", "request_id", request.Id, "error", dbResult.Error)
		return FulfillmentReport{}, CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}

	fulfillmentsMetric.WithLabelValues(outcomePartial).Inc()

	slog.Warn("fulfillment: share created but shortcut failed, request remains approved",
		"request_id", request.Id, "share_id", result.ShareId, "error", result.Err)

	return FulfillmentReport{
		Outcome: FulfillmentPartial, ShareId: result.ShareId, Message: message,
	}, nil
}

func (f *Fulfiller) recordFailure(request *schema.AccessRequest, result fabric.Result) (FulfillmentReport, error) {
	message := fmt.Sprintf("external share creation failed: %v", result.Err)

	if dbResult := f.db.Model(request).Update("fulfillment_error", message); dbResult.Error != nil {
		slog.Error("sql error recording fulfillment failure", "request_id", request.Id, "error", dbResult.Error)
	}

	fulfillmentsMetric.WithLabelValues(outcomeFailure).Inc()

	slog.Error("fulfillment: share creation failed, no changes made",
		"request_id", request.Id, "error", result.Err)

	return FulfillmentReport{Outcome: FulfillmentFailed, Message: message}, nil
}
