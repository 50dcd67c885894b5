package services

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"consortium_platform/consortium/auth"
	"consortium_platform/consortium/notify"
	"consortium_platform/consortium/purview"
	"consortium_platform/consortium/schema"
	"consortium_platform/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type RequestService struct {
	db         *gorm.DB
	workflow   purview.WorkflowService
	notifier   notify.Service
	fulfiller  *Fulfiller
	reconciler *Reconciler
}

func (s *RequestService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/create", s.Create)
	r.Get("/list", s.List)

	r.Route("/{request_id}", func(r chi.Router) {
		r.Get("/", s.Get)
		r.Delete("/", s.Cancel)
		r.Get("/fulfillment", s.FulfillmentDetails)

		r.With(auth.AdminOnly).Post("/status", s.UpdateStatus)
		r.With(auth.AdminOnly).Post("/retry-fulfillment", s.RetryFulfillment)
	})

	return r
}

type createRequestRequest struct {
	DataProductId         uuid.UUID `json:"data_product_id"`
	TargetWorkspaceId     *string   `json:"target_workspace_id"`
	TargetLakehouseId     *string   `json:"target_lakehouse_id"`
	BusinessJustification string    `json:"business_justification"`
	RequestedDurationDays *int      `json:"requested_duration_days"`
}

type accessRequestResponse struct {
	Id uuid.UUID `json:"id"`

	DataProductId   uuid.UUID `json:"data_product_id"`
	DataProductName string    `json:"data_product_name"`
	InstitutionName string    `json:"institution_name"`

	RequestingUserId    string `json:"requesting_user_id"`
	RequestingUserEmail string `json:"requesting_user_email"`
	RequestingUserName  string `json:"requesting_user_name"`

	RequestingInstitutionName string `json:"requesting_institution_name,omitempty"`

	TargetWorkspaceId *string `json:"target_workspace_id,omitempty"`
	TargetLakehouseId *string `json:"target_lakehouse_id,omitempty"`

	BusinessJustification string `json:"business_justification"`
	RequestedDurationDays *int   `json:"requested_duration_days,omitempty"`

	Status          string    `json:"status"`
	StatusChangedAt time.Time `json:"status_changed_at"`
	StatusChangedBy string    `json:"status_changed_by,omitempty"`

	ExternalShareId  string `json:"external_share_id,omitempty"`
	ShortcutName     string `json:"shortcut_name,omitempty"`
	ShortcutCreated  bool   `json:"shortcut_created"`
	FulfillmentError string `json:"fulfillment_error,omitempty"`

	WorkflowRunId  string `json:"workflow_run_id,omitempty"`
	WorkflowStatus string `json:"workflow_status,omitempty"`

	ExpirationDate *time.Time `json:"expiration_date,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func requestResponse(r *schema.AccessRequest) accessRequestResponse {
	res := accessRequestResponse{
		Id:                    r.Id,
		DataProductId:         r.DataProductId,
		RequestingUserId:      r.RequestingUserId,
		RequestingUserEmail:   r.RequestingUserEmail,
		RequestingUserName:    r.RequestingUserName,
		TargetWorkspaceId:     r.TargetWorkspaceId,
		TargetLakehouseId:     r.TargetLakehouseId,
		BusinessJustification: r.BusinessJustification,
		RequestedDurationDays: r.RequestedDurationDays,
		Status:                r.Status,
		StatusChangedAt:       r.StatusChangedAt,
		StatusChangedBy:       r.StatusChangedBy,
		ExternalShareId:       r.ExternalShareId,
		ShortcutName:          r.ShortcutName,
		ShortcutCreated:       r.ShortcutCreated,
		FulfillmentError:      r.FulfillmentError,
		WorkflowRunId:         r.WorkflowRunId,
		WorkflowStatus:        r.WorkflowStatus,
		ExpirationDate:        r.ExpirationDate,
		CreatedAt:             r.CreatedAt,
	}
	if r.DataProduct != nil {
		res.DataProductName = r.DataProduct.Name
		if r.DataProduct.Institution != nil {
			res.InstitutionName = r.DataProduct.Institution.Name
		}
	}
	if r.RequestingInstitution != nil {
		res.RequestingInstitutionName = r.RequestingInstitution.Name
	}
	return res
}

func (s *RequestService) Create(w http.ResponseWriter, r *http.Request) {
	identity, err := auth.IdentityFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var params createRequestRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.BusinessJustification == "" {
		http.Error(w, "Business justification must be specified", http.StatusBadRequest)
		return
	}
	if params.RequestedDurationDays != nil && *params.RequestedDurationDays <= 0 {
		http.Error(w, "Requested duration must be a positive number of days", http.StatusBadRequest)
		return
	}

	tenantId := identity.TenantId
	newRequest := schema.AccessRequest{
		Id:                    uuid.New(),
		DataProductId:         params.DataProductId,
		RequestingUserId:      identity.UserId,
		RequestingUserEmail:   identity.Email,
		RequestingUserName:    identity.Name,
		TargetWorkspaceId:     params.TargetWorkspaceId,
		TargetLakehouseId:     params.TargetLakehouseId,
		BusinessJustification: params.BusinessJustification,
		RequestedDurationDays: params.RequestedDurationDays,
		Status:                schema.Submitted,
		StatusChangedAt:       time.Now().UTC(),
		StatusChangedBy:       identity.UserId,
	}
	if tenantId != "" {
		newRequest.RequestingTenantId = &tenantId
	}

	var product schema.DataProduct

	err = s.db.Transaction(func(txn *gorm.DB) error {
		product, err = schema.GetDataProduct(params.DataProductId, txn, true)
		if err != nil {
			if errors.Is(err, schema.ErrProductNotFound) {
				return CodedError(fmt.Errorf("data product not found or not available"), http.StatusNotFound)
			}
			return CodedError(err, http.StatusInternalServerError)
		}
		if !product.IsListed {
			return CodedError(fmt.Errorf("data product not found or not available"), http.StatusNotFound)
		}

		existing, err := schema.GetActiveRequest(identity.UserId, params.DataProductId, txn)
		if err != nil {
			return CodedError(err, http.StatusInternalServerError)
		}
		if existing != nil {
			return CodedError(
				fmt.Errorf("an active request (status: %v) already exists for this data product", existing.Status),
				http.StatusConflict,
			)
		}

		if tenantId != "" {
			requestingInstitution, err := schema.GetInstitutionByTenant(tenantId, txn)
			if err != nil && !errors.Is(err, schema.ErrInstitutionNotFound) {
				return CodedError(err, http.StatusInternalServerError)
			}
			if requestingInstitution != nil {
				newRequest.RequestingInstitutionId = &requestingInstitution.Id
			}
		}

		if result := txn.Create(&newRequest); result.Error != nil {
			slog.Error("sql error creating access request", "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error creating access request: %v", err), GetResponseCode(err))
		return
	}

	requestsCreatedMetric.Inc()

	s.submitWorkflow(r, &newRequest, &product, identity)

	if err := s.notifier.AccessRequestSubmitted(
		r.Context(), product.Institution.ContactEmail, product.Name, identity.Name, params.BusinessJustification,
	); err != nil {
		slog.Error("error sending access request notification", "request_id", newRequest.Id, "error", err)
	}

	recordAudit(s.db, schema.AuditLog{
		UserId: identity.UserId, UserEmail: identity.Email,
		Action:     ActionRequestAccess,
		EntityType: "AccessRequest", EntityId: newRequest.Id.String(),
		ClientIp: auth.ClientIp(r),
	})

	reloaded, err := schema.GetAccessRequest(newRequest.Id, s.db, true)
	if err != nil {
		http.Error(w, fmt.Sprintf("error loading created request: %v", err), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, requestResponse(&reloaded))
}

// submitWorkflow starts the external approval run for a new request. Best
// effort: a submission failure is recorded in the log only, the request stays
// Submitted and can be picked up by an operator.
func (s *RequestService) submitWorkflow(r *http.Request, request *schema.AccessRequest, product *schema.DataProduct, identity auth.Identity) {
	institution := product.Institution
	if institution == nil || institution.CatalogAccountName == "" {
		return
	}

	submitted, err := s.workflow.SubmitAccessRequest(
		r.Context(), institution.CatalogAccountName, institution.TenantId,
		product.Name, request.BusinessJustification, identity.BearerToken,
	)
	if err != nil {
		slog.Error("error submitting approval workflow run", "request_id", request.Id, "error", err)
		return
	}

	result := s.db.Model(request).Update("workflow_run_id", submitted.RunId)
	if result.Error != nil {
		slog.Error("sql error saving workflow run id", "request_id", request.Id, "error", result.Error)
		return
	}
	request.WorkflowRunId = submitted.RunId

	slog.Info("approval workflow run submitted", "request_id", request.Id, "run_id", submitted.RunId)
}

func (s *RequestService) List(w http.ResponseWriter, r *http.Request) {
	identity, err := auth.IdentityFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	// Bring the caller's in-flight requests up to date before listing, using
	// their own credential against the workflow service.
	s.reconciler.ReconcileUserRequests(r.Context(), identity.UserId, identity.BearerToken)

	query := s.db.
		Preload("DataProduct").Preload("DataProduct.Institution").Preload("RequestingInstitution").
		Where("requesting_user_id = ?", identity.UserId)

	if status := r.URL.Query().Get("status"); status != "" {
		if err := schema.CheckValidStatus(status); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		query = query.Where("status = ?", status)
	}
	if productId := r.URL.Query().Get("data_product_id"); productId != "" {
		id, err := uuid.Parse(productId)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid uuid '%v' provided: %v", productId, err), http.StatusBadRequest)
			return
		}
		query = query.Where("data_product_id = ?", id)
	}

	var requests []schema.AccessRequest
	if result := query.Order("created_at DESC").Find(&requests); result.Error != nil {
		slog.Error("sql error listing access requests", "user_id", identity.UserId, "error", result.Error)
		http.Error(w, "error listing access requests", http.StatusInternalServerError)
		return
	}

	responses := make([]accessRequestResponse, 0, len(requests))
	for i := range requests {
		responses = append(responses, requestResponse(&requests[i]))
	}

	utils.WriteJsonResponse(w, responses)
}

// loadAuthorizedRequest fetches a request and checks the caller may see it:
// the original requester or an admin.
func (s *RequestService) loadAuthorizedRequest(r *http.Request) (schema.AccessRequest, auth.Identity, error) {
	identity, err := auth.IdentityFromContext(r)
	if err != nil {
		return schema.AccessRequest{}, identity, CodedError(err, http.StatusUnauthorized)
	}

	requestId, err := utils.URLParamUUID(r, "request_id")
	if err != nil {
		return schema.AccessRequest{}, identity, CodedError(err, http.StatusBadRequest)
	}

	request, err := schema.GetAccessRequest(requestId, s.db, true)
	if err != nil {
		if errors.Is(err, schema.ErrRequestNotFound) {
			return schema.AccessRequest{}, identity, CodedError(err, http.StatusNotFound)
		}
		return schema.AccessRequest{}, identity, CodedError(err, http.StatusInternalServerError)
	}

	if request.RequestingUserId != identity.UserId && !identity.IsAdmin {
		return schema.AccessRequest{}, identity, CodedError(
			fmt.Errorf("user does not have access to this request"), http.StatusForbidden,
		)
	}

	return request, identity, nil
}

func (s *RequestService) Get(w http.ResponseWriter, r *http.Request) {
	request, _, err := s.loadAuthorizedRequest(r)
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	utils.WriteJsonResponse(w, requestResponse(&request))
}

func (s *RequestService) Cancel(w http.ResponseWriter, r *http.Request) {
	identity, err := auth.IdentityFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	requestId, err := utils.URLParamUUID(r, "request_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	request, err := schema.GetAccessRequest(requestId, s.db, false)
	if err != nil {
		if errors.Is(err, schema.ErrRequestNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Cancellation is the requester's own operation, admins included only if
	// they made the request themselves.
	if request.RequestingUserId != identity.UserId {
		http.Error(w, "only the original requester can cancel a request", http.StatusForbidden)
		return
	}

	if request.Status != schema.Submitted && request.Status != schema.UnderReview {
		http.Error(w, "only pending requests can be cancelled", http.StatusBadRequest)
		return
	}

	if err := request.ApplyTransition(schema.Cancelled, identity.UserId, time.Now().UTC()); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if result := s.db.Save(&request); result.Error != nil {
		slog.Error("sql error cancelling access request", "request_id", requestId, "error", result.Error)
		http.Error(w, "error cancelling access request", http.StatusInternalServerError)
		return
	}

	transitionsMetric.WithLabelValues(schema.Cancelled).Inc()

	recordAudit(s.db, schema.AuditLog{
		UserId: identity.UserId, UserEmail: identity.Email,
		Action:     ActionCancelRequest,
		EntityType: "AccessRequest", EntityId: requestId.String(),
		ClientIp: auth.ClientIp(r),
	})

	utils.WriteSuccess(w)
}

type updateStatusRequest struct {
	NewStatus       string `json:"new_status"`
	ExternalShareId string `json:"external_share_id"`
	Comment         string `json:"comment"`
}

func (s *RequestService) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	identity, err := auth.IdentityFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	requestId, err := utils.URLParamUUID(r, "request_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params updateStatusRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if err := schema.CheckValidStatus(params.NewStatus); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if params.NewStatus == schema.Cancelled {
		http.Error(w, "requests are cancelled by their requester, not by a status update", http.StatusBadRequest)
		return
	}

	request, err := schema.GetAccessRequest(requestId, s.db, true)
	if err != nil {
		if errors.Is(err, schema.ErrRequestNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := request.ApplyTransition(params.NewStatus, identity.UserId, time.Now().UTC()); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if params.NewStatus == schema.Fulfilled && params.ExternalShareId != "" {
		request.ExternalShareId = params.ExternalShareId
	}

	if result := s.db.Save(&request); result.Error != nil {
		slog.Error("sql error updating request status", "request_id", requestId, "error", result.Error)
		http.Error(w, "error updating request status", http.StatusInternalServerError)
		return
	}

	transitionsMetric.WithLabelValues(params.NewStatus).Inc()

	if err := s.notifier.StatusChanged(
		r.Context(), request.RequestingUserEmail, request.DataProduct.Name, params.NewStatus, params.Comment,
	); err != nil {
		slog.Error("error sending status change notification", "request_id", requestId, "error", err)
	}

	recordAudit(s.db, schema.AuditLog{
		UserId: identity.UserId, UserEmail: identity.Email,
		Action:     auditActionForStatus(params.NewStatus),
		EntityType: "AccessRequest", EntityId: requestId.String(),
		ClientIp: auth.ClientIp(r),
	})

	utils.WriteJsonResponse(w, requestResponse(&request))
}

func (s *RequestService) RetryFulfillment(w http.ResponseWriter, r *http.Request) {
	identity, err := auth.IdentityFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	requestId, err := utils.URLParamUUID(r, "request_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	request, err := schema.GetAccessRequest(requestId, s.db, false)
	if err != nil {
		if errors.Is(err, schema.ErrRequestNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if request.Status != schema.Approved || request.ShortcutCreated {
		http.Error(w, "fulfillment can only be retried for approved requests without a shortcut", http.StatusBadRequest)
		return
	}

	report, err := s.fulfiller.Fulfill(r.Context(), requestId, identity.UserId)
	if err != nil {
		http.Error(w, fmt.Sprintf("error fulfilling request: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteJsonResponse(w, report)
}

type fulfillmentDetailsResponse struct {
	RequestId       uuid.UUID `json:"request_id"`
	DataProductName string    `json:"data_product_name"`

	SourceInstitutionName string  `json:"source_institution_name"`
	SourceWorkspaceId     *string `json:"source_workspace_id,omitempty"`

	RecipientTenantId  string `json:"recipient_tenant_id"`
	RecipientUserEmail string `json:"recipient_user_email"`

	TargetWorkspaceId *string `json:"target_workspace_id,omitempty"`
	TargetLakehouseId *string `json:"target_lakehouse_id,omitempty"`

	FulfillmentSteps []string `json:"fulfillment_steps"`
}

func orPlaceholder(value *string, placeholder string) string {
	if value == nil || *value == "" {
		return placeholder
	}
	return *value
}

func (s *RequestService) FulfillmentDetails(w http.ResponseWriter, r *http.Request) {
	request, _, err := s.loadAuthorizedRequest(r)
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	if request.Status != schema.Approved && request.Status != schema.Fulfilled {
		http.Error(w, "fulfillment details are only available for approved requests", http.StatusBadRequest)
		return
	}

	source := request.DataProduct.Institution

	recipientTenant := "(unknown tenant)"
	if request.RequestingTenantId != nil && *request.RequestingTenantId != "" {
		recipientTenant = *request.RequestingTenantId
	} else if request.RequestingInstitution != nil {
		recipientTenant = request.RequestingInstitution.TenantId
	}

	steps := []string{
		"1. Open the Fabric portal (https://app.fabric.microsoft.com)",
		fmt.Sprintf("2. Navigate to workspace: %v", orPlaceholder(source.WorkspaceId, "(configure workspace ID)")),
		fmt.Sprintf("3. Find the data item for '%v'", request.DataProduct.Name),
		"4. Click 'Share' -> 'External data share'",
		fmt.Sprintf("5. Enter recipient tenant: %v", recipientTenant),
		fmt.Sprintf("6. Enter recipient email: %v", request.RequestingUserEmail),
		"7. Set appropriate permissions and confirm the share",
		fmt.Sprintf("8. The recipient should create a shortcut in their lakehouse: %v", orPlaceholder(request.TargetLakehouseId, "(not specified)")),
		fmt.Sprintf("9. Target workspace: %v", orPlaceholder(request.TargetWorkspaceId, "(not specified)")),
		"10. Return to this portal and mark the request as 'Fulfilled' with the share ID",
	}

	utils.WriteJsonResponse(w, fulfillmentDetailsResponse{
		RequestId:             request.Id,
		DataProductName:       request.DataProduct.Name,
		SourceInstitutionName: source.Name,
		SourceWorkspaceId:     source.WorkspaceId,
		RecipientTenantId:     recipientTenant,
		RecipientUserEmail:    request.RequestingUserEmail,
		TargetWorkspaceId:     request.TargetWorkspaceId,
		TargetLakehouseId:     request.TargetLakehouseId,
		FulfillmentSteps:      steps,
	})
}
