package services

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"consortium_platform/consortium/auth"
	"consortium_platform/consortium/schema"
	"consortium_platform/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type InstitutionService struct {
	db *gorm.DB
}

func (s *InstitutionService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(auth.AdminOnly)

	r.Post("/create", s.Register)
	r.Get("/list", s.List)

	r.Route("/{institution_id}", func(r chi.Router) {
		r.Get("/", s.Get)
		r.Post("/update", s.Update)
		r.Delete("/", s.Deactivate)
	})

	return r
}

type registerInstitutionRequest struct {
	Name                string  `json:"name"`
	TenantId            string  `json:"tenant_id"`
	CatalogAccountName  string  `json:"catalog_account_name"`
	WorkspaceId         *string `json:"workspace_id"`
	GovernanceDomainIds *string `json:"governance_domain_ids"`
	ContactEmail        string  `json:"contact_email"`
}

type updateInstitutionRequest struct {
	registerInstitutionRequest

	IsActive       bool `json:"is_active"`
	ConsentGranted bool `json:"consent_granted"`
}

type institutionResponse struct {
	Id                  uuid.UUID `json:"id"`
	Name                string    `json:"name"`
	TenantId            string    `json:"tenant_id"`
	CatalogAccountName  string    `json:"catalog_account_name"`
	WorkspaceId         *string   `json:"workspace_id,omitempty"`
	GovernanceDomainIds *string   `json:"governance_domain_ids,omitempty"`
	ContactEmail        string    `json:"contact_email"`
	IsActive            bool      `json:"is_active"`
	ConsentGranted      bool      `json:"consent_granted"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func institutionToResponse(i *schema.Institution) institutionResponse {
	return institutionResponse{
		Id: i.Id, Name: i.Name, TenantId: i.TenantId,
		CatalogAccountName: i.CatalogAccountName, WorkspaceId: i.WorkspaceId,
		GovernanceDomainIds: i.GovernanceDomainIds, ContactEmail: i.ContactEmail,
		IsActive: i.IsActive, ConsentGranted: i.ConsentGranted,
		CreatedAt: i.CreatedAt, UpdatedAt: i.UpdatedAt,
	}
}

func (p *registerInstitutionRequest) validate() error {
	if p.Name == "" {
		return fmt.Errorf("institution name must be specified")
	}
	if p.TenantId == "" {
		return fmt.Errorf("institution tenant id must be specified")
	}
	if p.CatalogAccountName == "" {
		return fmt.Errorf("institution catalog account name must be specified")
	}
	if p.ContactEmail == "" {
		return fmt.Errorf("institution contact email must be specified")
	}
	return nil
}

func (s *InstitutionService) Register(w http.ResponseWriter, r *http.Request) {
	identity, err := auth.IdentityFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var params registerInstitutionRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if err := params.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	newInstitution := schema.Institution{
		Id:                  uuid.New(),
		Name:                params.Name,
		TenantId:            params.TenantId,
		CatalogAccountName:  params.CatalogAccountName,
		WorkspaceId:         params.WorkspaceId,
		GovernanceDomainIds: params.GovernanceDomainIds,
		ContactEmail:        params.ContactEmail,
		IsActive:            true,
		ConsentGranted:      false,
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		var existing schema.Institution
		result := txn.Limit(1).Find(&existing, "tenant_id = ?", params.TenantId)
		if result.Error != nil {
			slog.Error("sql error checking for duplicate tenant", "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if result.RowsAffected != 0 {
			return CodedError(
				fmt.Errorf("an institution with tenant %v is already registered", params.TenantId),
				http.StatusConflict,
			)
		}

		if result := txn.Create(&newInstitution); result.Error != nil {
			slog.Error("sql error creating institution", "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error registering institution: %v", err), GetResponseCode(err))
		return
	}

	recordAudit(s.db, schema.AuditLog{
		UserId: identity.UserId, UserEmail: identity.Email,
		Action:     ActionRegisterInstitution,
		EntityType: "Institution", EntityId: newInstitution.Id.String(),
		Details:  fmt.Sprintf("name %v, catalog account %v", params.Name, params.CatalogAccountName),
		ClientIp: auth.ClientIp(r),
	})

	utils.WriteJsonResponse(w, institutionToResponse(&newInstitution))
}

func (s *InstitutionService) List(w http.ResponseWriter, r *http.Request) {
	query := s.db.Order("name ASC")
	if utils.QueryParamBool(r, "active_only") {
		query = query.Where("is_active = ?", true)
	}

	var institutions []schema.Institution
	if result := query.Find(&institutions); result.Error != nil {
		slog.Error("sql error listing institutions", "error", result.Error)
		http.Error(w, "error listing institutions", http.StatusInternalServerError)
		return
	}

	responses := make([]institutionResponse, 0, len(institutions))
	for i := range institutions {
		responses = append(responses, institutionToResponse(&institutions[i]))
	}

	utils.WriteJsonResponse(w, responses)
}

func (s *InstitutionService) Get(w http.ResponseWriter, r *http.Request) {
	institutionId, err := utils.URLParamUUID(r, "institution_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	institution, err := schema.GetInstitution(institutionId, s.db)
	if err != nil {
		if errors.Is(err, schema.ErrInstitutionNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, institutionToResponse(&institution))
}

func (s *InstitutionService) Update(w http.ResponseWriter, r *http.Request) {
	identity, err := auth.IdentityFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	institutionId, err := utils.URLParamUUID(r, "institution_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params updateInstitutionRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if err := params.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	institution, err := schema.GetInstitution(institutionId, s.db)
	if err != nil {
		if errors.Is(err, schema.ErrInstitutionNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	institution.Name = params.Name
	institution.CatalogAccountName = params.CatalogAccountName
	institution.WorkspaceId = params.WorkspaceId
	institution.GovernanceDomainIds = params.GovernanceDomainIds
	institution.ContactEmail = params.ContactEmail
	institution.IsActive = params.IsActive
	institution.ConsentGranted = params.ConsentGranted

	if result := s.db.Save(&institution); result.Error != nil {
		slog.Error("sql error updating institution", "institution_id", institutionId, "error", result.Error)
		http.Error(w, "error updating institution", http.StatusInternalServerError)
		return
	}

	recordAudit(s.db, schema.AuditLog{
		UserId: identity.UserId, UserEmail: identity.Email,
		Action:     ActionUpdateInstitution,
		EntityType: "Institution", EntityId: institutionId.String(),
		Details:  fmt.Sprintf("name %v, active %v, consent %v", params.Name, params.IsActive, params.ConsentGranted),
		ClientIp: auth.ClientIp(r),
	})

	utils.WriteJsonResponse(w, institutionToResponse(&institution))
}

// Deactivate marks an institution inactive. Institutions are never hard
// deleted, their products and request history must remain auditable.
func (s *InstitutionService) Deactivate(w http.ResponseWriter, r *http.Request) {
	identity, err := auth.IdentityFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	institutionId, err := utils.URLParamUUID(r, "institution_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result := s.db.Model(&schema.Institution{}).Where("id = ?", institutionId).Update("is_active", false)
	if result.Error != nil {
		slog.Error("sql error deactivating institution", "institution_id", institutionId, "error", result.Error)
		http.Error(w, "error deactivating institution", http.StatusInternalServerError)
		return
	}
	if result.RowsAffected == 0 {
		http.Error(w, schema.ErrInstitutionNotFound.Error(), http.StatusNotFound)
		return
	}

	recordAudit(s.db, schema.AuditLog{
		UserId: identity.UserId, UserEmail: identity.Email,
		Action:     ActionDeactivateInstitution,
		EntityType: "Institution", EntityId: institutionId.String(),
		ClientIp: auth.ClientIp(r),
	})

	utils.WriteSuccess(w)
}
