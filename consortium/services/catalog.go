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

// CatalogService serves the consortium-wide product catalog. Listing is a
// plain repository query; full-text search over the catalog is served by a
// separate indexing system outside this service.
type CatalogService struct {
	db *gorm.DB
}

func (s *CatalogService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/products", s.ListProducts)
	r.Get("/products/{product_id}", s.GetProduct)
	r.Get("/stats", s.Stats)

	return r
}

type productSummaryResponse struct {
	Id          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Owner       string    `json:"owner"`

	SourceSystem     string   `json:"source_system"`
	SensitivityLabel string   `json:"sensitivity_label"`
	Classifications  []string `json:"classifications"`
	GlossaryTerms    []string `json:"glossary_terms"`
	GovernanceDomain string   `json:"governance_domain"`

	InstitutionId   uuid.UUID `json:"institution_id"`
	InstitutionName string    `json:"institution_name"`

	ExternalLastModified *time.Time `json:"external_last_modified,omitempty"`
}

func productSummary(p *schema.DataProduct) productSummaryResponse {
	res := productSummaryResponse{
		Id: p.Id, Name: p.Name, Description: p.Description, Owner: p.Owner,
		SourceSystem: p.SourceSystem, SensitivityLabel: p.SensitivityLabel,
		Classifications: p.Classifications(), GlossaryTerms: p.GlossaryTerms(),
		GovernanceDomain: p.GovernanceDomain, InstitutionId: p.InstitutionId,
		ExternalLastModified: p.ExternalLastModified,
	}
	if p.Institution != nil {
		res.InstitutionName = p.Institution.Name
	}
	return res
}

func (s *CatalogService) ListProducts(w http.ResponseWriter, r *http.Request) {
	query := s.db.Preload("Institution").Where("is_listed = ?", true)

	if search := r.URL.Query().Get("search"); search != "" {
		pattern := "%" + search + "%"
		query = query.Where("name LIKE ? OR description LIKE ?", pattern, pattern)
	}
	if institutionId := r.URL.Query().Get("institution_id"); institutionId != "" {
		id, err := uuid.Parse(institutionId)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid uuid '%v' provided: %v", institutionId, err), http.StatusBadRequest)
			return
		}
		query = query.Where("institution_id = ?", id)
	}
	if sourceSystem := r.URL.Query().Get("source_system"); sourceSystem != "" {
		query = query.Where("source_system = ?", sourceSystem)
	}

	var products []schema.DataProduct
	if result := query.Order("name ASC").Find(&products); result.Error != nil {
		slog.Error("sql error listing data products", "error", result.Error)
		http.Error(w, "error listing data products", http.StatusInternalServerError)
		return
	}

	responses := make([]productSummaryResponse, 0, len(products))
	for i := range products {
		responses = append(responses, productSummary(&products[i]))
	}

	utils.WriteJsonResponse(w, responses)
}

type currentRequestResponse struct {
	Id        uuid.UUID `json:"id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

type productDetailResponse struct {
	productSummaryResponse

	QualifiedName           string     `json:"qualified_name"`
	OwnerEmail              string     `json:"owner_email"`
	AssetCount              int        `json:"asset_count"`
	InstitutionContactEmail string     `json:"institution_contact_email"`
	LastSyncedAt            *time.Time `json:"last_synced_at,omitempty"`
	CreatedAt               time.Time  `json:"created_at"`

	// The caller's blocking request for this product, if any.
	CurrentRequest *currentRequestResponse `json:"current_request,omitempty"`
}

func (s *CatalogService) GetProduct(w http.ResponseWriter, r *http.Request) {
	identity, err := auth.IdentityFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	productId, err := utils.URLParamUUID(r, "product_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	product, err := schema.GetDataProduct(productId, s.db, true)
	if err != nil {
		if errors.Is(err, schema.ErrProductNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !product.IsListed {
		http.Error(w, schema.ErrProductNotFound.Error(), http.StatusNotFound)
		return
	}

	detail := productDetailResponse{
		productSummaryResponse: productSummary(&product),
		QualifiedName:          product.QualifiedName,
		OwnerEmail:             product.OwnerEmail,
		AssetCount:             product.AssetCount,
		LastSyncedAt:           product.LastSyncedAt,
		CreatedAt:              product.CreatedAt,
	}
	if product.Institution != nil {
		detail.InstitutionContactEmail = product.Institution.ContactEmail
	}

	existing, err := schema.GetActiveRequest(identity.UserId, productId, s.db)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if existing != nil {
		detail.CurrentRequest = &currentRequestResponse{
			Id: existing.Id, Status: existing.Status, CreatedAt: existing.CreatedAt,
		}
	}

	utils.WriteJsonResponse(w, detail)
}

type catalogStatsResponse struct {
	TotalProducts     int64 `json:"total_products"`
	TotalInstitutions int64 `json:"total_institutions"`

	UserPendingRequests int64 `json:"user_pending_requests"`
	UserActiveShares    int64 `json:"user_active_shares"`

	ProductsByInstitution map[string]int64 `json:"products_by_institution"`
}

func (s *CatalogService) Stats(w http.ResponseWriter, r *http.Request) {
	identity, err := auth.IdentityFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var stats catalogStatsResponse

	if result := s.db.Model(&schema.DataProduct{}).Where("is_listed = ?", true).Count(&stats.TotalProducts); result.Error != nil {
		slog.Error("sql error counting products", "error", result.Error)
		http.Error(w, "error computing catalog stats", http.StatusInternalServerError)
		return
	}
	if result := s.db.Model(&schema.Institution{}).Count(&stats.TotalInstitutions); result.Error != nil {
		slog.Error("sql error counting institutions", "error", result.Error)
		http.Error(w, "error computing catalog stats", http.StatusInternalServerError)
		return
	}

	pendingStatuses := []string{schema.Submitted, schema.UnderReview, schema.Approved}
	result := s.db.Model(&schema.AccessRequest{}).
		Where("requesting_user_id = ? AND status IN ?", identity.UserId, pendingStatuses).
		Count(&stats.UserPendingRequests)
	if result.Error != nil {
		slog.Error("sql error counting pending requests", "error", result.Error)
		http.Error(w, "error computing catalog stats", http.StatusInternalServerError)
		return
	}

	activeStatuses := []string{schema.Fulfilled, schema.Active}
	result = s.db.Model(&schema.AccessRequest{}).
		Where("requesting_user_id = ? AND status IN ?", identity.UserId, activeStatuses).
		Count(&stats.UserActiveShares)
	if result.Error != nil {
		slog.Error("sql error counting active shares", "error", result.Error)
		http.Error(w, "error computing catalog stats", http.StatusInternalServerError)
		return
	}

	type institutionCount struct {
		Name  string
		Count int64
	}
	var counts []institutionCount
	result = s.db.Model(&schema.DataProduct{}).
		Select("institutions.name AS name, COUNT(data_products.id) AS count").
		Joins("JOIN institutions ON institutions.id = data_products.institution_id").
		Where("data_products.is_listed = ?", true).
		Group("institutions.name").
		Scan(&counts)
	if result.Error != nil {
		slog.Error("sql error counting products by institution", "error", result.Error)
		http.Error(w, "error computing catalog stats", http.StatusInternalServerError)
		return
	}

	stats.ProductsByInstitution = make(map[string]int64, len(counts))
	for _, c := range counts {
		stats.ProductsByInstitution[c.Name] = c.Count
	}

	utils.WriteJsonResponse(w, stats)
}
