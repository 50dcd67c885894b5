package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"consortium_platform/consortium/auth"
	"consortium_platform/consortium/purview"
	"consortium_platform/consortium/schema"
	"consortium_platform/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SyncOrchestrator reconciles the locally stored data product set of an
// institution with the shareable products its external catalog currently
// reports. Products that disappear from the catalog are delisted, never
// deleted.
type SyncOrchestrator struct {
	db      *gorm.DB
	scanner purview.Scanner
}

func NewSyncOrchestrator(db *gorm.DB, scanner purview.Scanner) *SyncOrchestrator {
	return &SyncOrchestrator{db: db, scanner: scanner}
}

// ScanAllInstitutions scans every active institution independently. One
// institution's failure is recorded in its own sync history and does not
// stop the rest of the batch.
func (o *SyncOrchestrator) ScanAllInstitutions(ctx context.Context, userToken string) {
	var institutions []schema.Institution

	result := o.db.Where("is_active = ?", true).Find(&institutions)
	if result.Error != nil {
		slog.Error("catalog sync: sql error querying active institutions", "error", result.Error)
		return
	}

	slog.Info("catalog sync: starting batch scan", "institutions", len(institutions))

	for _, institution := range institutions {
		if ctx.Err() != nil {
			slog.Warn("catalog sync: batch scan cancelled", "error", ctx.Err())
			return
		}
		if err := o.ScanInstitution(ctx, institution.Id, userToken); err != nil {
			slog.Error("catalog sync: institution scan failed",
				"institution_id", institution.Id, "institution", institution.Name, "error", err)
		}
	}

	slog.Info("catalog sync: batch scan complete")
}

// ScanInstitution runs one sync round for one institution. Inactive or
// non-consented institutions are skipped with a warning and no sync history
// record.
func (o *SyncOrchestrator) ScanInstitution(ctx context.Context, institutionId uuid.UUID, userToken string) error {
	institution, err := schema.GetInstitution(institutionId, o.db)
	if err != nil {
		return err
	}

	if !institution.ScanReady() {
		slog.Warn("catalog sync: skipping institution, not active or consent not granted",
			"institution_id", institutionId, "institution", institution.Name)
		return nil
	}

	history := schema.SyncHistory{
		Id:            uuid.New(),
		InstitutionId: institutionId,
		StartTime:     time.Now().UTC(),
		Status:        schema.SyncRunning,
	}
	if result := o.db.Create(&history); result.Error != nil {
		slog.Error("catalog sync: sql error creating sync history", "institution_id", institutionId, "error", result.Error)
		return schema.ErrDbAccessFailed
	}

	found, added, updated, delisted, err := o.runScan(ctx, &institution, userToken)

	end := time.Now().UTC()
	scanDurationMetric.Observe(end.Sub(history.StartTime).Seconds())

	if err != nil {
		history.EndTime = &end
		history.Status = schema.SyncFailed
		history.ErrorDetails = err.Error()
		if result := o.db.Save(&history); result.Error != nil {
			slog.Error("catalog sync: sql error recording failed sync", "institution_id", institutionId, "error", result.Error)
		}
		scansMetric.WithLabelValues(outcomeFailure).Inc()
		return err
	}

	history.EndTime = &end
	history.Status = schema.SyncSuccess
	history.ProductsFound = found
	history.ProductsAdded = added
	history.ProductsUpdated = updated
	history.ProductsDelisted = delisted
	if result := o.db.Save(&history); result.Error != nil {
		slog.Error("catalog sync: sql error recording completed sync", "institution_id", institutionId, "error", result.Error)
		return schema.ErrDbAccessFailed
	}

	scansMetric.WithLabelValues(outcomeSuccess).Inc()

	slog.Info("catalog sync: scan complete", "institution", institution.Name,
		"found", found, "added", added, "updated", updated, "delisted", delisted)

	return nil
}

func (o *SyncOrchestrator) runScan(ctx context.Context, institution *schema.Institution, userToken string) (found, added, updated, delisted int, err error) {
	results, err := o.scanner.Scan(
		ctx, institution.CatalogAccountName, institution.TenantId, userToken, institution.DomainFilter(),
	)
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("error scanning catalog: %w", err)
	}

	now := time.Now().UTC()
	fetchedNames := make([]string, 0, len(results))

	for _, result := range results {
		fetchedNames = append(fetchedNames, result.QualifiedName)

		existing, err := schema.GetProductByQualifiedName(institution.Id, result.QualifiedName, o.db)
		if err != nil {
			return 0, 0, 0, 0, err
		}

		if existing == nil {
			product := schema.DataProduct{Id: uuid.New(), QualifiedName: result.QualifiedName, InstitutionId: institution.Id}
			applySyncResult(&product, result, now)
			if dbResult := o.db.Create(&product); dbResult.Error != nil {
				slog.Error("catalog sync: sql error creating product",
					"qualified_name", result.QualifiedName, "error", dbResult.Error)
				return 0, 0, 0, 0, schema.ErrDbAccessFailed
			}
			added++
		} else {
			applySyncResult(existing, result, now)
			if dbResult := o.db.Save(existing); dbResult.Error != nil {
				slog.Error("catalog sync: sql error updating product",
					"qualified_name", result.QualifiedName, "error", dbResult.Error)
				return 0, 0, 0, 0, schema.ErrDbAccessFailed
			}
			updated++
		}
	}

	delisted, err = o.delistMissing(institution.Id, fetchedNames)
	if err != nil {
		return 0, 0, 0, 0, err
	}

	return len(results), added, updated, delisted, nil
}

// applySyncResult overwrites every externally sourced field and forces the
// product back to listed.
func applySyncResult(product *schema.DataProduct, result purview.SyncResult, now time.Time) {
	product.Name = result.Name
	product.Description = result.Description
	product.Owner = result.Owner
	product.OwnerEmail = result.OwnerEmail
	product.SourceSystem = result.SourceSystem
	product.SensitivityLabel = result.SensitivityLabel
	product.ClassificationsJson = schema.EncodeStringList(result.Classifications)
	product.GlossaryTermsJson = schema.EncodeStringList(result.GlossaryTerms)
	product.GovernanceDomain = result.GovernanceDomain
	product.AssetCount = result.AssetCount
	product.IsListed = true
	product.LastSyncedAt = &now
	product.ExternalLastModified = result.LastModified

	if result.SourceLakehouseId != "" {
		id := result.SourceLakehouseId
		product.SourceLakehouseId = &id
	}
}

// delistMissing marks every currently listed product of the institution whose
// qualified name was not fetched this round as unlisted.
func (o *SyncOrchestrator) delistMissing(institutionId uuid.UUID, fetchedNames []string) (int, error) {
	query := o.db.Model(&schema.DataProduct{}).
		Where("institution_id = ? AND is_listed = ?", institutionId, true)
	if len(fetchedNames) > 0 {
		query = query.Where("qualified_name NOT IN ?", fetchedNames)
	}

	result := query.Update("is_listed", false)
	if result.Error != nil {
		slog.Error("catalog sync: sql error delisting products", "institution_id", institutionId, "error", result.Error)
		return 0, schema.ErrDbAccessFailed
	}

	return int(result.RowsAffected), nil
}

// SyncService exposes the admin sync endpoints. Scan triggers return 202 and
// run detached: the caller's credential is captured before the request scope
// closes and the scan runs on a fresh context.
type SyncService struct {
	db           *gorm.DB
	orchestrator *SyncOrchestrator
}

func (s *SyncService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(auth.AdminOnly)

	r.Get("/history", s.History)
	r.Post("/trigger", s.TriggerFullScan)
	r.Post("/trigger/{institution_id}", s.TriggerInstitutionScan)

	return r
}

type syncHistoryResponse struct {
	Id              uuid.UUID  `json:"id"`
	InstitutionId   uuid.UUID  `json:"institution_id"`
	InstitutionName string     `json:"institution_name"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	Status          string     `json:"status"`

	ProductsFound    int `json:"products_found"`
	ProductsAdded    int `json:"products_added"`
	ProductsUpdated  int `json:"products_updated"`
	ProductsDelisted int `json:"products_delisted"`

	ErrorDetails string `json:"error_details,omitempty"`
}

func (s *SyncService) History(w http.ResponseWriter, r *http.Request) {
	count, err := utils.QueryParamInt(r, "count", 20)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	query := s.db.Preload("Institution").Order("start_time DESC").Limit(count)
	if institutionId := r.URL.Query().Get("institution_id"); institutionId != "" {
		id, err := uuid.Parse(institutionId)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid uuid '%v' provided: %v", institutionId, err), http.StatusBadRequest)
			return
		}
		query = query.Where("institution_id = ?", id)
	}

	var histories []schema.SyncHistory
	if result := query.Find(&histories); result.Error != nil {
		slog.Error("sql error listing sync history", "error", result.Error)
		http.Error(w, "error listing sync history", http.StatusInternalServerError)
		return
	}

	responses := make([]syncHistoryResponse, 0, len(histories))
	for _, h := range histories {
		res := syncHistoryResponse{
			Id: h.Id, InstitutionId: h.InstitutionId,
			StartTime: h.StartTime, EndTime: h.EndTime, Status: h.Status,
			ProductsFound: h.ProductsFound, ProductsAdded: h.ProductsAdded,
			ProductsUpdated: h.ProductsUpdated, ProductsDelisted: h.ProductsDelisted,
			ErrorDetails: h.ErrorDetails,
		}
		if h.Institution != nil {
			res.InstitutionName = h.Institution.Name
		}
		responses = append(responses, res)
	}

	utils.WriteJsonResponse(w, responses)
}

func writeAccepted(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(map[string]string{"message": message}); err != nil {
		slog.Error("error serializing response body", "error", err)
	}
}

func (s *SyncService) TriggerFullScan(w http.ResponseWriter, r *http.Request) {
	identity, err := auth.IdentityFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	recordAudit(s.db, schema.AuditLog{
		UserId: identity.UserId, UserEmail: identity.Email,
		Action: ActionTriggerScan, EntityType: "Institution", EntityId: "all",
		ClientIp: auth.ClientIp(r),
	})

	// Capture the credential now, the request context is gone once we return.
	token := identity.BearerToken
	go s.orchestrator.ScanAllInstitutions(context.Background(), token)

	writeAccepted(w, "Full scan triggered for all institutions.")
}

func (s *SyncService) TriggerInstitutionScan(w http.ResponseWriter, r *http.Request) {
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

	if _, err := schema.GetInstitution(institutionId, s.db); err != nil {
		if errors.Is(err, schema.ErrInstitutionNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	recordAudit(s.db, schema.AuditLog{
		UserId: identity.UserId, UserEmail: identity.Email,
		Action: ActionTriggerScan, EntityType: "Institution", EntityId: institutionId.String(),
		ClientIp: auth.ClientIp(r),
	})

	token := identity.BearerToken
	go func() {
		if err := s.orchestrator.ScanInstitution(context.Background(), institutionId, token); err != nil {
			slog.Error("catalog sync: triggered scan failed", "institution_id", institutionId, "error", err)
		}
	}()

	writeAccepted(w, "Scan triggered for institution.")
}
