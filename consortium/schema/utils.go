package schema

import (
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrInstitutionNotFound = errors.New("institution not found")
	ErrProductNotFound     = errors.New("data product not found")
	ErrRequestNotFound     = errors.New("access request not found")
	ErrSyncRunNotFound     = errors.New("sync run not found")
	ErrDbAccessFailed      = errors.New("db access failed")
)

func GetInstitution(institutionId uuid.UUID, db *gorm.DB) (Institution, error) {
	var institution Institution

	result := db.First(&institution, "id = ?", institutionId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return institution, ErrInstitutionNotFound
		}
		slog.Error("sql error in get institution", "institution_id", institutionId, "error", result.Error)
		return institution, ErrDbAccessFailed
	}

	return institution, nil
}

func GetInstitutionByTenant(tenantId string, db *gorm.DB) (*Institution, error) {
	var institution Institution

	result := db.First(&institution, "tenant_id = ?", tenantId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrInstitutionNotFound
		}
		slog.Error("sql error in get institution by tenant", "tenant_id", tenantId, "error", result.Error)
		return nil, ErrDbAccessFailed
	}

	return &institution, nil
}

func GetDataProduct(productId uuid.UUID, db *gorm.DB, loadInstitution bool) (DataProduct, error) {
	var product DataProduct

	query := db
	if loadInstitution {
		query = query.Preload("Institution")
	}
	result := query.First(&product, "id = ?", productId)

	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return product, ErrProductNotFound
		}
		slog.Error("sql error in get data product", "product_id", productId, "error", result.Error)
		return product, ErrDbAccessFailed
	}

	return product, nil
}

// GetProductByQualifiedName looks up a product by its externally stable
// (institution, qualified name) key.
func GetProductByQualifiedName(institutionId uuid.UUID, qualifiedName string, db *gorm.DB) (*DataProduct, error) {
	var product DataProduct

	result := db.First(&product, "institution_id = ? AND qualified_name = ?", institutionId, qualifiedName)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.Error("sql error in get product by qualified name",
			"institution_id", institutionId, "qualified_name", qualifiedName, "error", result.Error)
		return nil, ErrDbAccessFailed
	}

	return &product, nil
}

func GetAccessRequest(requestId uuid.UUID, db *gorm.DB, loadRelations bool) (AccessRequest, error) {
	var request AccessRequest

	query := db
	if loadRelations {
		query = query.
			Preload("DataProduct").
			Preload("DataProduct.Institution").
			Preload("RequestingInstitution")
	}
	result := query.First(&request, "id = ?", requestId)

	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return request, ErrRequestNotFound
		}
		slog.Error("sql error in get access request", "request_id", requestId, "error", result.Error)
		return request, ErrDbAccessFailed
	}

	return request, nil
}

// GetActiveRequest returns the blocking request for a (user, product) pair,
// or nil when the user has no request in a blocking state.
func GetActiveRequest(userId string, productId uuid.UUID, db *gorm.DB) (*AccessRequest, error) {
	var request AccessRequest

	result := db.First(&request,
		"requesting_user_id = ? AND data_product_id = ? AND status IN ?",
		userId, productId, BlockingStatuses)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.Error("sql error in get active request", "user_id", userId, "product_id", productId, "error", result.Error)
		return nil, ErrDbAccessFailed
	}

	return &request, nil
}
