package schema

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Institution is a consortium member organization with its own tenant and
// external catalog account.
type Institution struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name               string `gorm:"size:200;not null"`
	TenantId           string `gorm:"size:100;not null;index"`
	CatalogAccountName string `gorm:"size:200;not null"`

	WorkspaceId *string `gorm:"size:100"`

	// Comma separated governance domain ids. When set, catalog scans only
	// pick up products in these domains.
	GovernanceDomainIds *string

	ContactEmail string `gorm:"size:254;not null"`

	IsActive       bool `gorm:"not null;default:true"`
	ConsentGranted bool `gorm:"not null;default:false"`

	CreatedAt time.Time
	UpdatedAt time.Time

	DataProducts  []DataProduct `gorm:"constraint:OnDelete:RESTRICT"`
	SyncHistories []SyncHistory `gorm:"constraint:OnDelete:CASCADE"`
}

// ScanReady reports whether scanning and fulfillment may run against this
// institution.
func (i *Institution) ScanReady() bool {
	return i.IsActive && i.ConsentGranted
}

// DomainFilter parses the comma separated governance domain list. Nil means
// no filter is configured and every domain is in scope.
func (i *Institution) DomainFilter() []string {
	if i.GovernanceDomainIds == nil || *i.GovernanceDomainIds == "" {
		return nil
	}
	parts := strings.Split(*i.GovernanceDomainIds, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// DataProduct is a catalog entry owned by one institution, sourced from that
// institution's external catalog. The externally stable key is
// (InstitutionId, QualifiedName).
type DataProduct struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	QualifiedName string    `gorm:"size:500;not null;uniqueIndex:idx_product_key"`
	InstitutionId uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_product_key"`
	Institution   *Institution

	Name        string `gorm:"size:500;not null"`
	Description string
	Owner       string `gorm:"size:200"`
	OwnerEmail  string `gorm:"size:254"`

	SourceSystem     string `gorm:"size:200"`
	SensitivityLabel string `gorm:"size:100"`

	ClassificationsJson string
	GlossaryTermsJson   string

	GovernanceDomain string `gorm:"size:200"`
	AssetCount       int

	// Lakehouse item in the owning institution's workspace. Required for
	// automated fulfillment.
	SourceLakehouseId *string `gorm:"size:100"`

	IsListed bool `gorm:"not null;default:true"`

	LastSyncedAt         *time.Time
	ExternalLastModified *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time

	AccessRequests []AccessRequest `gorm:"constraint:OnDelete:RESTRICT"`
}

func (p *DataProduct) Classifications() []string {
	return decodeStringList(p.ClassificationsJson)
}

func (p *DataProduct) GlossaryTerms() []string {
	return decodeStringList(p.GlossaryTermsJson)
}

func decodeStringList(raw string) []string {
	if raw == "" {
		return []string{}
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return []string{}
	}
	return out
}

func EncodeStringList(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// AccessRequest is one user's request for time-bounded access to one data
// product. Terminal requests are never deleted, they are retained for audit.
type AccessRequest struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	DataProductId uuid.UUID    `gorm:"type:uuid;not null;index"`
	DataProduct   *DataProduct `gorm:"constraint:OnDelete:RESTRICT"`

	RequestingUserId    string `gorm:"size:100;not null;index"`
	RequestingUserEmail string `gorm:"size:254;not null"`
	RequestingUserName  string `gorm:"size:200;not null"`

	RequestingInstitutionId *uuid.UUID   `gorm:"type:uuid"`
	RequestingInstitution   *Institution `gorm:"constraint:OnDelete:SET NULL"`

	// Tenant captured from the requester's token at submission time. Falls
	// back to the requesting institution's tenant during fulfillment.
	RequestingTenantId *string `gorm:"size:100"`

	TargetWorkspaceId *string `gorm:"size:100"`
	TargetLakehouseId *string `gorm:"size:100"`

	BusinessJustification string `gorm:"not null"`
	RequestedDurationDays *int

	Status          string `gorm:"size:50;not null"`
	StatusChangedAt time.Time
	StatusChangedBy string `gorm:"size:200"`

	ExternalShareId string `gorm:"size:200"`
	ShortcutName    string `gorm:"size:128"`
	ShortcutCreated bool   `gorm:"not null;default:false"`

	WorkflowRunId  string `gorm:"size:200"`
	WorkflowStatus string `gorm:"size:100"`

	// Diagnostic detail recorded when automated fulfillment fails partway.
	FulfillmentError string

	ExpirationDate *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SyncHistory is one record per catalog sync run against one institution.
// Append-only: created when the scan starts, finalized when it ends.
type SyncHistory struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	InstitutionId uuid.UUID `gorm:"type:uuid;not null;index"`
	Institution   *Institution

	StartTime time.Time `gorm:"not null"`
	EndTime   *time.Time

	Status string `gorm:"size:50;not null"`

	ProductsFound    int
	ProductsAdded    int
	ProductsUpdated  int
	ProductsDelisted int

	ErrorDetails string
}

// AuditLog is an append-only record of a user or system action.
type AuditLog struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Timestamp time.Time `gorm:"not null;index"`

	UserId    string `gorm:"size:100"`
	UserEmail string `gorm:"size:254"`

	Action     string `gorm:"size:100;not null"`
	EntityType string `gorm:"size:100"`
	EntityId   string `gorm:"size:100"`

	Details  string
	ClientIp string `gorm:"size:100"`
}
