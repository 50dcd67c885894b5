package purview

import (
	"context"
	"encoding/json"
	"time"
)

// SyncResult is one shareable product reported by the external catalog,
// normalized from the provider's loosely typed payload. The core only ever
// sees this shape.
type SyncResult struct {
	QualifiedName string
	Name          string
	Description   string
	Owner         string
	OwnerEmail    string

	SourceSystem     string
	SensitivityLabel string

	Classifications []string
	GlossaryTerms   []string

	GovernanceDomain string
	AssetCount       int

	SourceLakehouseId string

	LastModified *time.Time
}

// SubmitResult is the outcome of submitting an approval workflow run.
type SubmitResult struct {
	RunId string
}

// RunStatusResult is the outcome of polling an approval workflow run.
// ApprovalOutcome is empty when the workflow has not produced one.
type RunStatusResult struct {
	RunStatus       string
	ApprovalOutcome string
}

// Scanner lists the currently shareable products of an institution's external
// catalog account. When userToken is non-empty the implementation is expected
// to exchange it for a token with the acting user's permissions; otherwise it
// falls back to a service credential. domainFilter, when non-empty, restricts
// results to those governance domain ids.
type Scanner interface {
	Scan(ctx context.Context, accountName, tenantId, userToken string, domainFilter []string) ([]SyncResult, error)
}

// WorkflowService submits and polls external approval workflow runs.
type WorkflowService interface {
	SubmitAccessRequest(ctx context.Context, accountName, tenantId, productName, justification, userToken string) (SubmitResult, error)

	RunStatus(ctx context.Context, accountName, tenantId, runId, userToken string) (RunStatusResult, error)
}

// FlexString decodes a provider field that may be a plain string or a named
// object ({"id": ..., "name": ...}), depending on the catalog version. The
// decoded value prefers the object's name, then its id.
type FlexString struct {
	Value string
	Id    string
}

func (f *FlexString) UnmarshalJSON(data []byte) error {
	var plain string
	if err := json.Unmarshal(data, &plain); err == nil {
		f.Value = plain
		f.Id = plain
		return nil
	}

	var named struct {
		Id   string `json:"id"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &named); err != nil {
		return err
	}

	f.Id = named.Id
	if named.Name != "" {
		f.Value = named.Name
	} else {
		f.Value = named.Id
	}
	return nil
}

func (f FlexString) String() string {
	return f.Value
}
