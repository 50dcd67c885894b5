package tests

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	"consortium_platform/consortium/services"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type httpTestRequest struct {
	api http.Handler

	method   string
	endpoint string
	headers  map[string]string
	json     interface{}
	expect   int
}

func newHttpTestRequest(api http.Handler, method, endpoint string) *httpTestRequest {
	return &httpTestRequest{
		api:      api,
		method:   method,
		endpoint: endpoint,
		expect:   http.StatusOK,
	}
}

func (r *httpTestRequest) Header(key, value string) *httpTestRequest {
	if r.headers == nil {
		r.headers = make(map[string]string)
	}
	r.headers[key] = value
	return r
}

func (r *httpTestRequest) Auth(token string) *httpTestRequest {
	return r.Header("Authorization", fmt.Sprintf("Bearer %v", token))
}

func (r *httpTestRequest) Json(data interface{}) *httpTestRequest {
	r.json = data
	return r
}

// Expect overrides the status treated as success, e.g. 202 for scan triggers.
func (r *httpTestRequest) Expect(status int) *httpTestRequest {
	r.expect = status
	return r
}

// response body will be parsed into result, passing nil indicates that no result is returned.
func (r *httpTestRequest) Do(result interface{}) error {
	var body io.Reader
	if r.json != nil {
		buf := new(bytes.Buffer)
		err := json.NewEncoder(buf).Encode(r.json)
		if err != nil {
			return fmt.Errorf("error encoding json body for endpoint %v: %w", r.endpoint, err)
		}
		body = buf
	}

	req := httptest.NewRequest(r.method, r.endpoint, body)
	for k, v := range r.headers {
		req.Header.Add(k, v)
	}

	w := httptest.NewRecorder()

	r.api.ServeHTTP(w, req)

	res := w.Result()
	defer res.Body.Close()

	if res.StatusCode != r.expect {
		if res.StatusCode == http.StatusUnauthorized {
			return ErrUnauthorized
		}
		return fmt.Errorf("%v request to endpoint %v returned status %d, content '%v'", r.method, r.endpoint, res.StatusCode, w.Body.String())
	}

	if result != nil {
		err := json.NewDecoder(res.Body).Decode(result)
		if err != nil {
			return fmt.Errorf("error parsing %v response from endpoint %v: %w", r.method, r.endpoint, err)
		}
	}

	return nil
}

var ErrUnauthorized = errors.New("unauthorized")

type client struct {
	api       chi.Router
	authToken string
	userId    string
}

func (c *client) Get(endpoint string) *httpTestRequest {
	r := newHttpTestRequest(c.api, "GET", endpoint)
	if c.authToken != "" {
		return r.Auth(c.authToken)
	}
	return r
}

func (c *client) Post(endpoint string) *httpTestRequest {
	r := newHttpTestRequest(c.api, "POST", endpoint)
	if c.authToken != "" {
		return r.Auth(c.authToken)
	}
	return r
}

func (c *client) Delete(endpoint string) *httpTestRequest {
	r := newHttpTestRequest(c.api, "DELETE", endpoint)
	if c.authToken != "" {
		return r.Auth(c.authToken)
	}
	return r
}

type requestInfo struct {
	Id uuid.UUID `json:"id"`

	DataProductId   uuid.UUID `json:"data_product_id"`
	DataProductName string    `json:"data_product_name"`
	InstitutionName string    `json:"institution_name"`

	RequestingUserId    string `json:"requesting_user_id"`
	RequestingUserEmail string `json:"requesting_user_email"`

	BusinessJustification string `json:"business_justification"`
	RequestedDurationDays *int   `json:"requested_duration_days"`

	Status          string    `json:"status"`
	StatusChangedAt time.Time `json:"status_changed_at"`
	StatusChangedBy string    `json:"status_changed_by"`

	ExternalShareId  string `json:"external_share_id"`
	ShortcutName     string `json:"shortcut_name"`
	ShortcutCreated  bool   `json:"shortcut_created"`
	FulfillmentError string `json:"fulfillment_error"`

	WorkflowRunId  string `json:"workflow_run_id"`
	WorkflowStatus string `json:"workflow_status"`

	ExpirationDate *time.Time `json:"expiration_date"`
	CreatedAt      time.Time  `json:"created_at"`
}

type createRequestArgs struct {
	DataProductId         uuid.UUID `json:"data_product_id"`
	TargetWorkspaceId     *string   `json:"target_workspace_id,omitempty"`
	TargetLakehouseId     *string   `json:"target_lakehouse_id,omitempty"`
	BusinessJustification string    `json:"business_justification"`
	RequestedDurationDays *int      `json:"requested_duration_days,omitempty"`
}

func (c *client) createRequest(args createRequestArgs) (requestInfo, error) {
	var res requestInfo
	err := c.Post("/requests/create").Json(args).Do(&res)
	return res, err
}

func (c *client) listRequests(query string) ([]requestInfo, error) {
	var res []requestInfo
	err := c.Get("/requests/list" + query).Do(&res)
	return res, err
}

func (c *client) getRequest(requestId uuid.UUID) (requestInfo, error) {
	var res requestInfo
	err := c.Get(fmt.Sprintf("/requests/%v", requestId)).Do(&res)
	return res, err
}

func (c *client) cancelRequest(requestId uuid.UUID) error {
	return c.Delete(fmt.Sprintf("/requests/%v", requestId)).Do(nil)
}

func (c *client) updateStatus(requestId uuid.UUID, newStatus, shareId, comment string) (requestInfo, error) {
	body := map[string]string{
		"new_status": newStatus, "external_share_id": shareId, "comment": comment,
	}

	var res requestInfo
	err := c.Post(fmt.Sprintf("/requests/%v/status", requestId)).Json(body).Do(&res)
	return res, err
}

func (c *client) retryFulfillment(requestId uuid.UUID) (services.FulfillmentReport, error) {
	var res services.FulfillmentReport
	err := c.Post(fmt.Sprintf("/requests/%v/retry-fulfillment", requestId)).Do(&res)
	return res, err
}

type fulfillmentDetails struct {
	RequestId          uuid.UUID `json:"request_id"`
	DataProductName    string    `json:"data_product_name"`
	RecipientTenantId  string    `json:"recipient_tenant_id"`
	RecipientUserEmail string    `json:"recipient_user_email"`
	FulfillmentSteps   []string  `json:"fulfillment_steps"`
}

func (c *client) fulfillmentDetails(requestId uuid.UUID) (fulfillmentDetails, error) {
	var res fulfillmentDetails
	err := c.Get(fmt.Sprintf("/requests/%v/fulfillment", requestId)).Do(&res)
	return res, err
}

type productInfo struct {
	Id          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`

	SourceSystem     string   `json:"source_system"`
	SensitivityLabel string   `json:"sensitivity_label"`
	Classifications  []string `json:"classifications"`
	GovernanceDomain string   `json:"governance_domain"`

	InstitutionId   uuid.UUID `json:"institution_id"`
	InstitutionName string    `json:"institution_name"`

	QualifiedName string `json:"qualified_name"`
	OwnerEmail    string `json:"owner_email"`

	CurrentRequest *struct {
		Id     uuid.UUID `json:"id"`
		Status string    `json:"status"`
	} `json:"current_request"`
}

func (c *client) listProducts(query string) ([]productInfo, error) {
	var res []productInfo
	err := c.Get("/catalog/products" + query).Do(&res)
	return res, err
}

func (c *client) getProduct(productId uuid.UUID) (productInfo, error) {
	var res productInfo
	err := c.Get(fmt.Sprintf("/catalog/products/%v", productId)).Do(&res)
	return res, err
}

type catalogStats struct {
	TotalProducts         int64            `json:"total_products"`
	TotalInstitutions     int64            `json:"total_institutions"`
	UserPendingRequests   int64            `json:"user_pending_requests"`
	UserActiveShares      int64            `json:"user_active_shares"`
	ProductsByInstitution map[string]int64 `json:"products_by_institution"`
}

func (c *client) catalogStats() (catalogStats, error) {
	var res catalogStats
	err := c.Get("/catalog/stats").Do(&res)
	return res, err
}

type institutionInfo struct {
	Id                  uuid.UUID `json:"id"`
	Name                string    `json:"name"`
	TenantId            string    `json:"tenant_id"`
	CatalogAccountName  string    `json:"catalog_account_name"`
	WorkspaceId         *string   `json:"workspace_id"`
	GovernanceDomainIds *string   `json:"governance_domain_ids"`
	ContactEmail        string    `json:"contact_email"`
	IsActive            bool      `json:"is_active"`
	ConsentGranted      bool      `json:"consent_granted"`
}

type registerInstitutionArgs struct {
	Name                string  `json:"name"`
	TenantId            string  `json:"tenant_id"`
	CatalogAccountName  string  `json:"catalog_account_name"`
	WorkspaceId         *string `json:"workspace_id,omitempty"`
	GovernanceDomainIds *string `json:"governance_domain_ids,omitempty"`
	ContactEmail        string  `json:"contact_email"`
}

type updateInstitutionArgs struct {
	registerInstitutionArgs

	IsActive       bool `json:"is_active"`
	ConsentGranted bool `json:"consent_granted"`
}

func (c *client) registerInstitution(args registerInstitutionArgs) (institutionInfo, error) {
	var res institutionInfo
	err := c.Post("/admin/institutions/create").Json(args).Do(&res)
	return res, err
}

func (c *client) listInstitutions(query string) ([]institutionInfo, error) {
	var res []institutionInfo
	err := c.Get("/admin/institutions/list" + query).Do(&res)
	return res, err
}

func (c *client) getInstitution(institutionId uuid.UUID) (institutionInfo, error) {
	var res institutionInfo
	err := c.Get(fmt.Sprintf("/admin/institutions/%v", institutionId)).Do(&res)
	return res, err
}

func (c *client) updateInstitution(institutionId uuid.UUID, args updateInstitutionArgs) (institutionInfo, error) {
	var res institutionInfo
	err := c.Post(fmt.Sprintf("/admin/institutions/%v/update", institutionId)).Json(args).Do(&res)
	return res, err
}

func (c *client) deactivateInstitution(institutionId uuid.UUID) error {
	return c.Delete(fmt.Sprintf("/admin/institutions/%v", institutionId)).Do(nil)
}

type syncRunInfo struct {
	Id              uuid.UUID  `json:"id"`
	InstitutionId   uuid.UUID  `json:"institution_id"`
	InstitutionName string     `json:"institution_name"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time"`
	Status          string     `json:"status"`

	ProductsFound    int `json:"products_found"`
	ProductsAdded    int `json:"products_added"`
	ProductsUpdated  int `json:"products_updated"`
	ProductsDelisted int `json:"products_delisted"`

	ErrorDetails string `json:"error_details"`
}

func (c *client) syncHistory(query string) ([]syncRunInfo, error) {
	var res []syncRunInfo
	err := c.Get("/admin/sync/history" + query).Do(&res)
	return res, err
}

func (c *client) triggerFullScan() error {
	return c.Post("/admin/sync/trigger").Expect(http.StatusAccepted).Do(nil)
}

func (c *client) triggerInstitutionScan(institutionId uuid.UUID) error {
	return c.Post(fmt.Sprintf("/admin/sync/trigger/%v", institutionId)).Expect(http.StatusAccepted).Do(nil)
}

type auditEntry struct {
	Id        uuid.UUID `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	UserId    string    `json:"user_id"`
	UserEmail string    `json:"user_email"`

	Action     string `json:"action"`
	EntityType string `json:"entity_type"`
	EntityId   string `json:"entity_id"`

	Details  string `json:"details"`
	ClientIp string `json:"client_ip"`
}

func (c *client) recentAuditLogs(query string) ([]auditEntry, error) {
	var res []auditEntry
	err := c.Get("/admin/logs/" + query).Do(&res)
	return res, err
}
