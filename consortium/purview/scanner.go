package purview

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
)

const (
	dataProductsApiVersion = "2025-09-15-preview"
	scanPageSize           = 100
)

// HttpScanner lists shareable data products from the Purview unified catalog
// over its REST API.
type HttpScanner struct {
	BaseUrl string
	Tokens  TokenSource
	Retry   RetryPolicy
}

// RetryPolicy bounds retries of individual external calls. Retries never span
// multiple calls.
type RetryPolicy struct {
	Attempts uint
	Delay    time.Duration
}

func (p RetryPolicy) Options(ctx context.Context, op string) []retry.Option {
	attempts := p.Attempts
	if attempts == 0 {
		attempts = 3
	}
	delay := p.Delay
	if delay == 0 {
		delay = time.Second
	}
	return []retry.Option{
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			slog.Warn("retrying external call", "op", op, "attempt", n+1, "error", err)
		}),
	}
}

// catalogItem is the provider payload for one data product. Fields that vary
// between catalog versions (string vs named object) decode through FlexString.
type catalogItem struct {
	QualifiedName string `json:"qualifiedName"`
	Name          string `json:"name"`
	Description   string `json:"description"`

	Owner FlexString `json:"owner"`

	Contacts struct {
		Owner []struct {
			Email string `json:"email"`
		} `json:"owner"`
	} `json:"contacts"`

	SourceSystem     FlexString `json:"sourceSystem"`
	SensitivityLabel FlexString `json:"sensitivityLabel"`

	Classifications []FlexString `json:"classifications"`
	GlossaryTerms   []FlexString `json:"glossaryTerms"`

	GovernanceDomain FlexString `json:"governanceDomain"`
	Domain           FlexString `json:"domain"`

	AssetCount  int        `json:"assetCount"`
	LakehouseId string     `json:"lakehouseItemId"`
	Modified    *time.Time `json:"lastModifiedAt"`
}

func (s *HttpScanner) Scan(ctx context.Context, accountName, tenantId, userToken string, domainFilter []string) ([]SyncResult, error) {
	token, err := s.Tokens.Token(ctx, tenantId, userToken)
	if err != nil {
		return nil, fmt.Errorf("error acquiring catalog token for account %v: %w", accountName, err)
	}

	filter := make(map[string]struct{}, len(domainFilter))
	for _, id := range domainFilter {
		filter[strings.ToLower(strings.TrimSpace(id))] = struct{}{}
	}

	results := make([]SyncResult, 0)
	skip := 0
	total := 0

	for {
		items, more, err := s.fetchPage(ctx, accountName, token, skip)
		if err != nil {
			return nil, err
		}
		total += len(items)

		for _, item := range items {
			if len(filter) > 0 && !domainMatches(item, filter) {
				slog.Debug("skipping data product outside governance domain filter",
					"name", item.Name, "domain", item.GovernanceDomain.Value)
				continue
			}
			results = append(results, mapCatalogItem(item))
		}

		if !more || len(items) == 0 {
			break
		}
		skip += scanPageSize
	}

	slog.Info("catalog scan complete", "account", accountName, "found", len(results), "total", total)
	return results, nil
}

func (s *HttpScanner) fetchPage(ctx context.Context, accountName, token string, skip int) ([]catalogItem, bool, error) {
	endpoint := fmt.Sprintf("%v/datagovernance/catalog/dataProducts?api-version=%v&top=%d&skip=%d",
		strings.TrimSuffix(s.BaseUrl, "/"), dataProductsApiVersion, scanPageSize, skip)

	var body struct {
		Value    []catalogItem `json:"value"`
		NextLink string        `json:"nextLink"`
	}

	err := retry.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)

		res, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("error sending catalog request for account %v: %w", accountName, err)
		}
		defer res.Body.Close()

		if res.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(res.Body)
			return fmt.Errorf("catalog api for account %v returned status %d: %v", accountName, res.StatusCode, string(data))
		}

		return json.NewDecoder(res.Body).Decode(&body)
	}, s.Retry.Options(ctx, "catalog scan")...)

	if err != nil {
		return nil, false, err
	}

	return body.Value, body.NextLink != "" || len(body.Value) == scanPageSize, nil
}

// domainMatches resolves the item's governance domain (either field, id or
// display value) against the filter set. An item with no resolvable domain is
// excluded when a filter is configured.
func domainMatches(item catalogItem, filter map[string]struct{}) bool {
	for _, candidate := range []string{
		item.GovernanceDomain.Id, item.GovernanceDomain.Value,
		item.Domain.Id, item.Domain.Value,
	} {
		if candidate == "" {
			continue
		}
		if _, ok := filter[strings.ToLower(candidate)]; ok {
			return true
		}
	}
	return false
}

func mapCatalogItem(item catalogItem) SyncResult {
	classifications := make([]string, 0, len(item.Classifications))
	for _, c := range item.Classifications {
		classifications = append(classifications, c.Value)
	}
	terms := make([]string, 0, len(item.GlossaryTerms))
	for _, t := range item.GlossaryTerms {
		terms = append(terms, t.Value)
	}

	ownerEmail := ""
	if len(item.Contacts.Owner) > 0 {
		ownerEmail = item.Contacts.Owner[0].Email
	}

	domain := item.GovernanceDomain.Value
	if domain == "" {
		domain = item.Domain.Value
	}

	return SyncResult{
		QualifiedName:     item.QualifiedName,
		Name:              item.Name,
		Description:       item.Description,
		Owner:             item.Owner.Value,
		OwnerEmail:        ownerEmail,
		SourceSystem:      item.SourceSystem.Value,
		SensitivityLabel:  item.SensitivityLabel.Value,
		Classifications:   classifications,
		GlossaryTerms:     terms,
		GovernanceDomain:  domain,
		AssetCount:        item.AssetCount,
		SourceLakehouseId: item.LakehouseId,
		LastModified:      item.Modified,
	}
}
