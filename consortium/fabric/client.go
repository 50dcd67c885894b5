package fabric

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"consortium_platform/consortium/purview"

	"github.com/avast/retry-go/v4"
)

// HttpShortcutService provisions cross-tenant shares over the Fabric REST
// API:
//
//	share:    POST   /v1/workspaces/{ws}/items/{item}/externalDataShares
//	shortcut: POST   /v1/workspaces/{ws}/items/{lakehouse}/shortcuts
//	revoke:   DELETE /v1/workspaces/{ws}/items/{item}/externalDataShares/{id}
type HttpShortcutService struct {
	BaseUrl string
	Tokens  purview.TokenSource
	Retry   purview.RetryPolicy
}

func (s *HttpShortcutService) CreateCrossTenantShare(ctx context.Context, spec ShareSpec) Result {
	shareId := spec.ExistingShareId
	if shareId == "" {
		var err error
		shareId, err = s.createShare(ctx, spec)
		if err != nil {
			slog.Error("external data share creation failed",
				"product", spec.ProductName, "source_workspace", spec.SourceWorkspaceId, "error", err)
			return Result{Err: fmt.Errorf("external data share creation failed: %w", err)}
		}
		slog.Info("external data share created", "product", spec.ProductName, "share_id", shareId)
	} else {
		slog.Info("reusing external data share from earlier attempt",
			"product", spec.ProductName, "share_id", shareId)
	}

	shortcutName, err := s.createShortcut(ctx, spec, shareId)
	if err != nil {
		slog.Warn("share created but shortcut creation failed, consumer may finish manually",
			"product", spec.ProductName, "share_id", shareId, "error", err)
		return Result{
			PartialSuccess: true,
			ShareId:        shareId,
			Err:            fmt.Errorf("share created but shortcut creation failed: %w", err),
		}
	}

	slog.Info("cross-tenant shortcut created",
		"product", spec.ProductName, "share_id", shareId, "shortcut", shortcutName)

	return Result{Success: true, ShareId: shareId, ShortcutName: shortcutName}
}

func (s *HttpShortcutService) RevokeShare(ctx context.Context, sourceWorkspaceId, sourceItemId, shareId, sourceTenantId string) bool {
	token, err := s.Tokens.Token(ctx, sourceTenantId, "")
	if err != nil {
		slog.Error("error acquiring token to revoke share", "share_id", shareId, "error", err)
		return false
	}

	url := fmt.Sprintf("%v/workspaces/%v/items/%v/externalDataShares/%v",
		s.BaseUrl, sourceWorkspaceId, sourceItemId, shareId)

	err = retry.Do(func() error {
		return s.send(ctx, "DELETE", url, token, nil, nil)
	}, s.retryOptions(ctx, "revoke share")...)
	if err != nil {
		slog.Error("error revoking external data share", "share_id", shareId, "error", err)
		return false
	}

	slog.Info("external data share revoked", "share_id", shareId)
	return true
}

func (s *HttpShortcutService) createShare(ctx context.Context, spec ShareSpec) (string, error) {
	token, err := s.Tokens.Token(ctx, spec.SourceTenantId, "")
	if err != nil {
		return "", fmt.Errorf("error acquiring source tenant token: %w", err)
	}

	url := fmt.Sprintf("%v/workspaces/%v/items/%v/externalDataShares",
		s.BaseUrl, spec.SourceWorkspaceId, spec.SourceItemId)

	payload := map[string]interface{}{
		"paths": []map[string]string{{"path": "/"}},
		"recipient": map[string]string{
			"tenantId":          spec.RecipientTenantId,
			"userPrincipalName": spec.RecipientUserEmail,
		},
	}

	var body struct {
		Id string `json:"id"`
	}
	err = retry.Do(func() error {
		return s.send(ctx, "POST", url, token, payload, &body)
	}, s.retryOptions(ctx, "create share")...)
	if err != nil {
		return "", err
	}
	if body.Id == "" {
		return "", fmt.Errorf("share api returned no share id")
	}

	return body.Id, nil
}

func (s *HttpShortcutService) createShortcut(ctx context.Context, spec ShareSpec, shareId string) (string, error) {
	token, err := s.Tokens.Token(ctx, spec.RecipientTenantId, "")
	if err != nil {
		return "", fmt.Errorf("error acquiring recipient tenant token: %w", err)
	}

	url := fmt.Sprintf("%v/workspaces/%v/items/%v/shortcuts",
		s.BaseUrl, spec.TargetWorkspaceId, spec.TargetLakehouseId)

	name := ShortcutName(spec.ProductName)
	payload := map[string]interface{}{
		"name": name,
		"path": "Tables/" + name,
		"target": map[string]interface{}{
			"oneLake": map[string]string{
				"workspaceId": spec.SourceWorkspaceId,
				"itemId":      spec.SourceItemId,
				"shareId":     shareId,
				"path":        "/",
			},
		},
	}

	err = retry.Do(func() error {
		return s.send(ctx, "POST", url, token, payload, nil)
	}, s.retryOptions(ctx, "create shortcut")...)
	if err != nil {
		return "", err
	}

	return name, nil
}

func (s *HttpShortcutService) send(ctx context.Context, method, url, token string, payload, result interface{}) error {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("error encoding fabric request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("error sending %v request to fabric api: %w", method, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		data, _ := io.ReadAll(res.Body)
		return fmt.Errorf("fabric api returned status %d: %v", res.StatusCode, string(data))
	}

	if result != nil {
		return json.NewDecoder(res.Body).Decode(result)
	}
	return nil
}

func (s *HttpShortcutService) retryOptions(ctx context.Context, op string) []retry.Option {
	return s.Retry.Options(ctx, op)
}
