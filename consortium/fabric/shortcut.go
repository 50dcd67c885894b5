package fabric

import (
	"context"
	"regexp"
)

// ShareSpec identifies the two endpoints of a cross-tenant share: the item to
// share in the source institution's workspace, and the lakehouse in the
// recipient's workspace where the shortcut lands.
type ShareSpec struct {
	SourceWorkspaceId string
	SourceItemId      string
	SourceTenantId    string

	RecipientTenantId  string
	RecipientUserEmail string

	TargetWorkspaceId string
	TargetLakehouseId string

	// Display name of the data product; the shortcut name derives from it.
	ProductName string

	// Share id recorded by an earlier partially successful attempt. When set
	// the share phase is skipped and only the shortcut is created, so a retry
	// never provisions a second share.
	ExistingShareId string
}

// Result reports how far the two-phase provisioning got. PartialSuccess means
// the share was created but the shortcut was not; the share id is set so the
// consumer can finish manually.
type Result struct {
	Success        bool
	PartialSuccess bool

	ShareId      string
	ShortcutName string

	Err error
}

// ShortcutService provisions and revokes cross-tenant share + shortcut pairs.
type ShortcutService interface {
	CreateCrossTenantShare(ctx context.Context, spec ShareSpec) Result

	RevokeShare(ctx context.Context, sourceWorkspaceId, sourceItemId, shareId, sourceTenantId string) bool
}

var (
	shortcutSeparators = regexp.MustCompile(`[\s\-]+`)
	shortcutInvalid    = regexp.MustCompile(`[^\w]`)
)

// ShortcutName derives a shortcut name from a product name: whitespace and
// hyphens collapse to underscores, remaining non-word characters are
// stripped, and the result is truncated to the 128 character limit. The name
// is stable across retries for the same product.
func ShortcutName(productName string) string {
	name := shortcutSeparators.ReplaceAllString(productName, "_")
	name = shortcutInvalid.ReplaceAllString(name, "")
	if len(name) > 128 {
		name = name[:128]
	}
	return name
}
