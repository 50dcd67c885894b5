package tests

import (
	"testing"

	"consortium_platform/consortium/schema"
)

func TestAuditLogEndpoints(t *testing.T) {
	env := setupTestEnv(t)

	institution := env.seedInstitution(t, "inst-a", "tenant-a")
	product := env.seedProduct(t, institution, "inst-a://p1", "Clinical Trials")

	user := env.userClient(t, "user1")
	admin := env.adminClient(t)

	// Audit access is admin only.
	if _, err := user.recentAuditLogs(""); err == nil {
		t.Fatal("expected audit logs to be admin only")
	}

	request := env.submitRequest(t, user, product.Id, 30)
	if _, err := admin.updateStatus(request.Id, schema.UnderReview, "", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := admin.updateStatus(request.Id, schema.Denied, "", "policy violation"); err != nil {
		t.Fatal(err)
	}

	logs, err := admin.recentAuditLogs("")
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 3 {
		t.Fatalf("expected 3 audit entries, got %d", len(logs))
	}
	// Newest first.
	if logs[0].Action != "DenyRequest" || logs[2].Action != "RequestAccess" {
		t.Fatalf("unexpected ordering: %+v", logs)
	}
	for _, entry := range logs {
		if entry.EntityId != request.Id.String() || entry.Timestamp.IsZero() {
			t.Fatalf("incomplete audit entry: %+v", entry)
		}
	}

	byAction, err := admin.recentAuditLogs("?action=ReviewRequest")
	if err != nil {
		t.Fatal(err)
	}
	if len(byAction) != 1 || byAction[0].UserId != "admin123" {
		t.Fatalf("expected the review entry attributed to the admin, got %+v", byAction)
	}

	byUser, err := admin.recentAuditLogs("user/user1")
	if err != nil {
		t.Fatal(err)
	}
	if len(byUser) != 1 || byUser[0].Action != "RequestAccess" {
		t.Fatalf("expected only user1's entry, got %+v", byUser)
	}

	limited, err := admin.recentAuditLogs("?count=1")
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected count limit honored, got %d", len(limited))
	}
}

func TestAuditActionCatalog(t *testing.T) {
	env := setupTestEnv(t)

	admin := env.adminClient(t)

	var actions []string
	if err := admin.Get("/admin/logs/actions").Do(&actions); err != nil {
		t.Fatal(err)
	}
	if len(actions) == 0 {
		t.Fatal("expected the action catalog to be non-empty")
	}

	seen := make(map[string]bool, len(actions))
	for _, a := range actions {
		if seen[a] {
			t.Fatalf("duplicate action %v", a)
		}
		seen[a] = true
	}
	for _, expected := range []string{"RequestAccess", "FulfillRequest", "TriggerScan"} {
		if !seen[expected] {
			t.Fatalf("expected action %v in the catalog", expected)
		}
	}
}
