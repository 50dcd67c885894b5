package tests

import (
	"context"
	"errors"
	"testing"
	"time"

	"consortium_platform/consortium/purview"
	"consortium_platform/consortium/schema"
	"consortium_platform/consortium/services"
)

func (e *testEnv) newOrchestrator() *services.SyncOrchestrator {
	return services.NewSyncOrchestrator(e.db, e.scanner)
}

func syncResult(qualifiedName, name, domain string) purview.SyncResult {
	return purview.SyncResult{
		QualifiedName:    qualifiedName,
		Name:             name,
		Description:      "description of " + name,
		OwnerEmail:       "owner@mail.com",
		SourceSystem:     "Fabric",
		Classifications:  []string{"Confidential"},
		GovernanceDomain: domain,
		AssetCount:       3,
	}
}

func (e *testEnv) listedProducts(t *testing.T, institution schema.Institution) []schema.DataProduct {
	var products []schema.DataProduct
	result := e.db.Where("institution_id = ? AND is_listed = ?", institution.Id, true).Find(&products)
	if result.Error != nil {
		t.Fatal(result.Error)
	}
	return products
}

func TestScanAddsProducts(t *testing.T) {
	env := setupTestEnv(t)

	institution := env.seedInstitution(t, "inst-a", "tenant-a")
	env.scanner.SetResults("inst-a-catalog", []purview.SyncResult{
		syncResult("inst-a://p1", "Clinical Trials", "health"),
		syncResult("inst-a://p2", "Genomics", "health"),
	})

	if err := env.newOrchestrator().ScanInstitution(context.Background(), institution.Id, ""); err != nil {
		t.Fatal(err)
	}

	products := env.listedProducts(t, institution)
	if len(products) != 2 {
		t.Fatalf("expected 2 products, got %d", len(products))
	}

	admin := env.adminClient(t)
	history, err := admin.syncHistory("")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Fatalf("expected one sync run, got %d", len(history))
	}
	run := history[0]
	if run.Status != schema.SyncSuccess || run.EndTime == nil {
		t.Fatalf("expected finalized successful run, got %+v", run)
	}
	if run.ProductsFound != 2 || run.ProductsAdded != 2 || run.ProductsUpdated != 0 || run.ProductsDelisted != 0 {
		t.Fatalf("unexpected counts: %+v", run)
	}
}

func TestScanUpdatesWithoutDuplicating(t *testing.T) {
	env := setupTestEnv(t)

	institution := env.seedInstitution(t, "inst-a", "tenant-a")
	orchestrator := env.newOrchestrator()

	env.scanner.SetResults("inst-a-catalog", []purview.SyncResult{
		syncResult("inst-a://p1", "Clinical Trials", "health"),
	})
	if err := orchestrator.ScanInstitution(context.Background(), institution.Id, ""); err != nil {
		t.Fatal(err)
	}

	// Same key, changed name and description.
	env.scanner.SetResults("inst-a-catalog", []purview.SyncResult{
		syncResult("inst-a://p1", "Clinical Trials v2", "health"),
	})
	if err := orchestrator.ScanInstitution(context.Background(), institution.Id, ""); err != nil {
		t.Fatal(err)
	}

	products := env.listedProducts(t, institution)
	if len(products) != 1 {
		t.Fatalf("expected product updated in place, got %d rows", len(products))
	}
	if products[0].Name != "Clinical Trials v2" {
		t.Fatalf("expected updated name, got %v", products[0].Name)
	}

	admin := env.adminClient(t)
	history, err := admin.syncHistory("")
	if err != nil {
		t.Fatal(err)
	}
	latest := history[0]
	if latest.ProductsAdded != 0 || latest.ProductsUpdated != 1 {
		t.Fatalf("expected one update and no adds, got %+v", latest)
	}
}

func TestScanDelistsMissingProducts(t *testing.T) {
	env := setupTestEnv(t)

	institution := env.seedInstitution(t, "inst-a", "tenant-a")
	orchestrator := env.newOrchestrator()

	env.scanner.SetResults("inst-a-catalog", []purview.SyncResult{
		syncResult("inst-a://p1", "Clinical Trials", "health"),
		syncResult("inst-a://p2", "Genomics", "health"),
	})
	if err := orchestrator.ScanInstitution(context.Background(), institution.Id, ""); err != nil {
		t.Fatal(err)
	}

	env.scanner.SetResults("inst-a-catalog", []purview.SyncResult{
		syncResult("inst-a://p1", "Clinical Trials", "health"),
	})
	if err := orchestrator.ScanInstitution(context.Background(), institution.Id, ""); err != nil {
		t.Fatal(err)
	}

	listed := env.listedProducts(t, institution)
	if len(listed) != 1 || listed[0].QualifiedName != "inst-a://p1" {
		t.Fatalf("expected p2 delisted, got %+v", listed)
	}

	// Delisted, not deleted: the row and its history remain.
	var total int64
	env.db.Model(&schema.DataProduct{}).Where("institution_id = ?", institution.Id).Count(&total)
	if total != 2 {
		t.Fatalf("expected both rows retained, got %d", total)
	}

	// A product returning in a later scan is relisted.
	env.scanner.SetResults("inst-a-catalog", []purview.SyncResult{
		syncResult("inst-a://p1", "Clinical Trials", "health"),
		syncResult("inst-a://p2", "Genomics", "health"),
	})
	if err := orchestrator.ScanInstitution(context.Background(), institution.Id, ""); err != nil {
		t.Fatal(err)
	}
	if listed := env.listedProducts(t, institution); len(listed) != 2 {
		t.Fatalf("expected p2 relisted, got %+v", listed)
	}
}

func TestScanEmptyResultDelistsAll(t *testing.T) {
	env := setupTestEnv(t)

	institution := env.seedInstitution(t, "inst-a", "tenant-a")
	env.seedProduct(t, institution, "inst-a://p1", "Clinical Trials")

	env.scanner.SetResults("inst-a-catalog", nil)

	if err := env.newOrchestrator().ScanInstitution(context.Background(), institution.Id, ""); err != nil {
		t.Fatal(err)
	}

	if listed := env.listedProducts(t, institution); len(listed) != 0 {
		t.Fatalf("expected everything delisted on an empty scan, got %+v", listed)
	}
}

func TestScanDomainFilter(t *testing.T) {
	env := setupTestEnv(t)

	institution := env.seedInstitution(t, "inst-a", "tenant-a")
	env.db.Model(&schema.Institution{}).Where("id = ?", institution.Id).
		Update("governance_domain_ids", "health, finance")

	env.scanner.SetResults("inst-a-catalog", []purview.SyncResult{
		syncResult("inst-a://p1", "Clinical Trials", "health"),
		syncResult("inst-a://p2", "Market Data", "finance"),
		syncResult("inst-a://p3", "HR Records", "internal"),
	})

	if err := env.newOrchestrator().ScanInstitution(context.Background(), institution.Id, ""); err != nil {
		t.Fatal(err)
	}

	products := env.listedProducts(t, institution)
	if len(products) != 2 {
		t.Fatalf("expected the out-of-domain product excluded, got %d", len(products))
	}

	admin := env.adminClient(t)
	history, err := admin.syncHistory("")
	if err != nil {
		t.Fatal(err)
	}
	if history[0].ProductsFound != 2 || history[0].ProductsAdded != 2 {
		t.Fatalf("expected filtered counts, got %+v", history[0])
	}
}

func TestScanConsentGate(t *testing.T) {
	env := setupTestEnv(t)

	institution := env.seedInstitution(t, "inst-a", "tenant-a")
	env.db.Model(&schema.Institution{}).Where("id = ?", institution.Id).
		Update("consent_granted", false)

	env.scanner.SetResults("inst-a-catalog", []purview.SyncResult{
		syncResult("inst-a://p1", "Clinical Trials", "health"),
	})

	if err := env.newOrchestrator().ScanInstitution(context.Background(), institution.Id, ""); err != nil {
		t.Fatal(err)
	}

	// Skipped entirely: no scan, no products, no history record.
	if env.scanner.Scans() != 0 {
		t.Fatal("expected no catalog call for a non-consented institution")
	}

	var histories int64
	env.db.Model(&schema.SyncHistory{}).Count(&histories)
	if histories != 0 {
		t.Fatalf("expected no sync history, got %d", histories)
	}
}

func TestScanFailureRecorded(t *testing.T) {
	env := setupTestEnv(t)

	institution := env.seedInstitution(t, "inst-a", "tenant-a")
	env.seedProduct(t, institution, "inst-a://p1", "Clinical Trials")

	env.scanner.FailAccount("inst-a-catalog", errors.New("catalog unavailable"))

	err := env.newOrchestrator().ScanInstitution(context.Background(), institution.Id, "")
	if err == nil {
		t.Fatal("expected scan error to propagate")
	}

	admin := env.adminClient(t)
	history, err := admin.syncHistory("")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Fatalf("expected one sync run, got %d", len(history))
	}
	run := history[0]
	if run.Status != schema.SyncFailed || run.EndTime == nil || run.ErrorDetails == "" {
		t.Fatalf("expected failed run with error details, got %+v", run)
	}

	// The existing catalog is untouched by a failed scan.
	if listed := env.listedProducts(t, institution); len(listed) != 1 {
		t.Fatalf("expected products unchanged, got %+v", listed)
	}
}

func TestBatchScanFaultIsolation(t *testing.T) {
	env := setupTestEnv(t)

	broken := env.seedInstitution(t, "inst-a", "tenant-a")
	healthy := env.seedInstitution(t, "inst-b", "tenant-b")

	env.scanner.FailAccount("inst-a-catalog", errors.New("catalog unavailable"))
	env.scanner.SetResults("inst-b-catalog", []purview.SyncResult{
		syncResult("inst-b://p1", "Survey Data", "research"),
	})

	env.newOrchestrator().ScanAllInstitutions(context.Background(), "")

	if listed := env.listedProducts(t, healthy); len(listed) != 1 {
		t.Fatalf("expected the healthy institution scanned, got %+v", listed)
	}

	admin := env.adminClient(t)
	failed, err := admin.syncHistory("?institution_id=" + broken.Id.String())
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].Status != schema.SyncFailed {
		t.Fatalf("expected a failed run for the broken institution, got %+v", failed)
	}
}

func TestBatchScanSkipsInactiveInstitutions(t *testing.T) {
	env := setupTestEnv(t)

	inactive := env.seedInstitution(t, "inst-a", "tenant-a")
	env.db.Model(&schema.Institution{}).Where("id = ?", inactive.Id).Update("is_active", false)

	env.newOrchestrator().ScanAllInstitutions(context.Background(), "")

	if env.scanner.Scans() != 0 {
		t.Fatal("expected inactive institutions excluded from the batch")
	}
}

func TestTriggerScanEndpoints(t *testing.T) {
	env := setupTestEnv(t)

	institution := env.seedInstitution(t, "inst-a", "tenant-a")
	env.scanner.SetResults("inst-a-catalog", []purview.SyncResult{
		syncResult("inst-a://p1", "Clinical Trials", "health"),
	})

	user := env.userClient(t, "user1")
	admin := env.adminClient(t)

	// Triggers are admin only.
	if err := user.triggerFullScan(); err == nil {
		t.Fatal("expected trigger to be admin only")
	}

	if err := admin.triggerInstitutionScan(institution.Id); err != nil {
		t.Fatal(err)
	}

	// The scan runs detached from the triggering request.
	deadline := time.Now().Add(5 * time.Second)
	for len(env.listedProducts(t, institution)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("triggered scan did not complete")
		}
		time.Sleep(10 * time.Millisecond)
	}

	logs, err := admin.recentAuditLogs("?action=TriggerScan")
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 || logs[0].EntityId != institution.Id.String() {
		t.Fatalf("expected a TriggerScan audit entry, got %+v", logs)
	}
}
