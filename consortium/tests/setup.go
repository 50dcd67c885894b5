package tests

import (
	"bytes"
	"testing"
	"time"

	"consortium_platform/consortium/auth"
	"consortium_platform/consortium/schema"
	"consortium_platform/consortium/services"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type testEnv struct {
	consortium services.Consortium
	api        chi.Router
	db         *gorm.DB

	scanner   *ScannerStub
	workflow  *WorkflowStub
	shortcuts *ShortcutStub
	notifier  *NotifyStub

	variables services.Variables
}

var testSecret = []byte("8fj20sk19dm38aq2")

func setupTestEnv(t *testing.T) *testEnv {
	return setupTestEnvWith(t, services.Variables{AutoFulfill: true})
}

func setupTestEnvWith(t *testing.T, variables services.Variables) *testEnv {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatal(err)
	}

	// Each sqlite in-memory connection is its own database; keep the pool at
	// one connection so background goroutines see the same data.
	sqlDb, err := db.DB()
	if err != nil {
		t.Fatal(err)
	}
	sqlDb.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&schema.Institution{}, &schema.DataProduct{}, &schema.AccessRequest{},
		&schema.SyncHistory{}, &schema.AuditLog{},
	)
	if err != nil {
		t.Fatal(err)
	}

	scanner := newScannerStub()
	workflow := newWorkflowStub()
	shortcuts := newShortcutStub()
	notifier := newNotifyStub()

	consortium := services.NewConsortium(
		db, scanner, workflow, shortcuts, notifier, variables, testSecret, new(bytes.Buffer),
	)

	return &testEnv{
		consortium: consortium,
		api:        consortium.Routes(),
		db:         db,
		scanner:    scanner,
		workflow:   workflow,
		shortcuts:  shortcuts,
		notifier:   notifier,
		variables:  variables,
	}
}

func (e *testEnv) clientFor(t *testing.T, identity auth.Identity) client {
	token, err := e.consortium.UserAuth().CreateUserJwt(identity, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return client{api: e.api, authToken: token, userId: identity.UserId}
}

func (e *testEnv) userClient(t *testing.T, userId string) client {
	return e.clientFor(t, auth.Identity{
		UserId: userId, Email: userId + "@mail.com", Name: userId,
	})
}

func (e *testEnv) tenantUserClient(t *testing.T, userId, tenantId string) client {
	return e.clientFor(t, auth.Identity{
		UserId: userId, Email: userId + "@mail.com", Name: userId, TenantId: tenantId,
	})
}

func (e *testEnv) adminClient(t *testing.T) client {
	return e.clientFor(t, auth.Identity{
		UserId: "admin123", Email: "admin123@mail.com", Name: "admin123", IsAdmin: true,
	})
}

func strPtr(s string) *string {
	return &s
}

func intPtr(i int) *int {
	return &i
}

// seedInstitution creates an active, consented institution ready for scans
// and fulfillment. Callers override fields directly on the returned record.
func (e *testEnv) seedInstitution(t *testing.T, name, tenantId string) schema.Institution {
	institution := schema.Institution{
		Id:                 uuid.New(),
		Name:               name,
		TenantId:           tenantId,
		CatalogAccountName: name + "-catalog",
		WorkspaceId:        strPtr("workspace-" + name),
		ContactEmail:       name + "-owner@mail.com",
		IsActive:           true,
		ConsentGranted:     true,
	}
	if result := e.db.Create(&institution); result.Error != nil {
		t.Fatal(result.Error)
	}
	return institution
}

func (e *testEnv) seedProduct(t *testing.T, institution schema.Institution, qualifiedName, name string) schema.DataProduct {
	product := schema.DataProduct{
		Id:                uuid.New(),
		QualifiedName:     qualifiedName,
		InstitutionId:     institution.Id,
		Name:              name,
		Description:       "seeded product " + name,
		OwnerEmail:        "owner@mail.com",
		SourceSystem:      "Fabric",
		SourceLakehouseId: strPtr("lakehouse-" + name),
		IsListed:          true,
	}
	if result := e.db.Create(&product); result.Error != nil {
		t.Fatal(result.Error)
	}
	return product
}

func (e *testEnv) loadRequest(t *testing.T, requestId uuid.UUID) schema.AccessRequest {
	request, err := schema.GetAccessRequest(requestId, e.db, true)
	if err != nil {
		t.Fatal(err)
	}
	return request
}
