package services

import (
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"consortium_platform/consortium/auth"
	"consortium_platform/consortium/fabric"
	"consortium_platform/consortium/notify"
	"consortium_platform/consortium/purview"
	"consortium_platform/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

type Consortium struct {
	request     RequestService
	catalog     CatalogService
	institution InstitutionService
	sync        SyncService
	audit       AuditService

	reconciler *Reconciler

	db          *gorm.DB
	userAuth    *auth.JwtManager
	auditLogger auth.AuditLogger
}

func NewConsortium(
	db *gorm.DB,
	scanner purview.Scanner,
	workflow purview.WorkflowService,
	shortcuts fabric.ShortcutService,
	notifier notify.Service,
	variables Variables,
	secret []byte,
	auditStream io.Writer,
) Consortium {
	fulfiller := NewFulfiller(db, shortcuts, notifier, variables)
	reconciler := NewReconciler(db, workflow, fulfiller, variables)
	orchestrator := NewSyncOrchestrator(db, scanner)

	return Consortium{
		request: RequestService{
			db: db, workflow: workflow, notifier: notifier,
			fulfiller: fulfiller, reconciler: reconciler,
		},
		catalog:     CatalogService{db: db},
		institution: InstitutionService{db: db},
		sync:        SyncService{db: db, orchestrator: orchestrator},
		audit:       AuditService{db: db},

		reconciler: reconciler,

		db:          db,
		userAuth:    auth.NewJwtManager(secret),
		auditLogger: auth.NewAuditLogger(auditStream),
	}
}

func (c *Consortium) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger: log.New(os.Stderr, "", log.LstdFlags), NoColor: false,
	}))

	r.Group(func(r chi.Router) {
		r.Use(c.userAuth.Verifier())
		r.Use(c.userAuth.Authenticator())
		r.Use(auth.IdentityMiddleware)
		r.Use(c.auditLogger.Middleware)

		r.Mount("/requests", c.request.Routes())
		r.Mount("/catalog", c.catalog.Routes())
		r.Mount("/admin/institutions", c.institution.Routes())
		r.Mount("/admin/sync", c.sync.Routes())
		r.Mount("/admin/logs", c.audit.Routes())
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		utils.WriteSuccess(w)
	})
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// UserAuth exposes the jwt manager so deployments and tests can mint tokens.
func (c *Consortium) UserAuth() *auth.JwtManager {
	return c.userAuth
}

// ReconcileLoop runs periodic workflow reconciliation sweeps until
// StopReconcileLoop is called.
func (c *Consortium) ReconcileLoop(interval time.Duration) {
	c.reconciler.ReconcileLoop(interval)
}

func (c *Consortium) StopReconcileLoop() {
	c.reconciler.StopReconcileLoop()
}
