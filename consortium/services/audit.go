package services

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"consortium_platform/consortium/auth"
	"consortium_platform/consortium/schema"
	"consortium_platform/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Audit actions recorded on user and system operations.
const (
	ActionRequestAccess         = "RequestAccess"
	ActionCancelRequest         = "CancelRequest"
	ActionReviewRequest         = "ReviewRequest"
	ActionApproveRequest        = "ApproveRequest"
	ActionDenyRequest           = "DenyRequest"
	ActionFulfillRequest        = "FulfillRequest"
	ActionActivateAccess        = "ActivateAccess"
	ActionRevokeAccess          = "RevokeAccess"
	ActionExpireAccess          = "ExpireAccess"
	ActionRegisterInstitution   = "RegisterInstitution"
	ActionUpdateInstitution     = "UpdateInstitution"
	ActionDeactivateInstitution = "DeactivateInstitution"
	ActionTriggerScan           = "TriggerScan"
)

// statusAuditActions maps every reachable request status to the audit action
// recorded when a request enters it. The table is exhaustive over non-initial
// statuses so a new status cannot silently fall through to a default action.
var statusAuditActions = map[string]string{
	schema.UnderReview: ActionReviewRequest,
	schema.Approved:    ActionApproveRequest,
	schema.Denied:      ActionDenyRequest,
	schema.Fulfilled:   ActionFulfillRequest,
	schema.Active:      ActionActivateAccess,
	schema.Revoked:     ActionRevokeAccess,
	schema.Expired:     ActionExpireAccess,
	schema.Cancelled:   ActionCancelRequest,
}

func init() {
	for _, status := range schema.AllStatuses {
		if status == schema.Submitted {
			continue
		}
		if _, ok := statusAuditActions[status]; !ok {
			panic(fmt.Sprintf("request status %v missing from audit action table", status))
		}
	}
}

func auditActionForStatus(status string) string {
	return statusAuditActions[status]
}

// recordAudit appends an audit row. Best-effort: callers never fail their
// primary operation because the audit write did.
func recordAudit(db *gorm.DB, entry schema.AuditLog) {
	entry.Id = uuid.New()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	result := db.Create(&entry)
	if result.Error != nil {
		slog.Error("sql error recording audit entry", "action", entry.Action, "error", result.Error)
	}
}

type AuditService struct {
	db *gorm.DB
}

func (s *AuditService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(auth.AdminOnly)

	r.Get("/", s.Recent)
	r.Get("/actions", s.Actions)
	r.Get("/user/{user_id}", s.UserLogs)

	return r
}

type auditLogResponse struct {
	Id         uuid.UUID `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	UserId     string    `json:"user_id"`
	UserEmail  string    `json:"user_email"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityId   string    `json:"entity_id"`
	Details    string    `json:"details"`
	ClientIp   string    `json:"client_ip"`
}

func auditLogResponses(entries []schema.AuditLog) []auditLogResponse {
	out := make([]auditLogResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditLogResponse{
			Id: e.Id, Timestamp: e.Timestamp,
			UserId: e.UserId, UserEmail: e.UserEmail,
			Action: e.Action, EntityType: e.EntityType, EntityId: e.EntityId,
			Details: e.Details, ClientIp: e.ClientIp,
		})
	}
	return out
}

func (s *AuditService) Recent(w http.ResponseWriter, r *http.Request) {
	count, err := utils.QueryParamInt(r, "count", 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	query := s.db.Order("timestamp DESC").Limit(count)
	if action := r.URL.Query().Get("action"); action != "" {
		query = query.Where("action = ?", action)
	}

	var entries []schema.AuditLog
	if result := query.Find(&entries); result.Error != nil {
		slog.Error("sql error listing audit entries", "error", result.Error)
		http.Error(w, "error listing audit entries", http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, auditLogResponses(entries))
}

func (s *AuditService) Actions(w http.ResponseWriter, r *http.Request) {
	actions := []string{
		ActionRequestAccess, ActionCancelRequest, ActionReviewRequest,
		ActionApproveRequest, ActionDenyRequest, ActionFulfillRequest,
		ActionActivateAccess, ActionRevokeAccess, ActionExpireAccess,
		ActionRegisterInstitution, ActionUpdateInstitution,
		ActionDeactivateInstitution, ActionTriggerScan,
	}
	utils.WriteJsonResponse(w, actions)
}

func (s *AuditService) UserLogs(w http.ResponseWriter, r *http.Request) {
	userId, err := utils.URLParam(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	count, err := utils.QueryParamInt(r, "count", 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var entries []schema.AuditLog
	result := s.db.Where("user_id = ?", userId).Order("timestamp DESC").Limit(count).Find(&entries)
	if result.Error != nil {
		slog.Error("sql error listing user audit entries", "user_id", userId, "error", result.Error)
		http.Error(w, "error listing audit entries", http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, auditLogResponses(entries))
}
