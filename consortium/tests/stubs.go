package tests

import (
	"context"
	"fmt"
	"sync"

	"consortium_platform/consortium/fabric"
	"consortium_platform/consortium/purview"
)

// ScannerStub returns canned scan results per catalog account. It applies the
// domain filter the way the real scanner does so sync tests can exercise
// filtered scans.
type ScannerStub struct {
	mu sync.Mutex

	results map[string][]purview.SyncResult
	errs    map[string]error

	scans      int
	lastToken  string
	lastFilter []string
}

func newScannerStub() *ScannerStub {
	return &ScannerStub{
		results: make(map[string][]purview.SyncResult),
		errs:    make(map[string]error),
	}
}

func (s *ScannerStub) SetResults(accountName string, results []purview.SyncResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[accountName] = results
}

func (s *ScannerStub) FailAccount(accountName string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[accountName] = err
}

func (s *ScannerStub) Scans() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scans
}

func (s *ScannerStub) Scan(ctx context.Context, accountName, tenantId, userToken string, domainFilter []string) ([]purview.SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.scans++
	s.lastToken = userToken
	s.lastFilter = domainFilter

	if err := s.errs[accountName]; err != nil {
		return nil, err
	}

	results := s.results[accountName]
	if len(domainFilter) == 0 {
		return results, nil
	}

	filterSet := make(map[string]struct{}, len(domainFilter))
	for _, d := range domainFilter {
		filterSet[d] = struct{}{}
	}

	filtered := make([]purview.SyncResult, 0, len(results))
	for _, r := range results {
		if _, ok := filterSet[r.GovernanceDomain]; ok {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

// WorkflowStub records submissions and serves canned run statuses.
type WorkflowStub struct {
	mu sync.Mutex

	nextRun   int
	statuses  map[string]purview.RunStatusResult
	submitErr error
	statusErr map[string]error

	submissions []string
	polls       map[string]int
	lastToken   string
}

func newWorkflowStub() *WorkflowStub {
	return &WorkflowStub{
		statuses:  make(map[string]purview.RunStatusResult),
		statusErr: make(map[string]error),
		polls:     make(map[string]int),
	}
}

func (s *WorkflowStub) SetRunStatus(runId string, status purview.RunStatusResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[runId] = status
}

func (s *WorkflowStub) FailRun(runId string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusErr[runId] = err
}

func (s *WorkflowStub) FailSubmit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitErr = err
}

func (s *WorkflowStub) Polls(runId string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls[runId]
}

func (s *WorkflowStub) SubmitAccessRequest(ctx context.Context, accountName, tenantId, productName, justification, userToken string) (purview.SubmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.submitErr != nil {
		return purview.SubmitResult{}, s.submitErr
	}

	s.nextRun++
	runId := fmt.Sprintf("run-%d", s.nextRun)
	s.submissions = append(s.submissions, runId)
	s.statuses[runId] = purview.RunStatusResult{RunStatus: "InProgress"}
	return purview.SubmitResult{RunId: runId}, nil
}

func (s *WorkflowStub) RunStatus(ctx context.Context, accountName, tenantId, runId, userToken string) (purview.RunStatusResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.polls[runId]++
	s.lastToken = userToken

	if err := s.statusErr[runId]; err != nil {
		return purview.RunStatusResult{}, err
	}

	status, ok := s.statuses[runId]
	if !ok {
		return purview.RunStatusResult{}, fmt.Errorf("unknown workflow run %v", runId)
	}
	return status, nil
}

// ShortcutStub simulates the two-phase provisioning with a switchable
// outcome.
type ShortcutStub struct {
	mu sync.Mutex

	shareFails    bool
	shortcutFails bool

	nextShare int
	calls     []fabric.ShareSpec
	shares    []string
	revoked   []string
}

func newShortcutStub() *ShortcutStub {
	return &ShortcutStub{}
}

func (s *ShortcutStub) FailSharePhase(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shareFails = fail
}

func (s *ShortcutStub) FailShortcutPhase(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shortcutFails = fail
}

func (s *ShortcutStub) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// SharesCreated counts distinct shares provisioned, excluding reused ones.
func (s *ShortcutStub) SharesCreated() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.shares)
}

func (s *ShortcutStub) CreateCrossTenantShare(ctx context.Context, spec fabric.ShareSpec) fabric.Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, spec)

	shareId := spec.ExistingShareId
	if shareId == "" {
		if s.shareFails {
			return fabric.Result{Err: fmt.Errorf("share creation unavailable")}
		}
		s.nextShare++
		shareId = fmt.Sprintf("share-%d", s.nextShare)
		s.shares = append(s.shares, shareId)
	}

	if s.shortcutFails {
		return fabric.Result{
			PartialSuccess: true, ShareId: shareId,
			Err: fmt.Errorf("shortcut creation unavailable"),
		}
	}

	return fabric.Result{
		Success: true, ShareId: shareId, ShortcutName: fabric.ShortcutName(spec.ProductName),
	}
}

func (s *ShortcutStub) RevokeShare(ctx context.Context, sourceWorkspaceId, sourceItemId, shareId, sourceTenantId string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked = append(s.revoked, shareId)
	return true
}

type notification struct {
	Recipient string
	Product   string
	Status    string
}

// NotifyStub records notifications for assertions.
type NotifyStub struct {
	mu   sync.Mutex
	sent []notification
	err  error
}

func newNotifyStub() *NotifyStub {
	return &NotifyStub{}
}

func (s *NotifyStub) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *NotifyStub) Sent() []notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notification{}, s.sent...)
}

func (s *NotifyStub) AccessRequestSubmitted(ctx context.Context, ownerEmail, productName, requestingUser, justification string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, notification{Recipient: ownerEmail, Product: productName, Status: "submitted"})
	return nil
}

func (s *NotifyStub) StatusChanged(ctx context.Context, recipientEmail, productName, newStatus, comment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, notification{Recipient: recipientEmail, Product: productName, Status: newStatus})
	return nil
}
