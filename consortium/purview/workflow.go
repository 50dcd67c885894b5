package purview

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/avast/retry-go/v4"
)

const workflowApiVersion = "2022-05-01-preview"

// HttpWorkflowService drives the Purview approval workflow API: it submits
// grant-access user requests and polls workflow runs for their status and
// approval outcome.
type HttpWorkflowService struct {
	// AccountUrlPattern formats the per-account endpoint, e.g.
	// "https://%v.purview.azure.com".
	AccountUrlPattern string
	Tokens            TokenSource
	Retry             RetryPolicy
}

func (s *HttpWorkflowService) endpoint(accountName string) string {
	return fmt.Sprintf(s.AccountUrlPattern, accountName)
}

func (s *HttpWorkflowService) SubmitAccessRequest(ctx context.Context, accountName, tenantId, productName, justification, userToken string) (SubmitResult, error) {
	token, err := s.Tokens.Token(ctx, tenantId, userToken)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("error acquiring workflow token for account %v: %w", accountName, err)
	}

	payload := map[string]interface{}{
		"operations": []map[string]interface{}{{
			"type": "GrantDataAccess",
			"payload": map[string]interface{}{
				"note":            justification,
				"purviewDataRole": "DataReader",
				"dataAssetName":   productName,
			},
		}},
		"comment": "Access request submitted via consortium platform",
	}

	url := fmt.Sprintf("%v/workflow/userrequests?api-version=%v", s.endpoint(accountName), workflowApiVersion)

	var body struct {
		RequestId  string `json:"requestId"`
		Operations []struct {
			WorkflowRunIds []string `json:"workflowRunIds"`
		} `json:"operations"`
	}

	err = retry.Do(func() error {
		return s.send(ctx, "POST", url, token, payload, &body)
	}, s.Retry.Options(ctx, "workflow submit")...)
	if err != nil {
		return SubmitResult{}, err
	}

	runId := body.RequestId
	if len(body.Operations) > 0 && len(body.Operations[0].WorkflowRunIds) > 0 {
		runId = body.Operations[0].WorkflowRunIds[0]
	}
	if runId == "" {
		return SubmitResult{}, fmt.Errorf("workflow api for account %v returned no run id", accountName)
	}

	return SubmitResult{RunId: runId}, nil
}

func (s *HttpWorkflowService) RunStatus(ctx context.Context, accountName, tenantId, runId, userToken string) (RunStatusResult, error) {
	token, err := s.Tokens.Token(ctx, tenantId, userToken)
	if err != nil {
		return RunStatusResult{}, fmt.Errorf("error acquiring workflow token for account %v: %w", accountName, err)
	}

	url := fmt.Sprintf("%v/workflow/workflowruns/%v?api-version=%v", s.endpoint(accountName), runId, workflowApiVersion)

	var body workflowRun
	err = retry.Do(func() error {
		return s.send(ctx, "GET", url, token, nil, &body)
	}, s.Retry.Options(ctx, "workflow poll")...)
	if err != nil {
		return RunStatusResult{}, err
	}

	return RunStatusResult{
		RunStatus:       body.Status.Value,
		ApprovalOutcome: body.approvalOutcome(),
	}, nil
}

func (s *HttpWorkflowService) send(ctx context.Context, method, url, token string, payload, result interface{}) error {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("error encoding workflow request body: %w", err)
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
		return fmt.Errorf("error sending %v request to workflow api: %w", method, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		data, _ := io.ReadAll(res.Body)
		return fmt.Errorf("workflow api returned status %d: %v", res.StatusCode, string(data))
	}

	return json.NewDecoder(res.Body).Decode(result)
}

// workflowRun is the loosely typed run payload. The approval outcome hides in
// the run's action map under an approval action; its exact path has shifted
// between provider versions, so several locations are probed in order.
type workflowRun struct {
	Status  FlexString                `json:"status"`
	Actions map[string]workflowAction `json:"actions"`
	Result  FlexString                `json:"result"`
}

type workflowAction struct {
	Type   FlexString `json:"type"`
	Output struct {
		Body struct {
			Outcome FlexString `json:"outcome"`
		} `json:"body"`
	} `json:"output"`
	Outcome FlexString `json:"outcome"`
	Result  FlexString `json:"result"`
	Status  FlexString `json:"status"`
}

func (r *workflowRun) approvalOutcome() string {
	for name, action := range r.Actions {
		isApproval := strings.Contains(strings.ToLower(name), "approval") ||
			strings.EqualFold(action.Type.Value, "Approval")
		if !isApproval {
			continue
		}

		for _, candidate := range []string{
			action.Output.Body.Outcome.Value,
			action.Outcome.Value,
			action.Result.Value,
			action.Status.Value,
		} {
			if candidate != "" {
				return candidate
			}
		}
	}

	return r.Result.Value
}
