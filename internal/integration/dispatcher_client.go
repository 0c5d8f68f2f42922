package integration

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/noah-isme/aegis-gateway/pkg/config"
)

// Workflow types understood by the dispatcher.
const (
	WorkflowSingleApproval = "single_approval"
	WorkflowMultiApproval  = "multi_approval"
	WorkflowPostReview     = "post_provision_review"
)

// ChainStep describes one approver in a dispatched chain.
type ChainStep struct {
	Order         int    `json:"order"`
	Level         string `json:"level"`
	Approver      string `json:"approver,omitempty"`
	ApproverEmail string `json:"approverEmail,omitempty"`
	Required      bool   `json:"required"`
}

// DispatchPayload is the body sent to the dispatcher webhooks.
type DispatchPayload struct {
	WorkflowType         string          `json:"workflowType"`
	RequestType          string          `json:"requestType"`
	TargetLogin          string          `json:"targetLogin"`
	PersonData           json.RawMessage `json:"personData,omitempty"`
	RequestedRoles       []string        `json:"requestedRoles,omitempty"`
	RequestedPermissions []string        `json:"requestedPermissions,omitempty"`
	ApprovalChain        []ChainStep     `json:"approvalChain"`
	Requester            string          `json:"requester"`
	Justification        string          `json:"justification,omitempty"`
	CallbackURL          string          `json:"callbackUrl"`
	RequestID            string          `json:"requestId"`
}

// DispatchResult is the dispatcher acknowledgement.
type DispatchResult struct {
	Success    bool   `json:"success"`
	WorkflowID string `json:"workflowId"`
	Error      string `json:"error,omitempty"`
}

// DispatcherClient triggers approval workflows on the dispatcher.
type DispatcherClient struct {
	cfg    config.DispatcherConfig
	caller jsonCaller
}

// NewDispatcherClient builds a dispatcher client from configuration.
func NewDispatcherClient(cfg config.DispatcherConfig, observer CallObserver) *DispatcherClient {
	return NewDispatcherClientWithHTTP(cfg, NewHTTPClient(cfg.Timeout), observer)
}

// NewDispatcherClientWithHTTP builds a dispatcher client on top of an existing http.Client.
func NewDispatcherClientWithHTTP(cfg config.DispatcherConfig, client *http.Client, observer CallObserver) *DispatcherClient {
	return &DispatcherClient{cfg: cfg, caller: jsonCaller{target: "dispatcher", client: client, observer: observer}}
}

// DispatchSingle starts a single-approver workflow.
func (c *DispatcherClient) DispatchSingle(ctx context.Context, payload DispatchPayload) (*DispatchResult, error) {
	payload.WorkflowType = WorkflowSingleApproval
	return c.dispatch(ctx, c.cfg.SinglePath, payload)
}

// DispatchMulti starts a multi-step approval workflow.
func (c *DispatcherClient) DispatchMulti(ctx context.Context, payload DispatchPayload) (*DispatchResult, error) {
	payload.WorkflowType = WorkflowMultiApproval
	return c.dispatch(ctx, c.cfg.MultiPath, payload)
}

// DispatchReview starts a post-provision review.
func (c *DispatcherClient) DispatchReview(ctx context.Context, payload DispatchPayload) (*DispatchResult, error) {
	payload.WorkflowType = WorkflowPostReview
	return c.dispatch(ctx, c.cfg.ReviewPath, payload)
}

func (c *DispatcherClient) dispatch(ctx context.Context, path string, payload DispatchPayload) (*DispatchResult, error) {
	if c.cfg.URL == "" {
		return nil, errors.New("dispatcher url not configured")
	}
	var result DispatchResult
	if err := c.caller.do(ctx, http.MethodPost, joinURL(c.cfg.URL, path), payload, &result); err != nil {
		return nil, err
	}
	if !result.Success {
		msg := result.Error
		if msg == "" {
			msg = "dispatcher rejected workflow"
		}
		return &result, errors.New(msg)
	}
	return &result, nil
}

// Timeout returns the configured per-call budget.
func (c *DispatcherClient) Timeout() time.Duration {
	return c.cfg.Timeout
}
