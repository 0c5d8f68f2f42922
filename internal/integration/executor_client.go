package integration

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/noah-isme/aegis-gateway/internal/models"
)

// Outcome is the per-application result reported by the executor.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeSkipped Outcome = "skipped"
)

// ExecutorPerson is the identity sent to the executor.
type ExecutorPerson struct {
	Email      string `json:"email"`
	FirstName  string `json:"firstName"`
	LastName   string `json:"lastName"`
	JobTitle   string `json:"jobTitle"`
	Department string `json:"department,omitempty"`
}

// ApplicationOutcome is one structured executor result.
type ApplicationOutcome struct {
	Application string  `json:"application"`
	Outcome     Outcome `json:"outcome"`
	Detail      string  `json:"detail"`
}

// ProvisionResult is the executor response after legacy conversion.
type ProvisionResult struct {
	Success    bool                 `json:"success"`
	ExternalID string               `json:"externalId"`
	Outcomes   []ApplicationOutcome `json:"outcomes"`
}

type executorRequest struct {
	Person       ExecutorPerson `json:"person"`
	Applications []string       `json:"applications"`
}

type executorResponse struct {
	Success    bool                 `json:"success"`
	ExternalID string               `json:"externalId"`
	Outcomes   []ApplicationOutcome `json:"outcomes"`
	Actions    []string             `json:"actions"`
	Error      string               `json:"error"`
}

// ExecutorClient calls the provisioning executor.
type ExecutorClient struct {
	baseURL string
	name    string
	caller  jsonCaller
}

// NewExecutorClient builds a client for the executor at baseURL.
func NewExecutorClient(baseURL, name string, timeout time.Duration, observer CallObserver) *ExecutorClient {
	return NewExecutorClientWithHTTP(baseURL, name, NewHTTPClient(timeout), observer)
}

// NewExecutorClientWithHTTP builds a client on top of an existing http.Client.
func NewExecutorClientWithHTTP(baseURL, name string, client *http.Client, observer CallObserver) *ExecutorClient {
	if name == "" {
		name = "IdentityPlatform"
	}
	return &ExecutorClient{
		baseURL: baseURL,
		name:    name,
		caller:  jsonCaller{target: "executor", client: client, observer: observer},
	}
}

// Name identifies the executor in recorded actions.
func (c *ExecutorClient) Name() string {
	return c.name
}

// Provision asks the executor to provision person into applications in a single batched call.
func (c *ExecutorClient) Provision(ctx context.Context, person ExecutorPerson, applications []string) (*ProvisionResult, error) {
	if c.baseURL == "" {
		return nil, errors.New("executor url not configured")
	}
	var resp executorResponse
	body := executorRequest{Person: person, Applications: applications}
	if err := c.caller.do(ctx, http.MethodPost, joinURL(c.baseURL, "/provision"), body, &resp); err != nil {
		return nil, err
	}
	result := &ProvisionResult{Success: resp.Success, ExternalID: resp.ExternalID}
	switch {
	case len(resp.Outcomes) > 0:
		result.Outcomes = resp.Outcomes
	case len(resp.Actions) > 0:
		result.Outcomes = convertLegacyActions(resp.Actions)
	case !resp.Success:
		msg := resp.Error
		if msg == "" {
			msg = "no outcomes returned"
		}
		return nil, fmt.Errorf("executor reported failure: %s", msg)
	}
	return result, nil
}

// convertLegacyActions maps free-text results to outcomes. Entries mentioning
// "Success" are successes, everything else is a failure.
func convertLegacyActions(actions []string) []ApplicationOutcome {
	outcomes := make([]ApplicationOutcome, 0, len(actions))
	for _, action := range actions {
		outcome := OutcomeFailure
		if strings.Contains(action, "Success") {
			outcome = OutcomeSuccess
		}
		outcomes = append(outcomes, ApplicationOutcome{Outcome: outcome, Detail: action})
	}
	return outcomes
}

// PersonFromInput converts the provisioning input to the executor payload.
func PersonFromInput(in models.PersonInput) ExecutorPerson {
	return ExecutorPerson{
		Email:      in.Email,
		FirstName:  in.FirstName,
		LastName:   in.LastName,
		JobTitle:   in.JobTitle,
		Department: in.Department,
	}
}
