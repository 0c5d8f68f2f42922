package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/aegis-gateway/internal/dto"
	"github.com/noah-isme/aegis-gateway/internal/models"
	appErrors "github.com/noah-isme/aegis-gateway/pkg/errors"
)

type fakeCallbackSrv struct {
	req      *models.ProvisioningRequest
	err      error
	decision dto.ApprovalCallback
	review   dto.ReviewCallback
	calls    int
}

func (f *fakeCallbackSrv) HandleDecision(ctx context.Context, callback dto.ApprovalCallback) (*models.ProvisioningRequest, error) {
	f.calls++
	f.decision = callback
	return f.req, f.err
}

func (f *fakeCallbackSrv) HandleReview(ctx context.Context, callback dto.ReviewCallback) (*models.ProvisioningRequest, error) {
	f.calls++
	f.review = callback
	return f.req, f.err
}

func decodeCallback(t *testing.T, body []byte) dto.CallbackResponse {
	t.Helper()
	var resp dto.CallbackResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp
}

func TestCallbackHandlerApprovalIsRepeatable(t *testing.T) {
	srv := &fakeCallbackSrv{req: &models.ProvisioningRequest{ID: "req-1", Status: models.RequestStatusCompleted}}
	handler := NewCallbackHandler(srv)
	body := map[string]interface{}{"requestId": "req-1", "stepOrder": 1, "decision": "approved", "approverLogin": "mgr.lee"}

	for i := 0; i < 2; i++ {
		c, rec := newTestContext(http.MethodPost, "/callbacks/approval", body)
		handler.Approval(c)

		require.Equal(t, http.StatusOK, rec.Code)
		resp := decodeCallback(t, rec.Body.Bytes())
		assert.True(t, resp.Success)
		assert.Equal(t, models.RequestStatusCompleted, resp.Status)
	}
	assert.Equal(t, 2, srv.calls)
	assert.Equal(t, 1, srv.decision.StepOrder)
	assert.Equal(t, models.StepStatusApproved, srv.decision.Decision)
}

func TestCallbackHandlerApplyFailureAnswersWithFinalStatus(t *testing.T) {
	srv := &fakeCallbackSrv{
		req: &models.ProvisioningRequest{ID: "req-1", Status: models.RequestStatusFailed},
		err: appErrors.WithStep(appErrors.Clone(appErrors.ErrNotFound, "identity user alice not found"), appErrors.StepApply),
	}
	handler := NewCallbackHandler(srv)

	c, rec := newTestContext(http.MethodPost, "/callbacks/approval", map[string]interface{}{"requestId": "req-1", "stepOrder": 1, "decision": "approved"})
	handler.Approval(c)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeCallback(t, rec.Body.Bytes())
	assert.False(t, resp.Success)
	assert.Equal(t, models.RequestStatusFailed, resp.Status)
}

func TestCallbackHandlerErrors(t *testing.T) {
	srv := &fakeCallbackSrv{err: appErrors.Clone(appErrors.ErrNotFound, "request not found")}
	handler := NewCallbackHandler(srv)

	c, rec := newTestContext(http.MethodPost, "/callbacks/approval", map[string]interface{}{"requestId": "nope", "stepOrder": 1, "decision": "approved"})
	handler.Approval(c)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	srv.err = appErrors.Clone(appErrors.ErrConflict, "approval step 1 already approved")
	c, rec = newTestContext(http.MethodPost, "/callbacks/approval", map[string]interface{}{"requestId": "req-1", "stepOrder": 1, "decision": "rejected"})
	handler.Approval(c)
	assert.Equal(t, http.StatusConflict, rec.Code)

	c, rec = newTestContext(http.MethodPost, "/callbacks/review", "[]")
	handler.Review(c)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 2, srv.calls)
}

func TestCallbackHandlerReview(t *testing.T) {
	srv := &fakeCallbackSrv{req: &models.ProvisioningRequest{ID: "req-7", Status: models.RequestStatusRejected}}
	handler := NewCallbackHandler(srv)

	c, rec := newTestContext(http.MethodPost, "/callbacks/review", map[string]interface{}{"requestId": "req-7", "approved": false, "reviewer": "owner"})
	handler.Review(c)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.RequestStatusRejected, decodeCallback(t, rec.Body.Bytes()).Status)
	require.NotNil(t, srv.review.Approved)
	assert.False(t, *srv.review.Approved)
	assert.Equal(t, "owner", srv.review.Reviewer)
}

func TestCallbackHandlerReviewRequiresOutcome(t *testing.T) {
	srv := &fakeCallbackSrv{req: &models.ProvisioningRequest{ID: "req-7", Status: models.RequestStatusRejected}}
	handler := NewCallbackHandler(srv)

	c, rec := newTestContext(http.MethodPost, "/callbacks/review", map[string]interface{}{"requestId": "req-7", "reviewer": "owner"})
	handler.Review(c)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, srv.calls)
}
