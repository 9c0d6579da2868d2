package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"EscrowLedger/internal/core"
	"EscrowLedger/internal/deploy"
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/observability"
	"EscrowLedger/internal/server"
)

const (
	testSeller = "0x1111111111111111111111111111111111111111"
	testAdmin  = "0x2222222222222222222222222222222222222222"
	testBuyer  = "0x3333333333333333333333333333333333333333"

	testAdminKey = "test-admin-secret"
)

type serverFixture struct {
	router chi.Router
	cancel context.CancelFunc
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	input := make(chan core.Input, 64)
	persist := make(chan core.Commit, 1024)
	projection := make(chan core.Commit, 1024)

	c := core.NewCore(0, persist, projection, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx, input, zerolog.Nop())

	health := observability.NewHealthChecker()
	health.SetReady(true)

	srv := server.New(server.Config{
		Input:       input,
		Deployer:    deploy.NewDeployer("", 0, zerolog.Nop()),
		Health:      health,
		Logger:      zerolog.Nop(),
		AdminSecret: testAdminKey,
	})

	t.Cleanup(cancel)
	return &serverFixture{router: srv.Router(), cancel: cancel}
}

func (f *serverFixture) do(t *testing.T, method, path string, body any, adminKey string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	if adminKey != "" {
		req.Header.Set("X-Admin-Key", adminKey)
	}

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func createBody(requestID string) map[string]any {
	return map[string]any{
		"request_id": requestID,
		"seller":     testSeller,
		"admin":      testAdmin,
		"amount":     int64(5_000_000),
		"listing_id": "listing-1",
	}
}

func TestCreateEscrowEndpoint(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/escrows", createBody("550e8400-e29b-41d4-a716-446655440000"), "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decodeResponse(t, rec)
	assert.NotEmpty(t, resp["instance_id"])
	assert.NotEmpty(t, resp["custodial_address"])
	assert.Equal(t, "created", resp["status"])
	assert.Equal(t, "INIT", resp["external_status"])
}

func TestCreateEscrowDuplicateReturnsSameInstance(t *testing.T) {
	f := newServerFixture(t)
	body := createBody("550e8400-e29b-41d4-a716-446655440000")

	first := f.do(t, http.MethodPost, "/v1/escrows", body, "")
	require.Equal(t, http.StatusCreated, first.Code)
	firstResp := decodeResponse(t, first)

	second := f.do(t, http.MethodPost, "/v1/escrows", body, "")
	require.Equal(t, http.StatusOK, second.Code, second.Body.String())
	secondResp := decodeResponse(t, second)

	assert.Equal(t, true, secondResp["duplicate"])
	assert.Equal(t, firstResp["instance_id"], secondResp["instance_id"])
	assert.Equal(t, firstResp["custodial_address"], secondResp["custodial_address"])
}

func TestFullDeliveryFlowOverHTTP(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/escrows", createBody("550e8400-e29b-41d4-a716-446655440000"), "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	instanceID := decodeResponse(t, rec)["instance_id"].(string)

	rec = f.do(t, http.MethodPost, "/v1/escrows/"+instanceID+"/fund", map[string]any{
		"request_id": "660e8400-e29b-41d4-a716-446655440001",
		"funder":     testBuyer,
		"amount":     int64(5_000_000),
	}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "funded", decodeResponse(t, rec)["status"])

	rec = f.do(t, http.MethodPost, "/v1/escrows/"+instanceID+"/deliver", map[string]any{
		"request_id": "770e8400-e29b-41d4-a716-446655440002",
		"caller":     testSeller,
	}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "delivered", decodeResponse(t, rec)["status"])

	rec = f.do(t, http.MethodPost, "/v1/escrows/"+instanceID+"/confirm", map[string]any{
		"request_id": "880e8400-e29b-41d4-a716-446655440003",
		"caller":     testBuyer,
	}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeResponse(t, rec)
	assert.Equal(t, "completed", resp["status"])
	assert.Equal(t, "COMPLETED", resp["external_status"])
}

func TestRejectionStatusMapping(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/escrows", createBody("550e8400-e29b-41d4-a716-446655440000"), "")
	require.Equal(t, http.StatusCreated, rec.Code)
	instanceID := decodeResponse(t, rec)["instance_id"].(string)

	// Wrong caller for deliver before funding: invalid state wins after auth.
	rec = f.do(t, http.MethodPost, "/v1/escrows/"+instanceID+"/deliver", map[string]any{
		"caller": testBuyer,
	}, "")
	assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())

	// Deliver on an unfunded escrow by the seller: conflict.
	rec = f.do(t, http.MethodPost, "/v1/escrows/"+instanceID+"/deliver", map[string]any{
		"caller": testSeller,
	}, "")
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	// Unknown instance: not found.
	rec = f.do(t, http.MethodPost, "/v1/escrows/0x9999999999999999999999999999999999999999999999999999999999999999/cancel", map[string]any{
		"caller": testSeller,
	}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())

	// Malformed address: bad request before the core sees it.
	rec = f.do(t, http.MethodPost, "/v1/escrows/"+instanceID+"/cancel", map[string]any{
		"caller": "not-an-address",
	}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
}

func TestAdminEndpointsRequireSharedSecret(t *testing.T) {
	f := newServerFixture(t)

	body := map[string]any{"caller": testAdmin, "outcome": "release"}
	path := "/v1/admin/escrows/0x9999999999999999999999999999999999999999999999999999999999999999/resolve"

	rec := f.do(t, http.MethodPost, path, body, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, path, body, "wrong-key")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Correct key reaches the core, which rejects the unknown instance.
	rec = f.do(t, http.MethodPost, path, body, testAdminKey)
	assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
}

func TestOnLedgerEndpoints(t *testing.T) {
	f := newServerFixture(t)

	instanceID := "0x4444444444444444444444444444444444444444444444444444444444444444"

	// No deploy script configured: the query surface reports it plainly.
	rec := f.do(t, http.MethodGet, "/v1/admin/escrows/"+instanceID+"/onledger", nil, testAdminKey)
	assert.Equal(t, http.StatusNotImplemented, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/v1/admin/escrows/not-hex/onledger", nil, testAdminKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// A malformed bundle never reaches the script.
	empty := &ledger.Bundle{BundleID: uuid.New()}
	rec = f.do(t, http.MethodPost, "/v1/admin/onledger/submit", empty, testAdminKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	bundleID := uuid.New()
	var sender, receiver ledger.Address
	sender[19] = 0x01
	receiver[19] = 0x02
	valid := &ledger.Bundle{
		BundleID: bundleID,
		OpRef:    "op-1",
		Instructions: []ledger.Instruction{
			{
				InstructionID: uuid.New(),
				BundleID:      bundleID,
				OpRef:         "op-1",
				Type:          ledger.InstructionTypePayment,
				Kind:          ledger.KindDisbursement,
				Sender:        ledger.CustodialAccount(sender),
				Receiver:      ledger.PartyAccount(receiver),
				Amount:        4_999_000,
				Fee:           1_000,
			},
		},
	}
	rec = f.do(t, http.MethodPost, "/v1/admin/onledger/submit", valid, testAdminKey)
	assert.Equal(t, http.StatusNotImplemented, rec.Code, rec.Body.String())

	// Admin gate applies to the on-ledger surface too.
	rec = f.do(t, http.MethodPost, "/v1/admin/onledger/submit", valid, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/readyz", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
