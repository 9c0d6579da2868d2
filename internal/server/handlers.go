package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"EscrowLedger/internal/core"
	"EscrowLedger/internal/deploy"
	"EscrowLedger/internal/escrow"
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/operation"
	"EscrowLedger/internal/orders"
	"EscrowLedger/internal/query"
)

type opResponse struct {
	InstanceID       string `json:"instance_id"`
	CustodialAddress string `json:"custodial_address,omitempty"`
	Status           string `json:"status,omitempty"`
	ExternalStatus   string `json:"external_status,omitempty"`
	Duplicate        bool   `json:"duplicate,omitempty"`
}

// --- escrow operations ---

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createEscrowRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	requestID, err := parseRequestID(req.RequestID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	seller, err := ledger.ParseAddress(req.Seller)
	if err != nil {
		writeError(w, http.StatusBadRequest, "seller: "+err.Error())
		return
	}
	admin, err := ledger.ParseAddress(req.Admin)
	if err != nil {
		writeError(w, http.StatusBadRequest, "admin: "+err.Error())
		return
	}
	buyer := ledger.ZeroAddress
	if req.Buyer != "" {
		if buyer, err = ledger.ParseAddress(req.Buyer); err != nil {
			writeError(w, http.StatusBadRequest, "buyer: "+err.Error())
			return
		}
	}

	op := &operation.CreateEscrow{
		RequestID: requestID,
		Seller:    seller,
		Admin:     admin,
		Buyer:     buyer,
		Amount:    req.Amount,
		ListingID: req.ListingID,
		Timestamp: time.Now(),
	}

	// The instance id is derived from the request, so the caller learns
	// it even when the commit is a redelivered duplicate.
	instanceID := op.Instance()
	custodial := ledger.DeriveCustodialAddress(instanceID)

	result, err := s.submitOp(r.Context(), op)
	switch {
	case errors.Is(err, core.ErrDuplicateOperation):
		writeJSON(w, http.StatusOK, opResponse{
			InstanceID:       instanceID.String(),
			CustodialAddress: custodial.String(),
			Duplicate:        true,
		})
	case err != nil:
		s.writeOpError(w, err)
	default:
		writeJSON(w, http.StatusCreated, opResponse{
			InstanceID:       instanceID.String(),
			CustodialAddress: custodial.String(),
			Status:           result.Instance.Status.String(),
			ExternalStatus:   result.ExternalStatus,
		})
	}
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	id, err := pathInstanceID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req fundRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	requestID, err := parseRequestID(req.RequestID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	funder, err := ledger.ParseAddress(req.Funder)
	if err != nil {
		writeError(w, http.StatusBadRequest, "funder: "+err.Error())
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	op := &operation.FundEscrow{
		RequestID: requestID,
		ID:        id,
		Funder:    funder,
		Bundle:    escrow.NewFundingBundle(id, funder, req.Amount, requestID),
		Timestamp: time.Now(),
	}

	result, err := s.submitOp(r.Context(), op)
	if err != nil && !errors.Is(err, core.ErrDuplicateOperation) {
		s.writeOpError(w, err)
		return
	}

	// Buyer contact metadata lives only on the commerce order row.
	if req.BuyerName != "" || req.BuyerEmail != "" || req.ShippingAddress != "" {
		if err := s.orders.AttachBuyerDetails(r.Context(), id.String(), req.BuyerName, req.BuyerEmail, req.ShippingAddress); err != nil {
			s.logger.Warn().Err(err).Str("instance_id", id.String()).Msg("attach buyer details failed")
		}
	}

	resp := opResponse{InstanceID: id.String()}
	if result != nil {
		resp.Status = result.Instance.Status.String()
		resp.ExternalStatus = result.ExternalStatus
	} else {
		resp.Duplicate = true
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleTransition serves the single-caller transitions that share a
// request shape.
func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, build func(requestID uuid.UUID, id ledger.InstanceID, caller ledger.Address, req callerRequest) (operation.Operation, error)) {
	id, err := pathInstanceID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req callerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	requestID, err := parseRequestID(req.RequestID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := ledger.ParseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, "caller: "+err.Error())
		return
	}

	op, err := build(requestID, id, caller, req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.submitOp(r.Context(), op)
	switch {
	case errors.Is(err, core.ErrDuplicateOperation):
		writeJSON(w, http.StatusOK, opResponse{InstanceID: id.String(), Duplicate: true})
	case err != nil:
		s.writeOpError(w, err)
	default:
		writeJSON(w, http.StatusOK, opResponse{
			InstanceID:     id.String(),
			Status:         result.Instance.Status.String(),
			ExternalStatus: result.ExternalStatus,
		})
	}
}

func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, func(requestID uuid.UUID, id ledger.InstanceID, caller ledger.Address, _ callerRequest) (operation.Operation, error) {
		return &operation.MarkDelivered{RequestID: requestID, ID: id, Seller: caller, Timestamp: time.Now()}, nil
	})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, func(requestID uuid.UUID, id ledger.InstanceID, caller ledger.Address, _ callerRequest) (operation.Operation, error) {
		return &operation.ConfirmDelivery{RequestID: requestID, ID: id, Buyer: caller, Timestamp: time.Now()}, nil
	})
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, func(requestID uuid.UUID, id ledger.InstanceID, caller ledger.Address, req callerRequest) (operation.Operation, error) {
		return &operation.RaiseDispute{RequestID: requestID, ID: id, Buyer: caller, Reason: req.Reason, Timestamp: time.Now()}, nil
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, func(requestID uuid.UUID, id ledger.InstanceID, caller ledger.Address, _ callerRequest) (operation.Operation, error) {
		return &operation.CancelEscrow{RequestID: requestID, ID: id, Seller: caller, Timestamp: time.Now()}, nil
	})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, func(requestID uuid.UUID, id ledger.InstanceID, caller ledger.Address, req callerRequest) (operation.Operation, error) {
		return &operation.ResolveDispute{RequestID: requestID, ID: id, Admin: caller, Outcome: req.Outcome, Timestamp: time.Now()}, nil
	})
}

func (s *Server) handleAdminRelease(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, func(requestID uuid.UUID, id ledger.InstanceID, caller ledger.Address, _ callerRequest) (operation.Operation, error) {
		return &operation.AdminRelease{RequestID: requestID, ID: id, Admin: caller, Timestamp: time.Now()}, nil
	})
}

// --- reads ---

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	resp, err := s.query.GetEscrow(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, query.ErrNotFound) {
		writeError(w, http.StatusNotFound, "escrow not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("get escrow failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListEscrows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	resp, err := s.query.ListEscrows(r.Context(), q.Get("seller"), q.Get("buyer"), q.Get("status"), queryInt(q.Get("limit")))
	if err != nil {
		s.logger.Error().Err(err).Msg("list escrows failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"escrows": resp})
}

func (s *Server) handleInstructionHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var after *int64
	if v := q.Get("after_sequence"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "after_sequence: "+err.Error())
			return
		}
		after = &n
	}

	entries, err := s.query.GetInstructionHistory(r.Context(), chi.URLParam(r, "id"), queryInt(q.Get("limit")), after)
	if err != nil {
		s.logger.Error().Err(err).Msg("instruction history failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instructions": entries})
}

func (s *Server) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.query.VerifyIntegrity(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("integrity check failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.deployer.Deploy(r.Context(), req.Env)
	if errors.Is(err, deploy.ErrNoScript) {
		writeError(w, http.StatusNotImplemented, "deploy script not configured")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("deploy failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleOnLedgerQuery asks the deploy script for the chain's view of one
// escrow instance.
func (s *Server) handleOnLedgerQuery(w http.ResponseWriter, r *http.Request) {
	id, err := pathInstanceID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.deployer.Query(r.Context(), id)
	if errors.Is(err, deploy.ErrNoScript) {
		writeError(w, http.StatusNotImplemented, "deploy script not configured")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("instance_id", id.String()).Msg("on-ledger query failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleOnLedgerSubmit re-submits a settlement bundle that never landed
// on-ledger. The bundle must validate before it reaches the script.
func (s *Server) handleOnLedgerSubmit(w http.ResponseWriter, r *http.Request) {
	var bundle ledger.Bundle
	if err := decodeBody(r, &bundle); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := bundle.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.deployer.Submit(r.Context(), &bundle)
	if errors.Is(err, deploy.ErrNoScript) {
		writeError(w, http.StatusNotImplemented, "deploy script not configured")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("bundle_id", bundle.BundleID.String()).Msg("on-ledger submit failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- orders ---

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.orders.List(r.Context(), orders.ListFilter{
		Buyer:  q.Get("buyer"),
		Seller: q.Get("seller"),
		Status: q.Get("status"),
		Limit:  queryInt(q.Get("limit")),
		Offset: queryInt(q.Get("offset")),
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("list orders failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": list})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.orders.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, orders.ErrNotFound) {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("get order failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// --- products ---

func (s *Server) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req productRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Seller == "" || req.Name == "" || req.Price <= 0 {
		writeError(w, http.StatusBadRequest, "seller, name, and a positive price are required")
		return
	}

	p := &orders.Product{
		Seller:      req.Seller,
		Name:        req.Name,
		Description: req.Description,
		Price:       req.Price,
		Active:      true,
	}
	if req.Active != nil {
		p.Active = *req.Active
	}
	if err := s.products.Create(r.Context(), p); err != nil {
		s.logger.Error().Err(err).Msg("create product failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.products.List(r.Context(), q.Get("seller"), q.Get("active") == "true", queryInt(q.Get("limit")), queryInt(q.Get("offset")))
	if err != nil {
		s.logger.Error().Err(err).Msg("list products failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": list})
}

func (s *Server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "product id: "+err.Error())
		return
	}
	p, err := s.products.Get(r.Context(), id)
	if errors.Is(err, orders.ErrNotFound) {
		writeError(w, http.StatusNotFound, "product not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("get product failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "product id: "+err.Error())
		return
	}
	var req productRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	p := &orders.Product{
		ProductID:   id,
		Name:        req.Name,
		Description: req.Description,
		Price:       req.Price,
		Active:      true,
	}
	if req.Active != nil {
		p.Active = *req.Active
	}
	err = s.products.Update(r.Context(), p)
	if errors.Is(err, orders.ErrNotFound) {
		writeError(w, http.StatusNotFound, "product not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("update product failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeactivateProduct(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "product id: "+err.Error())
		return
	}
	err = s.products.Deactivate(r.Context(), id)
	if errors.Is(err, orders.ErrNotFound) {
		writeError(w, http.StatusNotFound, "product not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("deactivate product failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func queryInt(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
