package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"EscrowLedger/internal/ledger"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type createEscrowRequest struct {
	RequestID string `json:"request_id"`
	Seller    string `json:"seller"`
	Admin     string `json:"admin"`
	Buyer     string `json:"buyer,omitempty"`
	Amount    int64  `json:"amount"`
	ListingID string `json:"listing_id"`
}

type fundRequest struct {
	RequestID       string `json:"request_id"`
	Funder          string `json:"funder"`
	Amount          int64  `json:"amount"`
	BuyerName       string `json:"buyer_name,omitempty"`
	BuyerEmail      string `json:"buyer_email,omitempty"`
	ShippingAddress string `json:"shipping_address,omitempty"`
}

// callerRequest covers the single-caller transitions: deliver, confirm,
// dispute, resolve, release, cancel.
type callerRequest struct {
	RequestID string `json:"request_id"`
	Caller    string `json:"caller"`
	Reason    string `json:"reason,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
}

type productRequest struct {
	Seller      string `json:"seller"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Price       int64  `json:"price"`
	Active      *bool  `json:"active,omitempty"`
}

type deployRequest struct {
	Env map[string]string `json:"env,omitempty"`
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

// parseRequestID returns the client-supplied idempotency key, minting one
// for interactive callers that did not send any.
func parseRequestID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.New(), nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse request_id: %w", err)
	}
	return id, nil
}

func pathInstanceID(r *http.Request) (ledger.InstanceID, error) {
	return ledger.ParseInstanceID(chi.URLParam(r, "id"))
}
