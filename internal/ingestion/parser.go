package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"EscrowLedger/internal/escrow"
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/operation"

	"github.com/google/uuid"
)

// OpTypeFromSubject extracts the operation type from a subject of the form
// escrow.ops.{verb}.{source}.
func OpTypeFromSubject(subject string) (string, error) {
	parts := strings.Split(subject, ".")
	if len(parts) < 3 || parts[0] != "escrow" || parts[1] != "ops" {
		return "", fmt.Errorf("unrecognized subject: %s", subject)
	}
	switch parts[2] {
	case "create":
		return "CreateEscrow", nil
	case "fund":
		return "FundEscrow", nil
	case "deliver":
		return "MarkDelivered", nil
	case "confirm":
		return "ConfirmDelivery", nil
	case "dispute":
		return "RaiseDispute", nil
	case "resolve":
		return "ResolveDispute", nil
	case "release":
		return "AdminRelease", nil
	case "cancel":
		return "CancelEscrow", nil
	default:
		return "", fmt.Errorf("unknown operation subject token: %s", parts[2])
	}
}

// SourceFromSubject extracts the producing source name, the token after the
// operation verb. Sources drive per-source sequence validation in the core.
func SourceFromSubject(subject string) string {
	parts := strings.Split(subject, ".")
	if len(parts) >= 4 && parts[3] != "" {
		return parts[3]
	}
	return "default"
}

// ParseRawOp converts a RawOp (JSON bytes + operation type string) into a
// typed operation. The ingestion shell validates, parses, and converts raw
// messages before sending to the deterministic core.
func ParseRawOp(raw RawOp, opType string) (operation.Operation, error) {
	switch opType {
	case "CreateEscrow":
		return parseCreateEscrow(raw.Data)
	case "FundEscrow":
		return parseFundEscrow(raw.Data)
	case "MarkDelivered":
		return parseMarkDelivered(raw.Data)
	case "ConfirmDelivery":
		return parseConfirmDelivery(raw.Data)
	case "RaiseDispute":
		return parseRaiseDispute(raw.Data)
	case "ResolveDispute":
		return parseResolveDispute(raw.Data)
	case "AdminRelease":
		return parseAdminRelease(raw.Data)
	case "CancelEscrow":
		return parseCancelEscrow(raw.Data)
	default:
		return nil, fmt.Errorf("unknown operation type: %s", opType)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS and the HTTP
// ingest surface. Field names use snake_case to match upstream producers.

type createEscrowJSON struct {
	RequestID   string `json:"request_id"`
	Seller      string `json:"seller"`
	Admin       string `json:"admin"`
	Buyer       string `json:"buyer,omitempty"`
	Amount      int64  `json:"amount"`
	ListingID   string `json:"listing_id"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseCreateEscrow(data []byte) (*operation.CreateEscrow, error) {
	var j createEscrowJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CreateEscrow: %w", err)
	}

	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	seller, err := ledger.ParseAddress(j.Seller)
	if err != nil {
		return nil, fmt.Errorf("parse seller: %w", err)
	}
	admin, err := ledger.ParseAddress(j.Admin)
	if err != nil {
		return nil, fmt.Errorf("parse admin: %w", err)
	}

	buyer := ledger.ZeroAddress
	if j.Buyer != "" {
		buyer, err = ledger.ParseAddress(j.Buyer)
		if err != nil {
			return nil, fmt.Errorf("parse buyer: %w", err)
		}
	}

	return &operation.CreateEscrow{
		RequestID: requestID,
		Seller:    seller,
		Admin:     admin,
		Buyer:     buyer,
		Amount:    j.Amount,
		ListingID: j.ListingID,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type fundEscrowJSON struct {
	RequestID   string `json:"request_id"`
	InstanceID  string `json:"instance_id"`
	Funder      string `json:"funder"`
	Amount      int64  `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseFundEscrow(data []byte) (*operation.FundEscrow, error) {
	var j fundEscrowJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse FundEscrow: %w", err)
	}

	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	id, err := ledger.ParseInstanceID(j.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("parse instance_id: %w", err)
	}
	funder, err := ledger.ParseAddress(j.Funder)
	if err != nil {
		return nil, fmt.Errorf("parse funder: %w", err)
	}
	if j.Amount <= 0 {
		return nil, fmt.Errorf("fund amount must be positive, got %d", j.Amount)
	}

	return &operation.FundEscrow{
		RequestID: requestID,
		ID:        id,
		Funder:    funder,
		Bundle:    escrow.NewFundingBundle(id, funder, j.Amount, requestID),
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type instanceOpJSON struct {
	RequestID   string `json:"request_id"`
	InstanceID  string `json:"instance_id"`
	Caller      string `json:"caller"`
	Reason      string `json:"reason,omitempty"`
	Outcome     string `json:"outcome,omitempty"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func (j *instanceOpJSON) identifiers() (uuid.UUID, ledger.InstanceID, ledger.Address, error) {
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return uuid.Nil, ledger.ZeroInstanceID, ledger.ZeroAddress, fmt.Errorf("parse request_id: %w", err)
	}
	id, err := ledger.ParseInstanceID(j.InstanceID)
	if err != nil {
		return uuid.Nil, ledger.ZeroInstanceID, ledger.ZeroAddress, fmt.Errorf("parse instance_id: %w", err)
	}
	caller, err := ledger.ParseAddress(j.Caller)
	if err != nil {
		return uuid.Nil, ledger.ZeroInstanceID, ledger.ZeroAddress, fmt.Errorf("parse caller: %w", err)
	}
	return requestID, id, caller, nil
}

func parseMarkDelivered(data []byte) (*operation.MarkDelivered, error) {
	var j instanceOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse MarkDelivered: %w", err)
	}
	requestID, id, caller, err := j.identifiers()
	if err != nil {
		return nil, err
	}
	return &operation.MarkDelivered{
		RequestID: requestID,
		ID:        id,
		Seller:    caller,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseConfirmDelivery(data []byte) (*operation.ConfirmDelivery, error) {
	var j instanceOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ConfirmDelivery: %w", err)
	}
	requestID, id, caller, err := j.identifiers()
	if err != nil {
		return nil, err
	}
	return &operation.ConfirmDelivery{
		RequestID: requestID,
		ID:        id,
		Buyer:     caller,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseRaiseDispute(data []byte) (*operation.RaiseDispute, error) {
	var j instanceOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RaiseDispute: %w", err)
	}
	requestID, id, caller, err := j.identifiers()
	if err != nil {
		return nil, err
	}
	return &operation.RaiseDispute{
		RequestID: requestID,
		ID:        id,
		Buyer:     caller,
		Reason:    j.Reason,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseResolveDispute(data []byte) (*operation.ResolveDispute, error) {
	var j instanceOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ResolveDispute: %w", err)
	}
	requestID, id, caller, err := j.identifiers()
	if err != nil {
		return nil, err
	}
	return &operation.ResolveDispute{
		RequestID: requestID,
		ID:        id,
		Admin:     caller,
		Outcome:   j.Outcome,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseAdminRelease(data []byte) (*operation.AdminRelease, error) {
	var j instanceOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse AdminRelease: %w", err)
	}
	requestID, id, caller, err := j.identifiers()
	if err != nil {
		return nil, err
	}
	return &operation.AdminRelease{
		RequestID: requestID,
		ID:        id,
		Admin:     caller,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseCancelEscrow(data []byte) (*operation.CancelEscrow, error) {
	var j instanceOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CancelEscrow: %w", err)
	}
	requestID, id, caller, err := j.identifiers()
	if err != nil {
		return nil, err
	}
	return &operation.CancelEscrow{
		RequestID: requestID,
		ID:        id,
		Seller:    caller,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}
