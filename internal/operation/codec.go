package operation

import (
	"encoding/json"
	"fmt"
)

// EncodePayload serializes an operation for the durable log.
func EncodePayload(op Operation) ([]byte, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", op.OpType(), err)
	}
	return data, nil
}

// DecodePayload reconstructs a typed operation from a logged payload.
// The operation set is closed, so the discriminator fully determines the
// concrete type.
func DecodePayload(t Type, payload []byte) (Operation, error) {
	var op Operation
	switch t {
	case TypeCreateEscrow:
		op = &CreateEscrow{}
	case TypeFundEscrow:
		op = &FundEscrow{}
	case TypeMarkDelivered:
		op = &MarkDelivered{}
	case TypeConfirmDelivery:
		op = &ConfirmDelivery{}
	case TypeRaiseDispute:
		op = &RaiseDispute{}
	case TypeResolveDispute:
		op = &ResolveDispute{}
	case TypeAdminRelease:
		op = &AdminRelease{}
	case TypeCancelEscrow:
		op = &CancelEscrow{}
	default:
		return nil, fmt.Errorf("unknown operation type %d", t)
	}
	if err := json.Unmarshal(payload, op); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return op, nil
}
