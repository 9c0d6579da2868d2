package escrow

import (
	"EscrowLedger/internal/operation"
)

// authorize checks the caller against the role each operation demands.
// Unknown identities are unauthorized, never not-found: the check leaks
// nothing about which identities the instance knows.
func authorize(inst *Instance, op operation.Operation) *Rejection {
	caller := op.Caller()
	if caller.IsZero() {
		return rejectf(RejectUnauthorized, op.OpType(), "caller identity is empty")
	}

	switch op.OpType() {
	case operation.TypeFundEscrow:
		// Anyone may fund an unbound escrow; a pre-set buyer restricts
		// funding to that identity.
		if inst.BuyerBound() && caller != inst.Buyer {
			return rejectf(RejectUnauthorized, op.OpType(), "funder %s is not the designated buyer", caller)
		}
	case operation.TypeMarkDelivered, operation.TypeCancelEscrow:
		if caller != inst.Seller {
			return rejectf(RejectUnauthorized, op.OpType(), "caller %s is not the seller", caller)
		}
	case operation.TypeConfirmDelivery, operation.TypeRaiseDispute:
		if caller != inst.Buyer {
			return rejectf(RejectUnauthorized, op.OpType(), "caller %s is not the buyer", caller)
		}
	case operation.TypeResolveDispute, operation.TypeAdminRelease:
		if caller != inst.Admin {
			return rejectf(RejectUnauthorized, op.OpType(), "caller %s is not the admin", caller)
		}
	}

	return nil
}
