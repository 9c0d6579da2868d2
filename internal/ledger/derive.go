package ledger

import (
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// DeriveInstanceID assigns the instance identifier for a create request.
// The derivation is deterministic so the ingest surface can hand the id
// back to the caller before the core commits the operation.
func DeriveInstanceID(seller Address, listingID string, requestID uuid.UUID) InstanceID {
	hash := ethcrypto.Keccak256Hash([]byte("escrow:instance"), seller[:], []byte(listingID), requestID[:])
	return InstanceID(hash)
}

// DeriveCustodialAddress derives the custodial address an instance's funds
// are held at. Exactly one custodial address exists per instance.
func DeriveCustodialAddress(id InstanceID) Address {
	hash := ethcrypto.Keccak256Hash([]byte("escrow:custodial"), id[:])
	var addr Address
	copy(addr[:], hash[12:])
	return addr
}
