package ledger

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Address is a 20-byte account identifier on the settlement ledger.
type Address [20]byte

var ZeroAddress Address

// ParseAddress decodes a 0x-prefixed hex address.
func ParseAddress(s string) (Address, error) {
	var a Address
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("parse address: %w", err)
	}
	if len(raw) != len(a) {
		return a, fmt.Errorf("parse address: want %d bytes, got %d", len(a), len(raw))
	}
	copy(a[:], raw)
	return a, nil
}

func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

func (a Address) IsZero() bool {
	return a == ZeroAddress
}

// MarshalText encodes the address as 0x-prefixed hex for JSON payloads.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// InstanceID is the 32-byte ledger-assigned identifier of an escrow instance.
type InstanceID [32]byte

var ZeroInstanceID InstanceID

// ParseInstanceID decodes a 0x-prefixed hex instance id.
func ParseInstanceID(s string) (InstanceID, error) {
	var id InstanceID
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parse instance id: %w", err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("parse instance id: want %d bytes, got %d", len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

func (id InstanceID) String() string {
	return "0x" + hex.EncodeToString(id[:])
}

func (id InstanceID) IsZero() bool {
	return id == ZeroInstanceID
}

// MarshalText encodes the instance id as 0x-prefixed hex for JSON payloads.
func (id InstanceID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *InstanceID) UnmarshalText(text []byte) error {
	parsed, err := ParseInstanceID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeParty AccountScope = iota
	AccountScopeCustodial
	AccountScopeExternal
)

// Well-known external boundary accounts. Deposits is the account funds enter
// the ledger through; fees absorbs the reserve retained on every disbursement.
const (
	ExternalDeposits = "deposits"
	ExternalFees     = "fees"
)

// AccountKey is the in-memory key for balance tracking.
// Party and custodial accounts are keyed by address; external boundary
// accounts are keyed by name.
type AccountKey struct {
	Scope AccountScope
	Addr  Address
	Name  string
}

// PartyAccount creates a key for a participant's spendable balance.
func PartyAccount(addr Address) AccountKey {
	return AccountKey{Scope: AccountScopeParty, Addr: addr}
}

// CustodialAccount creates a key for an instance's derived custodial address.
func CustodialAccount(addr Address) AccountKey {
	return AccountKey{Scope: AccountScopeCustodial, Addr: addr}
}

// ExternalAccount creates a key for an external boundary account.
func ExternalAccount(name string) AccountKey {
	return AccountKey{Scope: AccountScopeExternal, Name: name}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeParty:
		return fmt.Sprintf("party:%s", k.Addr)
	case AccountScopeCustodial:
		return fmt.Sprintf("custodial:%s", k.Addr)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s", k.Name)
	}
	return "unknown"
}

// ParseAccountPath reverses AccountPath (used during snapshot restore).
// Unparseable input yields an external account so restored balances never
// silently collide with party keys.
func ParseAccountPath(path string) AccountKey {
	parts := strings.SplitN(path, ":", 2)
	if len(parts) != 2 {
		return ExternalAccount(path)
	}
	switch parts[0] {
	case "party":
		if addr, err := ParseAddress(parts[1]); err == nil {
			return PartyAccount(addr)
		}
	case "custodial":
		if addr, err := ParseAddress(parts[1]); err == nil {
			return CustodialAccount(addr)
		}
	case "external":
		return ExternalAccount(parts[1])
	}
	return ExternalAccount(path)
}
