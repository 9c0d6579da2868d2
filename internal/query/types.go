package query

// EscrowResponse represents an escrow instance for API queries.
type EscrowResponse struct {
	InstanceID       string `json:"instance_id"`
	CustodialAddress string `json:"custodial_address"`
	Seller           string `json:"seller"`
	Admin            string `json:"admin"`
	Buyer            string `json:"buyer,omitempty"`
	Amount           int64  `json:"amount"`
	Status           string `json:"status"`
	ListingID        string `json:"listing_id"`
	Version          int64  `json:"version"`
	CustodialBalance int64  `json:"custodial_balance"`
	AsOfSequence     int64  `json:"as_of_sequence"`
}

// InstructionHistoryEntry represents a ledger instruction for API queries.
type InstructionHistoryEntry struct {
	InstructionID   string `json:"instruction_id"`
	BundleID        string `json:"bundle_id"`
	OpRef           string `json:"op_ref"`
	Sequence        int64  `json:"sequence"`
	InstructionType int32  `json:"instruction_type"`
	Kind            int32  `json:"kind"`
	SenderAccount   string `json:"sender_account"`
	ReceiverAccount string `json:"receiver_account"`
	Amount          int64  `json:"amount"`
	Fee             int64  `json:"fee"`
	Timestamp       int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy          bool     `json:"is_healthy"`
	HashChainBreaks    []int64  `json:"hash_chain_breaks,omitempty"`
	NegativeCustodials []string `json:"negative_custodials,omitempty"`
	UndrainedTerminal  []string `json:"undrained_terminal,omitempty"`
	AsOfSequence       int64    `json:"as_of_sequence"`
}
