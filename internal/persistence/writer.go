package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// OperationLogWriter writes committed operations and their ledger
// instructions to Postgres using multi-row INSERT. ON CONFLICT DO NOTHING
// keeps retried flushes idempotent.
type OperationLogWriter struct {
	db *sql.DB
}

// OperationRow represents a row in op_log.operations.
type OperationRow struct {
	Sequence       int64
	OpType         string
	IdempotencyKey string
	InstanceID     string
	Payload        []byte // JSON-encoded operation payload
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

// InstructionRow represents a row in op_log.instructions.
type InstructionRow struct {
	InstructionID   string
	BundleID        string
	OpRef           string
	Sequence        int64
	InstanceID      string
	InstructionType int32
	Kind            int32
	SenderAccount   string
	ReceiverAccount string
	Amount          int64
	Fee             int64
	Timestamp       int64
}

func NewOperationLogWriter(db *sql.DB) *OperationLogWriter {
	return &OperationLogWriter{db: db}
}

// WriteOperationBatch inserts operations inside the given transaction.
func (w *OperationLogWriter) WriteOperationBatch(ctx context.Context, tx *sql.Tx, ops []OperationRow) error {
	if len(ops) == 0 {
		return nil
	}

	query := `INSERT INTO op_log.operations
		(sequence, op_type, idempotency_key, instance_id, payload, state_hash, prev_hash, timestamp, source_sequence)
		VALUES `

	values := make([]string, 0, len(ops))
	args := make([]interface{}, 0, len(ops)*9)

	for i, o := range ops {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			o.Sequence, o.OpType, o.IdempotencyKey, o.InstanceID,
			o.Payload, o.StateHash, o.PrevHash, o.Timestamp, o.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteInstructionBatch inserts ledger instructions inside the given transaction.
func (w *OperationLogWriter) WriteInstructionBatch(ctx context.Context, tx *sql.Tx, instructions []InstructionRow) error {
	if len(instructions) == 0 {
		return nil
	}

	query := `INSERT INTO op_log.instructions
		(instruction_id, bundle_id, op_ref, sequence, instance_id, instruction_type, kind, sender_account, receiver_account, amount, fee, timestamp)
		VALUES `

	values := make([]string, 0, len(instructions))
	args := make([]interface{}, 0, len(instructions)*12)

	for i, ins := range instructions {
		base := i * 12
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
			base+7, base+8, base+9, base+10, base+11, base+12,
		))
		args = append(args,
			ins.InstructionID, ins.BundleID, ins.OpRef, ins.Sequence, ins.InstanceID,
			ins.InstructionType, ins.Kind, ins.SenderAccount, ins.ReceiverAccount,
			ins.Amount, ins.Fee, ins.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (instruction_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}
