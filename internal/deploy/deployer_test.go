package deploy

import (
	"context"
	"errors"
	"testing"
	"time"

	"EscrowLedger/internal/ledger"

	"github.com/rs/zerolog"
)

func TestParseOutputMarkerLine(t *testing.T) {
	raw := "compiling...\nDEPLOY_RESULT_JSON: {\"success\":true,\"program_id\":\"1234\",\"tx_id\":\"TX9\"}\ndone\n"
	res := parseOutput(raw)
	if !res.Success {
		t.Fatal("expected success")
	}
	if res.ProgramID != "1234" {
		t.Errorf("program_id: got %s, want 1234", res.ProgramID)
	}
	if res.TxID != "TX9" {
		t.Errorf("tx_id: got %s, want TX9", res.TxID)
	}
}

func TestParseOutputFallbackProgramID(t *testing.T) {
	raw := `{"confirmed-round":7,"programId":"5678"}`
	res := parseOutput(raw)
	if !res.Success {
		t.Fatal("expected fallback match to succeed")
	}
	if res.ProgramID != "5678" {
		t.Errorf("program_id: got %s, want 5678", res.ProgramID)
	}
}

func TestParseOutputNoResult(t *testing.T) {
	res := parseOutput("nothing useful here\n")
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error == "" {
		t.Error("expected error message")
	}
}

func TestSubmitWithoutScript(t *testing.T) {
	d := NewDeployer("", time.Second, zerolog.Nop())
	_, err := d.Submit(context.Background(), &ledger.Bundle{})
	if !errors.Is(err, ErrNoScript) {
		t.Fatalf("expected ErrNoScript, got %v", err)
	}
}
