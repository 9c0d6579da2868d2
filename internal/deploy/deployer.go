// Package deploy shells out to the external deploy script that compiles
// and installs the on-ledger escrow program. The script prints a single
// machine-readable result line; everything else on stdout is operator
// noise that is kept only for diagnostics.
package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"EscrowLedger/internal/ledger"

	"github.com/rs/zerolog"
)

// resultMarker prefixes the machine-friendly JSON line in script output.
const resultMarker = "DEPLOY_RESULT_JSON:"

var programIDPattern = regexp.MustCompile(`(?i)"program_?id"\s*:\s*"?(\d+)"?`)

// ErrNoScript is returned when the deployer was constructed without a
// script path, which is the default for environments that never deploy.
var ErrNoScript = errors.New("deploy script not configured")

// Result is the parsed outcome of one script invocation.
type Result struct {
	Success   bool   `json:"success"`
	ProgramID string `json:"program_id"`
	TxID      string `json:"tx_id"`
	Error     string `json:"error,omitempty"`

	// Raw holds the full script output for diagnostics.
	Raw string `json:"-"`
}

type Deployer struct {
	script  string
	timeout time.Duration
	logger  zerolog.Logger
}

func NewDeployer(script string, timeout time.Duration, logger zerolog.Logger) *Deployer {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Deployer{
		script:  script,
		timeout: timeout,
		logger:  logger,
	}
}

// Deploy compiles and installs the on-ledger program.
func (d *Deployer) Deploy(ctx context.Context, extraEnv map[string]string) (*Result, error) {
	return d.run(ctx, []string{"deploy"}, extraEnv)
}

// Submit hands a committed settlement bundle to the script for on-ledger
// submission. The bundle rides in as JSON via the environment.
func (d *Deployer) Submit(ctx context.Context, bundle *ledger.Bundle) (*Result, error) {
	data, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("marshal bundle: %w", err)
	}
	return d.run(ctx, []string{"submit"}, map[string]string{
		"ESCROW_BUNDLE_JSON": string(data),
	})
}

// Query asks the script for the on-ledger view of one escrow instance.
func (d *Deployer) Query(ctx context.Context, id ledger.InstanceID) (*Result, error) {
	return d.run(ctx, []string{"query"}, map[string]string{
		"ESCROW_INSTANCE_ID": id.String(),
	})
}

func (d *Deployer) run(ctx context.Context, args []string, extraEnv map[string]string) (*Result, error) {
	if d.script == "" {
		return nil, ErrNoScript
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, d.script, args...)
	cmd.Env = os.Environ()
	for k, v := range extraEnv {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	runErr := cmd.Run()
	raw := out.String()

	if ctx.Err() == context.DeadlineExceeded {
		return &Result{Success: false, Error: "timeout running deploy script", Raw: raw}, nil
	}

	res := parseOutput(raw)
	if runErr != nil && res.Error == "" {
		res.Error = runErr.Error()
	}
	d.logger.Info().
		Strs("args", args).
		Bool("success", res.Success).
		Str("program_id", res.ProgramID).
		Msg("deploy script finished")
	return res, nil
}

// parseOutput finds the marker line; failing that, it scrapes the output
// for a program id the way operators read it.
func parseOutput(raw string) *Result {
	res := &Result{Raw: raw}

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, resultMarker) {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, resultMarker))
		var parsed Result
		if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
			continue
		}
		parsed.Raw = raw
		return &parsed
	}

	if m := programIDPattern.FindStringSubmatch(raw); m != nil {
		res.ProgramID = m[1]
		res.Success = true
		return res
	}

	res.Error = "no result line found in script output"
	return res
}
