// Command escrowledger runs the escrow ledger service: NATS and HTTP
// ingestion in front of a single-writer core, with Postgres persistence,
// projections, and outbound event publishing around it.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"EscrowLedger/internal/config"
	"EscrowLedger/internal/core"
	"EscrowLedger/internal/deploy"
	"EscrowLedger/internal/escrow"
	"EscrowLedger/internal/ingestion"
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/observability"
	"EscrowLedger/internal/operation"
	"EscrowLedger/internal/orders"
	"EscrowLedger/internal/persistence"
	"EscrowLedger/internal/projection"
	"EscrowLedger/internal/query"
	"EscrowLedger/internal/server"
)

const (
	replayBatchSize = 1000
	lruWarmLimit    = 100_000
)

func main() {
	logger := observability.NewLogger("main")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("open postgres")
	}
	defer db.Close()
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		logger.Fatal().Err(err).Msg("ping postgres")
	}
	pingCancel()

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, observability.NewLogger("migrate"))
	if err := migrator.Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()

	// --- Channels ---
	inputChan := make(chan core.Input, cfg.InputChanSize)
	persistCommitChan := make(chan core.Commit, cfg.PersistChanSize)
	projectionCommitChan := make(chan core.Commit, cfg.ProjectionChanSize)
	entryChan := make(chan persistence.Entry, cfg.PersistChanSize)
	projectionChan := make(chan projection.Output, cfg.ProjectionChanSize)
	publishChan := make(chan ingestion.PublishableEvent, cfg.ProjectionChanSize)
	rawOpChan := make(chan ingestion.RawOp, cfg.InputChanSize)

	dbChecker := persistence.NewPostgresIdempotencyChecker(db)
	snapMgr := persistence.NewSnapshotManager(db)

	// --- Recovery: load snapshot + replay ---
	recoveryStart := time.Now()

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("load snapshot")
	}

	startSequence := int64(0)
	if snap != nil {
		startSequence = snap.Sequence + 1
	}

	c := core.NewCore(startSequence, persistCommitChan, projectionCommitChan, dbChecker, metrics)

	if snap != nil {
		state, err := stateFromSnapshotData(snap)
		if err != nil {
			logger.Fatal().Err(err).Int64("sequence", snap.Sequence).Msg("decode snapshot")
		}
		c.RestoreFromSnapshot(state)
		logger.Info().
			Int64("sequence", snap.Sequence).
			Int("instances", len(snap.Instances)).
			Msg("restored from snapshot")
	}

	recentKeys, err := dbChecker.RecentKeys(ctx, lruWarmLimit)
	if err != nil {
		logger.Fatal().Err(err).Msg("warm idempotency keys")
	}
	c.WarmIdempotency(recentKeys)

	replayed, err := replayOperations(ctx, c, snapMgr, startSequence)
	if err != nil {
		logger.Fatal().Err(err).Msg("replay operation log")
	}
	if replayed == 0 && snap != nil {
		var want [32]byte
		copy(want[:], snap.StateHash)
		if c.GetStateHash() != want {
			logger.Fatal().Int64("sequence", snap.Sequence).Msg("snapshot hash does not match chain tip")
		}
	}
	metrics.ReplayDuration.Set(time.Since(recoveryStart).Seconds())
	logger.Info().
		Int64("replayed", replayed).
		Int64("next_sequence", c.GetSequence()).
		Dur("elapsed", time.Since(recoveryStart)).
		Msg("recovery complete")

	// Bring the read models level with the restored state. Projection rows
	// may lag the log because the projection feed drops under backpressure.
	if err := resyncProjections(ctx, db, c, replayed, observability.NewLogger("projection")); err != nil {
		logger.Fatal().Err(err).Msg("resync projections")
	}

	// --- NATS ---
	natsLogger := observability.NewLogger("nats")
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, natsLogger)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect nats")
	}
	defer nc.Close()

	if err := ingestion.EnsureStreams(ctx, js, natsLogger); err != nil {
		logger.Fatal().Err(err).Msg("ensure op stream")
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, natsLogger); err != nil {
		logger.Fatal().Err(err).Msg("ensure outbound stream")
	}

	subscriber := ingestion.NewNATSSubscriber(js, rawOpChan, natsLogger)
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		logger.Fatal().Err(err).Msg("subscribe")
	}

	// --- Workers ---
	errChan := make(chan error, 8)

	go func() {
		errChan <- c.Run(ctx, inputChan, observability.NewLogger("core"))
	}()

	go bridgePersistence(ctx, persistCommitChan, entryChan)
	go bridgeProjection(ctx, projectionCommitChan, projectionChan, publishChan, metrics, logger)

	persistWorker := persistence.NewWorker(db, entryChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics, observability.NewLogger("persistence"))
	go func() {
		errChan <- persistWorker.Run(ctx)
	}()

	ordersStore := orders.NewStore(db)
	projWorker := projection.NewWorker(db, ordersStore, projectionChan, observability.NewLogger("projection"))
	go projWorker.Run(ctx)

	publisher := ingestion.NewOutboundPublisher(js, publishChan, observability.NewLogger("publisher"))
	go publisher.Run(ctx)

	go runIngestionLoop(ctx, rawOpChan, inputChan, metrics, observability.NewLogger("ingestion"))

	go runChannelMetrics(ctx, metrics, inputChan, persistCommitChan, projectionChan, publishChan)

	// --- HTTP ---
	srv := server.New(server.Config{
		Input:       inputChan,
		Query:       query.NewService(db),
		Orders:      ordersStore,
		Products:    orders.NewProductStore(db),
		Deployer:    deploy.NewDeployer(cfg.DeployScript, cfg.DeployTimeout, observability.NewLogger("deploy")),
		Health:      health,
		Metrics:     metrics,
		Logger:      observability.NewLogger("http"),
		AdminSecret: cfg.AdminSecret,
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	go runPeriodicSnapshots(ctx, inputChan, snapMgr, metrics, cfg.SnapshotInterval, logger)

	health.SetReady(true)
	logger.Info().Msg("escrow ledger ready")

	// --- Shutdown ---
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("fatal worker error, shutting down")
	}

	health.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("metrics shutdown")
	}
	subscriber.Stop()

	// Final snapshot while the core loop is still draining inputs.
	if err := takeSnapshot(shutdownCtx, inputChan, snapMgr, metrics); err != nil {
		logger.Warn().Err(err).Msg("final snapshot failed")
	} else {
		logger.Info().Msg("final snapshot saved")
	}

	cancel()
	logger.Info().Msg("escrow ledger stopped")
}

// replayOperations re-applies logged operations on top of the restored
// state in batches. Each replayed operation re-verifies the hash chain.
func replayOperations(ctx context.Context, c *core.Core, snapMgr *persistence.SnapshotManager, from int64) (int64, error) {
	var replayed int64
	next := from

	for {
		rows, err := snapMgr.LoadOperationsFrom(ctx, next, replayBatchSize)
		if err != nil {
			return replayed, fmt.Errorf("load operations from %d: %w", next, err)
		}
		if len(rows) == 0 {
			return replayed, nil
		}

		for _, row := range rows {
			env, err := envelopeFromRow(row)
			if err != nil {
				return replayed, err
			}
			if err := c.ReplayOperation(env); err != nil {
				return replayed, err
			}
			replayed++
		}
		next = rows[len(rows)-1].Sequence + 1
	}
}

func envelopeFromRow(row persistence.OperationRow) (*operation.Envelope, error) {
	opType, err := operation.TypeFromString(row.OpType)
	if err != nil {
		return nil, fmt.Errorf("sequence %d: %w", row.Sequence, err)
	}
	instance, err := ledger.ParseInstanceID(row.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("sequence %d: %w", row.Sequence, err)
	}

	env := &operation.Envelope{
		Sequence:       row.Sequence,
		IdempotencyKey: row.IdempotencyKey,
		OpType:         opType,
		Instance:       instance,
		Timestamp:      row.Timestamp,
		SourceSequence: row.SourceSequence,
		Payload:        row.Payload,
	}
	copy(env.StateHash[:], row.StateHash)
	copy(env.PrevHash[:], row.PrevHash)
	return env, nil
}

// resyncProjections rebuilds the read models when they lag the log: the
// custodial balance table from the instruction log, the status table from
// the restored core state.
func resyncProjections(ctx context.Context, db *sql.DB, c *core.Core, replayed int64, logger zerolog.Logger) error {
	committed := c.GetSequence() - 1
	if committed < 0 {
		return nil
	}

	watermark, err := projection.Watermark(ctx, db)
	if err != nil {
		return err
	}
	if replayed == 0 && watermark >= committed {
		return nil
	}

	if err := projection.RebuildProjections(ctx, db, logger); err != nil {
		return err
	}

	state := c.CreateSnapshotState()
	rows := make([]projection.InstanceRow, 0, len(state.Instances))
	for _, inst := range state.Instances {
		row := projection.InstanceRow{
			InstanceID:       inst.ID.String(),
			CustodialAddress: inst.CustodialAddress.String(),
			Seller:           inst.Seller.String(),
			Admin:            inst.Admin.String(),
			Amount:           inst.Amount,
			Status:           inst.Status.String(),
			ListingID:        inst.ListingID,
			Version:          inst.Version,
		}
		if !inst.Buyer.IsZero() {
			row.Buyer = inst.Buyer.String()
		}
		rows = append(rows, row)
	}
	return projection.SyncInstances(ctx, db, committed, rows)
}

// bridgePersistence converts core commits into operation log rows. Sends
// into entryChan block so the persistence worker's backpressure reaches
// the core.
func bridgePersistence(ctx context.Context, in <-chan core.Commit, out chan<- persistence.Entry) {
	for {
		select {
		case <-ctx.Done():
			return
		case commit, ok := <-in:
			if !ok {
				return
			}

			env := commit.Envelope
			entry := persistence.Entry{
				OperationRow: persistence.OperationRow{
					Sequence:       env.Sequence,
					OpType:         env.OpType.String(),
					IdempotencyKey: env.IdempotencyKey,
					InstanceID:     env.Instance.String(),
					Payload:        env.Payload,
					StateHash:      env.StateHash[:],
					PrevHash:       env.PrevHash[:],
					Timestamp:      env.Timestamp,
					SourceSequence: env.SourceSequence,
				},
			}

			if commit.Result.Bundle != nil {
				for _, ins := range commit.Result.Bundle.Instructions {
					entry.InstructionRows = append(entry.InstructionRows, persistence.InstructionRow{
						InstructionID:   ins.InstructionID.String(),
						BundleID:        ins.BundleID.String(),
						OpRef:           ins.OpRef,
						Sequence:        ins.Sequence,
						InstanceID:      env.Instance.String(),
						InstructionType: int32(ins.Type),
						Kind:            int32(ins.Kind),
						SenderAccount:   ins.Sender.AccountPath(),
						ReceiverAccount: ins.Receiver.AccountPath(),
						Amount:          ins.Amount,
						Fee:             ins.Fee,
						Timestamp:       ins.Timestamp,
					})
				}
			}

			select {
			case out <- entry:
			case <-ctx.Done():
				return
			}
		}
	}
}

// bridgeProjection fans committed operations out to the projection worker
// and the outbound publisher. Both paths are lossy under backpressure;
// projections rebuild from the log, events are recoverable from it.
func bridgeProjection(
	ctx context.Context,
	in <-chan core.Commit,
	projOut chan<- projection.Output,
	publish chan<- ingestion.PublishableEvent,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case commit, ok := <-in:
			if !ok {
				return
			}

			env := commit.Envelope
			inst := commit.Result.Instance

			out := projection.Output{
				Sequence:         env.Sequence,
				OpType:           env.OpType.String(),
				InstanceID:       inst.ID.String(),
				CustodialAddress: inst.CustodialAddress.String(),
				ListingID:        inst.ListingID,
				Seller:           inst.Seller.String(),
				Admin:            inst.Admin.String(),
				Amount:           inst.Amount,
				Status:           inst.Status.String(),
				ExternalStatus:   commit.Result.ExternalStatus,
				Version:          inst.Version,
				Timestamp:        inst.UpdatedAt,
			}
			if !inst.Buyer.IsZero() {
				out.Buyer = inst.Buyer.String()
			}
			if inst.Status.Payable() {
				out.CustodialBalance = inst.Amount
			}
			if env.OpType == operation.TypeRaiseDispute {
				out.DisputeReason = disputeReason(env.Payload, logger)
			}

			select {
			case projOut <- out:
			case <-ctx.Done():
				return
			}

			evt := ingestion.PublishableEvent{
				Sequence:       env.Sequence,
				OpType:         env.OpType.String(),
				IdempotencyKey: env.IdempotencyKey,
				InstanceID:     inst.ID.String(),
				ExternalStatus: commit.Result.ExternalStatus,
				Payload:        json.RawMessage(env.Payload),
				StateHash:      env.StateHash[:],
				Timestamp:      env.Timestamp,
			}
			select {
			case publish <- evt:
			default:
				metrics.PublishDrops.Inc()
			}
		}
	}
}

func disputeReason(payload []byte, logger zerolog.Logger) string {
	op, err := operation.DecodePayload(operation.TypeRaiseDispute, payload)
	if err != nil {
		logger.Warn().Err(err).Msg("decode dispute payload")
		return ""
	}
	if dispute, ok := op.(*operation.RaiseDispute); ok {
		return dispute.Reason
	}
	return ""
}

// runIngestionLoop parses raw NATS messages and hands typed operations to
// the core. Messages are ACKed only after the operation is queued, so a
// crash between receive and queue redelivers. Unparseable messages are
// ACKed and dropped: redelivery cannot fix them.
func runIngestionLoop(
	ctx context.Context,
	rawOps <-chan ingestion.RawOp,
	input chan<- core.Input,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rawOps:
			if !ok {
				return
			}

			opType, err := ingestion.OpTypeFromSubject(raw.Subject)
			if err != nil {
				metrics.IngestParseErrors.WithLabelValues("nats").Inc()
				logger.Warn().Err(err).Str("subject", raw.Subject).Msg("unrecognized subject")
				raw.AckFunc()
				continue
			}

			op, err := ingestion.ParseRawOp(raw, opType)
			if err != nil {
				metrics.IngestParseErrors.WithLabelValues("nats").Inc()
				logger.Warn().Err(err).Str("subject", raw.Subject).Msg("malformed operation")
				raw.AckFunc()
				continue
			}

			metrics.IngestReceived.WithLabelValues("nats", opType).Inc()

			select {
			case input <- core.Input{Op: op, Source: ingestion.SourceFromSubject(raw.Subject), Received: raw.Timestamp}:
				raw.AckFunc()
			case <-ctx.Done():
				raw.NakFunc()
				return
			}
		}
	}
}

func runPeriodicSnapshots(
	ctx context.Context,
	input chan<- core.Input,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
	interval time.Duration,
	logger zerolog.Logger,
) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := takeSnapshot(ctx, input, snapMgr, metrics); err != nil {
				logger.Warn().Err(err).Msg("periodic snapshot failed")
			}
		}
	}
}

// takeSnapshot captures core state through the input channel, so the
// capture serializes with operation processing, then persists it. The
// snapshot is marked verified immediately: the chain it captures was
// verified during replay and every commit since extended it in-process.
func takeSnapshot(
	ctx context.Context,
	input chan<- core.Input,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
) error {
	start := time.Now()

	reply := make(chan *core.SnapshotState, 1)
	select {
	case input <- core.Input{Snapshot: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}

	var state *core.SnapshotState
	select {
	case state = <-reply:
	case <-ctx.Done():
		return ctx.Err()
	}

	if state.Sequence < 0 {
		return nil // nothing committed yet
	}

	data := snapshotDataFromState(state)
	if err := snapMgr.SaveSnapshot(ctx, data); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if err := snapMgr.MarkVerified(ctx, data.Sequence); err != nil {
		return fmt.Errorf("mark snapshot verified: %w", err)
	}

	metrics.SnapshotTaken.Inc()
	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	metrics.SnapshotLastSeq.Set(float64(data.Sequence))
	return nil
}

func snapshotDataFromState(state *core.SnapshotState) *persistence.SnapshotData {
	balances := make(map[string]int64, len(state.Balances))
	for key, balance := range state.Balances {
		balances[key.AccountPath()] = balance
	}

	instances := make([]persistence.InstanceSnapshot, 0, len(state.Instances))
	for _, inst := range state.Instances {
		is := persistence.InstanceSnapshot{
			ID:               inst.ID.String(),
			CustodialAddress: inst.CustodialAddress.String(),
			Seller:           inst.Seller.String(),
			Admin:            inst.Admin.String(),
			Amount:           inst.Amount,
			Status:           uint8(inst.Status),
			ListingID:        inst.ListingID,
			CreatedAt:        inst.CreatedAt,
			UpdatedAt:        inst.UpdatedAt,
			Version:          inst.Version,
		}
		if !inst.Buyer.IsZero() {
			is.Buyer = inst.Buyer.String()
		}
		instances = append(instances, is)
	}

	return &persistence.SnapshotData{
		Sequence:        state.Sequence,
		StateHash:       state.StateHash[:],
		Balances:        balances,
		Instances:       instances,
		SequenceState:   state.SequenceState,
		IdempotencyKeys: state.IdempotencyKeys,
		CreatedAt:       time.Now().UTC(),
	}
}

func stateFromSnapshotData(snap *persistence.SnapshotData) (*core.SnapshotState, error) {
	state := &core.SnapshotState{
		Sequence:        snap.Sequence,
		Balances:        make(map[ledger.AccountKey]int64, len(snap.Balances)),
		SequenceState:   snap.SequenceState,
		IdempotencyKeys: snap.IdempotencyKeys,
	}
	copy(state.StateHash[:], snap.StateHash)

	for path, balance := range snap.Balances {
		state.Balances[ledger.ParseAccountPath(path)] = balance
	}

	for _, is := range snap.Instances {
		id, err := ledger.ParseInstanceID(is.ID)
		if err != nil {
			return nil, fmt.Errorf("instance %s: %w", is.ID, err)
		}
		custodial, err := ledger.ParseAddress(is.CustodialAddress)
		if err != nil {
			return nil, fmt.Errorf("instance %s custodial: %w", is.ID, err)
		}
		seller, err := ledger.ParseAddress(is.Seller)
		if err != nil {
			return nil, fmt.Errorf("instance %s seller: %w", is.ID, err)
		}
		admin, err := ledger.ParseAddress(is.Admin)
		if err != nil {
			return nil, fmt.Errorf("instance %s admin: %w", is.ID, err)
		}
		buyer := ledger.ZeroAddress
		if is.Buyer != "" {
			buyer, err = ledger.ParseAddress(is.Buyer)
			if err != nil {
				return nil, fmt.Errorf("instance %s buyer: %w", is.ID, err)
			}
		}

		state.Instances = append(state.Instances, &escrow.Instance{
			ID:               id,
			CustodialAddress: custodial,
			Seller:           seller,
			Admin:            admin,
			Buyer:            buyer,
			Amount:           is.Amount,
			Status:           escrow.Status(is.Status),
			ListingID:        is.ListingID,
			CreatedAt:        is.CreatedAt,
			UpdatedAt:        is.UpdatedAt,
			Version:          is.Version,
		})
	}

	return state, nil
}

func runChannelMetrics(
	ctx context.Context,
	metrics *observability.Metrics,
	input chan core.Input,
	persistCommits chan core.Commit,
	projections chan projection.Output,
	publish chan ingestion.PublishableEvent,
) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetChannelMetrics("input", len(input), cap(input))
			metrics.SetChannelMetrics("persist", len(persistCommits), cap(persistCommits))
			metrics.SetChannelMetrics("projection", len(projections), cap(projections))
			metrics.SetChannelMetrics("publish", len(publish), cap(publish))
		}
	}
}
