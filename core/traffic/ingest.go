package traffic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"devpn/core/eligibility"
	settleerrors "devpn/core/errors"
	"devpn/core/types"
)

// EligibilityWriter persists evaluation outputs onto a traffic record.
type EligibilityWriter interface {
	UpdateEligibility(ctx context.Context, recordID uint, e types.Eligibility) error
}

// Store is the persistence surface used during ingestion.
type Store interface {
	EligibilityWriter
	NodeByAddress(ctx context.Context, address string) (types.Node, error)
	ConnectionByID(ctx context.Context, connectionID string) (types.VpnConnection, error)
	EpochByID(ctx context.Context, epochID uint64) (types.Epoch, error)
	CreateTrafficRecord(ctx context.Context, record *types.TrafficRecord) error
}

// Evaluator is the subset of the eligibility evaluator used at ingestion.
type Evaluator interface {
	Evaluate(ctx context.Context, node types.Node, record types.TrafficRecord, source types.RequestSource) eligibility.Result
	PerformanceQualified(node types.Node) bool
	Score(ctx context.Context, node types.Node) (float64, error)
	Config() eligibility.Config
}

// Ingestor verifies, stores and pre-evaluates traffic reports.
type Ingestor struct {
	store     Store
	evaluator Evaluator
	logger    *slog.Logger
}

// NewIngestor constructs an ingestor.
func NewIngestor(store Store, evaluator Evaluator, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{store: store, evaluator: evaluator, logger: logger}
}

// Ingest stores one report after verifying its signature. The returned record
// reflects any eligibility decision taken at ingestion.
func (i *Ingestor) Ingest(ctx context.Context, report Report) (types.TrafficRecord, error) {
	if err := Verify(report); err != nil {
		return types.TrafficRecord{}, err
	}
	node, err := i.store.NodeByAddress(ctx, report.Address())
	if err != nil {
		return types.TrafficRecord{}, err
	}
	return i.persist(ctx, node, report)
}

// IngestBatch stores reports for a single node. Each report succeeds or
// fails on its own; errs is aligned with reports.
func (i *Ingestor) IngestBatch(ctx context.Context, address string, reports []Report) ([]types.TrafficRecord, []error) {
	records := make([]types.TrafficRecord, len(reports))
	errs := make([]error, len(reports))
	node, err := i.store.NodeByAddress(ctx, types.NormalizeAddress(address))
	if err != nil {
		for idx := range errs {
			errs[idx] = err
		}
		return records, errs
	}
	for idx, report := range reports {
		if report.Address() != types.NormalizeAddress(address) {
			errs[idx] = settleerrors.Validation("node", "does not match batch node")
			continue
		}
		if err := Verify(report); err != nil {
			errs[idx] = err
			continue
		}
		records[idx], errs[idx] = i.persist(ctx, node, report)
	}
	return records, errs
}

func (i *Ingestor) persist(ctx context.Context, node types.Node, report Report) (types.TrafficRecord, error) {
	mb, err := report.Traffic()
	if err != nil {
		return types.TrafficRecord{}, err
	}
	epochID, err := report.Epoch()
	if err != nil {
		return types.TrafficRecord{}, err
	}
	if err := i.checkEpoch(ctx, node, epochID); err != nil {
		return types.TrafficRecord{}, err
	}
	record := types.TrafficRecord{
		NodeID:    node.ID,
		EpochID:   epochID,
		TrafficMB: mb,
		Signature: report.Signature,
	}
	if report.SessionID != "" {
		conn, err := i.store.ConnectionByID(ctx, report.SessionID)
		switch {
		case err == nil:
			record.VpnConnectionID = &conn.ID
		case !errors.Is(err, settleerrors.ErrNotFound):
			return types.TrafficRecord{}, err
		}
	}
	if err := i.store.CreateTrafficRecord(ctx, &record); err != nil {
		return types.TrafficRecord{}, err
	}
	i.logger.Info("traffic record stored",
		slog.Uint64("traffic_record", uint64(record.ID)),
		slog.String("node", node.Address),
		slog.Float64("traffic_mb", mb),
		slog.String("session", report.SessionID))

	i.preEvaluate(ctx, node, &record)
	return record, nil
}

// checkEpoch rejects reports for epochs that were never opened or are already
// committed. Reports for an epoch being settled are stored but may miss it.
func (i *Ingestor) checkEpoch(ctx context.Context, node types.Node, epochID uint64) error {
	epoch, err := i.store.EpochByID(ctx, epochID)
	switch {
	case errors.Is(err, settleerrors.ErrNotFound):
		return settleerrors.Validation("epoch_id", "unknown epoch")
	case err != nil:
		return err
	case epoch.Committed():
		i.logger.Warn("traffic report for committed epoch rejected",
			slog.String("node", node.Address),
			slog.Uint64("epoch_id", epochID))
		return settleerrors.Validation("epoch_id", "epoch already settled")
	case epoch.Status == types.EpochProcessing:
		i.logger.Warn("traffic report arrived while epoch is settling",
			slog.String("node", node.Address),
			slog.Uint64("epoch_id", epochID))
	}
	return nil
}

// preEvaluate grants eligibility early to nodes that already qualify on
// performance or scoring-service confirmation.
func (i *Ingestor) preEvaluate(ctx context.Context, node types.Node, record *types.TrafficRecord) {
	if i.evaluator == nil {
		return
	}
	var source types.RequestSource
	score, scoreErr := i.evaluator.Score(ctx, node)
	switch {
	case i.evaluator.PerformanceQualified(node):
		source = types.SourcePerformanceThreshold
	case scoreErr == nil && score >= i.evaluator.Config().AIScoreThreshold:
		source = types.SourceAIConfirmed
	}

	update := types.Eligibility{
		AIScored:   scoreErr == nil,
		HasAnomaly: record.HasAnomaly,
	}
	if scoreErr == nil {
		update.AIScore = &score
	}
	if source != "" {
		update = i.evaluator.Evaluate(ctx, node, *record, source).Eligibility(source)
	}
	if err := i.store.UpdateEligibility(ctx, record.ID, update); err != nil {
		i.logger.Error("persist ingestion eligibility failed",
			slog.Uint64("traffic_record", uint64(record.ID)),
			slog.Any("error", err))
		MarkPersistenceFailure(ctx, i.store, i.logger, record.ID, err)
		return
	}
	record.Apply(update)
}

// PersistenceReason is the eligibility reason recorded when a datastore
// failure interrupted evaluation.
func PersistenceReason(err error) string {
	return fmt.Sprintf("persistence error: %v", err)
}

// MarkPersistenceFailure flags a record as ineligible with an explicit
// datastore error reason. A failure here is logged only.
func MarkPersistenceFailure(ctx context.Context, store EligibilityWriter, logger *slog.Logger, recordID uint, cause error) {
	marker := types.Eligibility{Eligible: false, Reason: PersistenceReason(cause)}
	if err := store.UpdateEligibility(ctx, recordID, marker); err != nil {
		logger.Error("mark persistence failure failed",
			slog.Uint64("traffic_record", uint64(recordID)),
			slog.Any("error", err))
	}
}
