package settlement

import (
	"context"
	"log/slog"
	"time"

	"devpn/core/types"
	"devpn/sdk/aiscore"
)

// Notifiers fans a commit out to several notifiers in order.
type Notifiers []Notifier

// EpochCommitted implements Notifier.
func (ns Notifiers) EpochCommitted(ctx context.Context, epoch types.Epoch, payouts []Payout) {
	for _, n := range ns {
		if n != nil {
			n.EpochCommitted(ctx, epoch, payouts)
		}
	}
}

// MetricsClient is the scoring-service surface used after a commit.
type MetricsClient interface {
	ReportMetrics(ctx context.Context, metrics aiscore.NodeMetrics) error
	UpdateReputation(ctx context.Context, metrics aiscore.NodeMetrics) (int, error)
}

// ReputationStore loads nodes and stores refreshed reputation.
type ReputationStore interface {
	NodesByID(ctx context.Context, ids []uint) (map[uint]types.Node, error)
	UpdateNodeReputation(ctx context.Context, id uint, score int) error
}

// ScoringNotifier shares the metrics of paid nodes with the scoring service
// and stores the reputation it returns. Failures are logged only.
type ScoringNotifier struct {
	client  MetricsClient
	store   ReputationStore
	timeout time.Duration
	logger  *slog.Logger
}

// NewScoringNotifier constructs a notifier. A zero timeout defaults to 10s.
func NewScoringNotifier(client MetricsClient, store ReputationStore, timeout time.Duration, logger *slog.Logger) *ScoringNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ScoringNotifier{client: client, store: store, timeout: timeout, logger: logger}
}

// EpochCommitted implements Notifier.
func (n *ScoringNotifier) EpochCommitted(ctx context.Context, epoch types.Epoch, payouts []Payout) {
	if n.client == nil || len(payouts) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()

	ids := make([]uint, 0, len(payouts))
	for _, p := range payouts {
		ids = append(ids, p.NodeID)
	}
	nodes, err := n.store.NodesByID(ctx, ids)
	if err != nil {
		n.logger.Warn("load nodes for scoring notification failed", slog.Uint64("epoch_id", epoch.EpochID), slog.Any("error", err))
		return
	}
	for _, id := range ids {
		node, ok := nodes[id]
		if !ok {
			continue
		}
		metrics := aiscore.MetricsFromNode(node)
		if err := n.client.ReportMetrics(ctx, metrics); err != nil {
			n.logger.Warn("report node metrics failed", slog.String("node", node.Address), slog.Any("error", err))
		}
		score, err := n.client.UpdateReputation(ctx, metrics)
		if err != nil {
			n.logger.Warn("reputation update failed", slog.String("node", node.Address), slog.Any("error", err))
			continue
		}
		if err := n.store.UpdateNodeReputation(ctx, node.ID, score); err != nil {
			n.logger.Warn("store reputation failed", slog.String("node", node.Address), slog.Any("error", err))
		}
	}
}
