package settled

import (
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	settleerrors "devpn/core/errors"
	"devpn/core/types"
)

type epochView struct {
	EpochID      uint64            `json:"epoch_id"`
	StartTime    time.Time         `json:"start_time"`
	EndTime      time.Time         `json:"end_time"`
	MerkleRoot   *string           `json:"merkle_root"`
	Status       types.EpochStatus `json:"status"`
	TotalTraffic float64           `json:"total_traffic"`
	NodeCount    int               `json:"node_count"`
	CommitTxHash *string           `json:"commit_tx_hash,omitempty"`
	Committed    *bool             `json:"committed,omitempty"`
}

func newEpochView(e types.Epoch) epochView {
	return epochView{
		EpochID:      e.EpochID,
		StartTime:    e.StartTime,
		EndTime:      e.EndTime,
		MerkleRoot:   e.MerkleRoot,
		Status:       e.Status,
		TotalTraffic: e.TotalTraffic,
		NodeCount:    e.NodeCount,
		CommitTxHash: e.CommitTxHash,
	}
}

func (s *Server) handleEpochs(w http.ResponseWriter, r *http.Request) {
	epochs, err := s.store.ListEpochs(r.Context(), 100)
	if err != nil {
		s.logger.Error("list epochs", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to load epochs")
		return
	}
	out := make([]epochView, 0, len(epochs))
	for _, e := range epochs {
		out = append(out, newEpochView(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEpoch(w http.ResponseWriter, r *http.Request) {
	id, err := parseEpochParam(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	epoch, err := s.store.EpochByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, settleerrors.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Epoch not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load epoch")
		return
	}
	view := newEpochView(epoch)
	committed := epoch.Committed()
	view.Committed = &committed
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCurrentEpoch(w http.ResponseWriter, r *http.Request) {
	epoch, err := s.epochs.GetOrCreateCurrent(r.Context())
	if err != nil {
		s.logger.Error("current epoch", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to load current epoch")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"epoch_id":          epoch.EpochID,
		"start_time":        epoch.StartTime,
		"end_time":          epoch.EndTime,
		"status":            epoch.Status,
		"remaining_seconds": int64(epoch.Remaining(s.now()) / time.Second),
	})
}

type proofResponse struct {
	Epoch      uint64   `json:"epoch"`
	Node       string   `json:"node"`
	Amount     int64    `json:"amount"`
	Proof      []string `json:"proof"`
	MerkleRoot *string  `json:"merkle_root"`
}

func (s *Server) handleProof(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	address := strings.TrimSpace(q.Get("node"))
	rawEpoch := q.Get("epoch")
	if rawEpoch == "" {
		rawEpoch = q.Get("epoch_id")
	}
	if address == "" || strings.TrimSpace(rawEpoch) == "" {
		writeError(w, http.StatusBadRequest, "node and epoch parameters are required")
		return
	}
	epochID, err := parseEpochParam(rawEpoch)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()
	node, err := s.store.NodeByAddress(ctx, address)
	if err != nil {
		s.lookupFailed(w, err, "Node not found")
		return
	}
	epoch, err := s.store.EpochByID(ctx, epochID)
	if err != nil {
		s.lookupFailed(w, err, "Epoch not found")
		return
	}
	if !epoch.Committed() {
		writeError(w, http.StatusUnprocessableEntity, "Epoch not yet committed")
		return
	}
	reward, err := s.store.RewardFor(ctx, node.ID, epochID)
	if err != nil {
		s.lookupFailed(w, err, "Reward not found for this node and epoch")
		return
	}
	proof, err := reward.Proof()
	if err != nil {
		s.logger.Error("stored proof unreadable", slog.Uint64("epoch_id", epochID), slog.String("node", node.Address), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "Invalid merkle proof format")
		return
	}
	writeJSON(w, http.StatusOK, proofResponse{
		Epoch:      epochID,
		Node:       address,
		Amount:     reward.Amount,
		Proof:      proof,
		MerkleRoot: epoch.MerkleRoot,
	})
}

func (s *Server) lookupFailed(w http.ResponseWriter, err error, notFound string) {
	if errors.Is(err, settleerrors.ErrNotFound) {
		writeError(w, http.StatusNotFound, notFound)
		return
	}
	s.logger.Error("lookup failed", slog.Any("error", err))
	writeError(w, http.StatusInternalServerError, "lookup failed")
}

type recordView struct {
	ID                uint      `json:"id"`
	VpnConnectionID   *uint     `json:"vpn_connection_id,omitempty"`
	TrafficMB         float64   `json:"traffic_mb"`
	Signature         string    `json:"signature"`
	CreatedAt         time.Time `json:"created_at"`
	RewardEligible    bool      `json:"reward_eligible"`
	EligibilityReason string    `json:"eligibility_reason"`
	RequestSource     string    `json:"request_source"`
	AIScored          bool      `json:"ai_scored"`
	AIScore           *float64  `json:"ai_score"`
	HasAnomaly        bool      `json:"has_anomaly"`
}

func newRecordViews(in []types.TrafficRecord) []recordView {
	out := make([]recordView, 0, len(in))
	for _, rec := range in {
		out = append(out, recordView{
			ID:                rec.ID,
			VpnConnectionID:   rec.VpnConnectionID,
			TrafficMB:         rec.TrafficMB,
			Signature:         rec.Signature,
			CreatedAt:         rec.CreatedAt,
			RewardEligible:    rec.RewardEligible,
			EligibilityReason: rec.EligibilityReason,
			RequestSource:     rec.RequestSource,
			AIScored:          rec.AIScored,
			AIScore:           rec.AIScore,
			HasAnomaly:        rec.HasAnomaly,
		})
	}
	return out
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(r.URL.Query().Get("node"))
	if address == "" {
		address = strings.TrimSpace(r.Header.Get("X-Node-Address"))
	}
	rawEpoch := chi.URLParam(r, "epoch_id")
	if address == "" || rawEpoch == "" {
		writeError(w, http.StatusBadRequest, "node and epoch_id are required")
		return
	}
	epochID, err := parseEpochParam(rawEpoch)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()
	node, err := s.store.NodeByAddress(ctx, address)
	if err != nil {
		s.lookupFailed(w, err, "Node or epoch not found")
		return
	}
	b, err := s.settler.Explain(ctx, node, epochID)
	if err != nil {
		s.lookupFailed(w, err, "Node or epoch not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"epoch_id":        epochID,
		"node":            address,
		"traffic_records": newRecordViews(b.Records),
		"metrics": map[string]interface{}{
			"total_traffic_mb":    b.TotalTrafficMB,
			"eligible_traffic_mb": b.EligibleTrafficMB,
			"quality_score":       b.Quality,
			"reputation_score":    b.Reputation,
		},
		"reward_calculation": map[string]interface{}{
			"formula":                b.Formula,
			"calculated_amount":      b.CalculatedAmount.String(),
			"eligible_amount":        b.EligibleAmount.String(),
			"actual_amount":          b.ActualAmount.String(),
			"match":                  b.Match(),
			"eligible_records_count": b.EligibleRecords,
			"total_records_count":    len(b.Records),
		},
	})
}

func (s *Server) handleEligibility(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "traffic_record_id")
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || id == 0 || id > math.MaxUint32 {
		writeError(w, http.StatusBadRequest, "traffic_record_id must be a positive integer")
		return
	}
	source := types.ParseRequestSource(r.URL.Query().Get("request_source"))
	check, err := s.settler.CheckEligibility(r.Context(), uint(id), source)
	if err != nil {
		s.lookupFailed(w, err, "Traffic record not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"traffic_record_id": check.Record.ID,
		"node":              check.Node.Address,
		"eligible":          check.Result.Eligible,
		"reason":            check.Result.Reason,
		"request_source":    string(check.Source),
		"ai_scoring": map[string]interface{}{
			"scored": check.Result.AIScored,
			"score":  check.Result.AIScore,
		},
		"has_anomaly":               check.Result.HasAnomaly,
		"performance_threshold_met": check.PerformanceThresholdMet,
		"is_good_node":              check.GoodNode,
		"persisted":                 check.Persisted,
	})
}
