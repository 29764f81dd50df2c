package settled

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	settleerrors "devpn/core/errors"
	"devpn/core/traffic"
	"devpn/core/types"
	"devpn/observability"
	"devpn/observability/logging"
)

type ingestResponse struct {
	TrafficRecordID   uint    `json:"traffic_record_id"`
	EpochID           uint64  `json:"epoch_id"`
	TrafficMB         float64 `json:"traffic_mb"`
	RewardEligible    bool    `json:"reward_eligible"`
	EligibilityReason string  `json:"eligibility_reason,omitempty"`
	RequestSource     string  `json:"request_source,omitempty"`
	Error             string  `json:"error,omitempty"`
}

func newIngestResponse(rec types.TrafficRecord) ingestResponse {
	return ingestResponse{
		TrafficRecordID:   rec.ID,
		EpochID:           rec.EpochID,
		TrafficMB:         rec.TrafficMB,
		RewardEligible:    rec.RewardEligible,
		EligibilityReason: rec.EligibilityReason,
		RequestSource:     rec.RequestSource,
	}
}

func (s *Server) handleTraffic(w http.ResponseWriter, r *http.Request) {
	var report traffic.Report
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxReportBytes)).Decode(&report); err != nil {
		observability.Ingest().RecordReport("invalid", 0)
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	record, err := s.ingestor.Ingest(r.Context(), report)
	if err != nil {
		status, result := ingestFailure(err)
		observability.Ingest().RecordReport(result, 0)
		if status == http.StatusInternalServerError {
			s.logger.Error("traffic ingestion failed", slog.String("node", report.Address()), slog.Any("error", err))
			writeError(w, status, "failed to store traffic report")
			return
		}
		s.logger.Debug("traffic report rejected",
			slog.String("node", report.Address()),
			logging.MaskField("signature", report.Signature),
			slog.String("reason", result))
		writeError(w, status, err.Error())
		return
	}
	observability.Ingest().RecordReport("accepted", record.TrafficMB)
	writeJSON(w, http.StatusCreated, newIngestResponse(record))
}

type batchRequest struct {
	Node    string           `json:"node"`
	Reports []traffic.Report `json:"reports"`
}

const maxBatchReports = 500

func (s *Server) handleTrafficBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxReportBytes*16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if len(req.Reports) == 0 || len(req.Reports) > maxBatchReports {
		writeError(w, http.StatusBadRequest, "reports must hold between 1 and 500 entries")
		return
	}
	records, errs := s.ingestor.IngestBatch(r.Context(), req.Node, req.Reports)
	out := make([]ingestResponse, len(records))
	accepted := 0
	for i := range records {
		if errs[i] != nil {
			status, result := ingestFailure(errs[i])
			observability.Ingest().RecordReport(result, 0)
			out[i] = ingestResponse{Error: errs[i].Error()}
			if status == http.StatusInternalServerError {
				out[i].Error = "failed to store traffic report"
			}
			continue
		}
		accepted++
		observability.Ingest().RecordReport("accepted", records[i].TrafficMB)
		out[i] = newIngestResponse(records[i])
	}
	status := http.StatusOK
	if accepted == 0 {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]interface{}{"accepted": accepted, "results": out})
}

func ingestFailure(err error) (int, string) {
	switch {
	case errors.Is(err, traffic.ErrSignatureMismatch):
		return http.StatusUnauthorized, "unauthorized"
	case settleerrors.IsValidation(err):
		return http.StatusBadRequest, "invalid"
	case errors.Is(err, settleerrors.ErrNotFound):
		return http.StatusNotFound, "unknown_node"
	default:
		return http.StatusInternalServerError, "error"
	}
}
