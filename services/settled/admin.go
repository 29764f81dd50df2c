package settled

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	settleerrors "devpn/core/errors"
	"devpn/core/types"
	"devpn/integrations/exports"
)

// HeaderChecksum carries the SHA-256 of an export body.
const HeaderChecksum = "X-Checksum"

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.settler.Pause()
	if s.pause != nil {
		s.pause.SetPause(true)
	}
	s.logger.Warn("settlement sweeps paused", slog.String("remote", r.RemoteAddr))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.settler.Resume()
	if s.pause != nil {
		s.pause.SetPause(false)
	}
	s.logger.Info("settlement sweeps resumed", slog.String("remote", r.RemoteAddr))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.settler.Status())
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	id, err := parseEpochParam(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	summary, err := s.settler.SettleEpoch(r.Context(), id)
	if err != nil {
		writeJSON(w, statusFor(err), map[string]interface{}{"error": err.Error(), "summary": summary})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleRequeue returns an epoch stranded in processing, for example by a
// crash mid-run, to pending so the next sweep picks it up.
func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id, err := parseEpochParam(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()
	if _, err := s.store.EpochByID(ctx, id); err != nil {
		s.lookupFailed(w, err, "Epoch not found")
		return
	}
	if err := s.store.TransitionEpoch(ctx, id, types.EpochProcessing, types.EpochPending); err != nil {
		if errors.Is(err, settleerrors.ErrEpochBusy) {
			writeError(w, http.StatusConflict, "epoch is not processing")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to requeue epoch")
		return
	}
	s.logger.Warn("epoch requeued", slog.Uint64("epoch_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id, err := parseEpochParam(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rawFormat := r.URL.Query().Get("format")
	if rawFormat == "" {
		rawFormat = string(exports.FormatCSV)
	}
	format, err := exports.ParseFormat(rawFormat)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()
	epoch, err := s.store.EpochByID(ctx, id)
	if err != nil {
		s.lookupFailed(w, err, "Epoch not found")
		return
	}
	if !epoch.Committed() {
		writeError(w, http.StatusUnprocessableEntity, "Epoch not yet committed")
		return
	}
	rewards, err := s.store.RewardsForEpoch(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load rewards")
		return
	}
	rows, err := exports.Rows(epoch, rewards)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	body, checksum, err := exports.Export(format, rows)
	if err != nil {
		s.logger.Error("export failed", slog.Uint64("epoch_id", id), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set(HeaderChecksum, checksum)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=epoch-%d.%s", id, format))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// handleSessionEnd re-evaluates the samples of a closed VPN session. The
// session lifecycle lives outside this service, so the caller is trusted.
func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	connectionID := strings.TrimSpace(chi.URLParam(r, "connection_id"))
	if connectionID == "" {
		writeError(w, http.StatusBadRequest, "connection_id is required")
		return
	}
	records, err := s.settler.EvaluateSession(r.Context(), connectionID)
	if err != nil {
		s.lookupFailed(w, err, "Session not found")
		return
	}
	eligible := 0
	for _, rec := range records {
		if rec.RewardEligible {
			eligible++
		}
	}
	s.logger.Info("session evaluated",
		slog.String("connection_id", connectionID),
		slog.Int("records", len(records)),
		slog.Int("eligible", eligible))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connection_id":   connectionID,
		"eligible_count":  eligible,
		"traffic_records": newRecordViews(records),
	})
}
