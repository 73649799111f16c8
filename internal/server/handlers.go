package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"cardpay/internal/export"
	"cardpay/internal/logger"
	"cardpay/internal/payment"
)

func (s *Server) handlePaymentInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.deps.Cache.EnsureFresh(r.Context())
	if err != nil {
		writePaymentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handlePaymentState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Workflow.Snapshot())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Workflow.Start(r.Context())
	writeOutcome(w, snap, err)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Workflow.Confirm(r.Context())
	writeOutcome(w, snap, err)
}

func (s *Server) handleCancel(w http.ResponseWriter, _ *http.Request) {
	snap, err := s.deps.Workflow.Cancel()
	writeOutcome(w, snap, err)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	if s.deps.Journal == nil {
		writeJSON(w, http.StatusOK, []payment.PendingTransfer{})
		return
	}
	pending, err := s.deps.Journal.Pending(r.Context())
	if err != nil {
		log := logger.FromContext(r.Context(), s.log)
		log.Error().Err(err).Msg("server.journal_read_failed")
		writeError(w, http.StatusInternalServerError, "journal_unavailable", "could not read pending transfers")
		return
	}
	if pending == nil {
		pending = []payment.PendingTransfer{}
	}
	writeJSON(w, http.StatusOK, pending)
}

type resumeRequest struct {
	TransactionHash string `json:"transaction_hash"`
	FromAddress     string `json:"from_address"`
}

// handleResume polls the given handle, or the most recent journaled one when the body is empty.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json payload")
		return
	}
	handle := payment.TransactionHandle{
		Hash:        strings.TrimSpace(req.TransactionHash),
		FromAddress: strings.TrimSpace(req.FromAddress),
	}

	if handle.Hash == "" && s.deps.Journal != nil {
		pending, err := s.deps.Journal.Pending(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "journal_unavailable", "could not read pending transfers")
			return
		}
		if len(pending) == 0 {
			writeError(w, http.StatusNotFound, "nothing_to_resume", "no journaled transfer is pending")
			return
		}
		handle = pending[len(pending)-1].Handle
	}

	snap, err := s.deps.Workflow.Resume(r.Context(), handle)
	writeOutcome(w, snap, err)
}

func (s *Server) handleFiatState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Fiat.Snapshot())
}

type fiatRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

func (s *Server) handleFiatSubmit(w http.ResponseWriter, r *http.Request) {
	var req fiatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json payload")
		return
	}
	snap, err := s.deps.Fiat.Submit(r.Context(), req.Amount, req.Currency)
	writeOutcome(w, snap, err)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if s.deps.Downloads == nil {
		writeError(w, http.StatusNotFound, "export_disabled", "no export is configured")
		return
	}
	token := payment.DownloadToken(chi.URLParam(r, "token"))
	artifact, err := s.deps.Downloads.Open(r.Context(), token)
	switch {
	case errors.Is(err, export.ErrUnknownToken):
		writeError(w, http.StatusNotFound, "unknown_token", err.Error())
		return
	case errors.Is(err, export.ErrExpiredToken):
		writeError(w, http.StatusGone, "expired_token", err.Error())
		return
	case err != nil:
		log := logger.FromContext(r.Context(), s.log)
		log.Error().Err(err).Msg("server.export_failed")
		writeError(w, http.StatusInternalServerError, "export_failed", "could not produce the export")
		return
	}
	defer artifact.Body.Close()

	w.Header().Set("Content-Type", artifact.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", artifact.Name))
	if artifact.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(artifact.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, artifact.Body); err != nil {
		log := logger.FromContext(r.Context(), s.log)
		log.Warn().Err(err).Msg("server.export_stream_failed")
	}
}
