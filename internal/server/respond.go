package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"cardpay/internal/payment"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// writeOutcome answers a workflow call. A failure that ended the attempt is part of the
// snapshot and returns 200; a refused request returns an error body.
func writeOutcome(w http.ResponseWriter, snap payment.Snapshot, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, snap)
		return
	}
	perr := payment.AsError(err)
	if snap.Stage == payment.StageFailed && snap.Err != nil && snap.Err.Code == perr.Code {
		writeJSON(w, http.StatusOK, snap)
		return
	}
	writeError(w, statusFor(perr.Code), string(perr.Code), perr.Message)
}

func writePaymentError(w http.ResponseWriter, err error) {
	perr := payment.AsError(err)
	writeError(w, statusFor(perr.Code), string(perr.Code), perr.Message)
}

func statusFor(code payment.Code) int {
	switch code {
	case payment.CodeAlreadyInProgress, payment.CodeNotCancellable, payment.CodeNoTransferPending:
		return http.StatusConflict
	case payment.CodeInvalidParameters, payment.CodeInvalidAmount:
		return http.StatusBadRequest
	case payment.CodeBackendUnreachable:
		return http.StatusBadGateway
	case payment.CodeWalletUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// decodeBody tolerates an empty body so optional payloads can be omitted.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
