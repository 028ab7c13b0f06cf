package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/rustyeddy/volbalance/backtest"
	"github.com/rustyeddy/volbalance/dividend"
	"github.com/rustyeddy/volbalance/policy"
	"github.com/rustyeddy/volbalance/position"
	"github.com/rustyeddy/volbalance/sim"
)

var (
	errBadRequest  = errors.New("bad request")
	errFeed        = errors.New("price feed")
	errUnavailable = errors.New("not configured")
)

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, position.ErrNotFound), errors.Is(err, dividend.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest),
		errors.Is(err, position.ErrInvalid),
		errors.Is(err, position.ErrNoAnchor),
		errors.Is(err, policy.ErrInvalidPolicy),
		errors.Is(err, policy.ErrInvalidGuardrails),
		errors.Is(err, backtest.ErrInvalidInput),
		errors.Is(err, dividend.ErrNoShares),
		errors.Is(err, dividend.ErrInvalidDividend):
		return http.StatusBadRequest
	case errors.Is(err, position.ErrExists),
		errors.Is(err, sim.ErrInvalidTransition),
		errors.Is(err, sim.ErrHalted),
		sim.IsInvariantViolation(err):
		return http.StatusConflict
	case errors.Is(err, errFeed):
		return http.StatusBadGateway
	case errors.Is(err, errUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.Log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, code, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return badRequest("decode body: %v", err)
	}
	return nil
}
