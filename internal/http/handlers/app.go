package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"restoration/internal/batch"
	"restoration/internal/domain"
	"restoration/internal/retryloop"
	"restoration/internal/statemachine"
)

// App bundles the operator surface's dependencies.
type App struct {
	Machine *statemachine.Machine
	Batches *batch.Manager
	Loop    *retryloop.Loop
	Logger  zerolog.Logger

	started time.Time
}

func NewApp(machine *statemachine.Machine, batches *batch.Manager, loop *retryloop.Loop, logger zerolog.Logger) *App {
	return &App{Machine: machine, Batches: batches, Loop: loop, Logger: logger, started: time.Now()}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, msg string) {
	a.json(w, code, map[string]string{"error": msg})
}

// fail maps domain errors onto HTTP status codes.
func (a *App) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrBatchFull):
		a.error(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrBatchStopped), errors.Is(err, domain.ErrInvalidTransition):
		a.error(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrRateLimited), errors.Is(err, domain.ErrCircuitOpen):
		a.error(w, http.StatusTooManyRequests, err.Error())
	default:
		a.Logger.Error().Err(err).Msg("http: internal error")
		a.error(w, http.StatusInternalServerError, "internal error")
	}
}
