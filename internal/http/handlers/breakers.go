package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// BreakerStates lists each circuit breaker with its current state.
func (a *App) BreakerStates(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, a.Loop.Breakers().States())
}

// ResetBreaker closes a breaker by name after an operator has resolved the
// underlying fault.
func (a *App) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	a.Loop.Breakers().Get(name).Reset()
	a.Logger.Warn().Str("breaker", name).Msg("http: breaker reset by operator")
	a.json(w, http.StatusOK, map[string]string{"breaker": name, "state": "closed"})
}
