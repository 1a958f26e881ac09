package main

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"swapSequencer/internal/asset"
	"swapSequencer/internal/errs"
	"swapSequencer/internal/model"
	"swapSequencer/internal/operator"
	"swapSequencer/internal/stake"
)

// api is the sequencer's JSON surface: operation submission, fee
// quoting, staking, and read-only ledger queries.
type api struct {
	op          *operator.Operator
	coordinator *stake.Coordinator
	assets      *asset.Registry
	logger      *zap.Logger
}

func newAPI(op *operator.Operator, coordinator *stake.Coordinator, assets *asset.Registry, logger *zap.Logger) *api {
	return &api{op: op, coordinator: coordinator, assets: assets, logger: logger}
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/operation", a.handleOperation)
	mux.HandleFunc("POST /v1/operation/dry-run", a.handleDryRun)
	mux.HandleFunc("POST /v1/quote", a.handleQuote)
	mux.HandleFunc("POST /v1/stake", a.handleStake)
	mux.HandleFunc("POST /v1/unstake", a.handleUnstake)
	mux.HandleFunc("POST /v1/stake/claim", a.handleStakeClaim)
	mux.HandleFunc("GET /v1/balance", a.handleBalance)
	mux.HandleFunc("GET /v1/pool", a.handlePool)
	mux.HandleFunc("GET /healthz", a.handleHealth)
}

func (a *api) handleOperation(w http.ResponseWriter, r *http.Request) {
	var req operator.Request
	if !a.decode(w, r, &req) {
		return
	}
	res, err := a.op.Aggregate(r.Context(), req)
	a.respond(w, res, err)
}

func (a *api) handleDryRun(w http.ResponseWriter, r *http.Request) {
	var req operator.Request
	if !a.decode(w, r, &req) {
		return
	}
	res, err := a.op.DryRun(r.Context(), req)
	a.respond(w, res, err)
}

func (a *api) handleQuote(w http.ResponseWriter, r *http.Request) {
	var op model.InternalOperation
	if !a.decode(w, r, &op) {
		return
	}
	res, err := a.op.QuoteOperation(r.Context(), op)
	a.respond(w, res, err)
}

func (a *api) handleStake(w http.ResponseWriter, r *http.Request) {
	var req operator.Request
	if !a.decode(w, r, &req) {
		return
	}
	res, err := a.coordinator.Stake(r.Context(), req)
	a.respond(w, res, err)
}

func (a *api) handleUnstake(w http.ResponseWriter, r *http.Request) {
	var req operator.Request
	if !a.decode(w, r, &req) {
		return
	}
	res, err := a.coordinator.Unstake(r.Context(), req)
	a.respond(w, res, err)
}

func (a *api) handleStakeClaim(w http.ResponseWriter, r *http.Request) {
	var req operator.Request
	if !a.decode(w, r, &req) {
		return
	}
	res, err := a.coordinator.Claim(r.Context(), req)
	a.respond(w, res, err)
}

func (a *api) handleBalance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	address, tick := q.Get("address"), q.Get("tick")
	class := model.AssetClass(q.Get("class"))
	if class == "" {
		class = model.ClassSwap
	}
	if address == "" || tick == "" || !model.ValidClass(class) {
		a.respond(w, nil, errs.E(errs.KindValidation, errs.CodeInvalidEvent, "address, tick, and a valid class are required"))
		return
	}
	balance := a.op.Balance(class, tick, address)
	resp := map[string]string{
		"address": address,
		"tick":    tick,
		"class":   string(class),
		"balance": balance.String(),
	}
	if display, err := a.assets.FromRaw(tick, balance); err == nil {
		resp["display"] = display
	}
	a.respond(w, resp, nil)
}

func (a *api) handlePool(w http.ResponseWriter, r *http.Request) {
	pair, err := model.ParsePairKey(r.URL.Query().Get("pair"))
	if err != nil {
		a.respond(w, nil, err)
		return
	}
	info, ok := a.op.PoolInfo(pair)
	if !ok {
		a.respond(w, nil, errs.E(errs.KindValidation, errs.CodeUnknownPool, "pool %s not deployed", pair.Key()))
		return
	}
	a.respond(w, info, nil)
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if err := a.op.Fatal(); err != nil {
		a.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "fatal",
			"error":  err.Error(),
		})
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		a.respond(w, nil, errs.E(errs.KindValidation, errs.CodeInvalidEvent, "decode request: %v", err))
		return false
	}
	return true
}

func (a *api) respond(w http.ResponseWriter, v any, err error) {
	if err != nil {
		a.writeJSON(w, statusFor(err), map[string]string{
			"error": err.Error(),
			"code":  errs.CodeOf(err),
		})
		return
	}
	a.writeJSON(w, http.StatusOK, v)
}

func (a *api) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("write response", zap.Error(err))
	}
}

func statusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindSignature:
		return http.StatusUnauthorized
	case errs.KindCapacity:
		return http.StatusTooManyRequests
	case errs.KindConsistency, errs.KindFatal:
		return http.StatusConflict
	case errs.KindStorage:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
