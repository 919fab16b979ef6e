package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"fxwatch/internal/faults"
	"fxwatch/internal/money"
	"fxwatch/internal/monitor"
	"fxwatch/internal/storage"
)

type ruleResponse struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	Pair            string     `json:"pair"`
	Threshold       string     `json:"threshold"`
	Direction       string     `json:"direction"`
	Active          bool       `json:"active"`
	Armed           bool       `json:"armed"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	Version         int64      `json:"version"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func toRuleResponse(rule storage.AlertRule) ruleResponse {
	return ruleResponse{
		ID:              rule.ID,
		UserID:          rule.UserID,
		Pair:            rule.Pair.String(),
		Threshold:       rule.Threshold.String(),
		Direction:       string(rule.Direction),
		Active:          rule.Active,
		Armed:           rule.Armed,
		LastTriggeredAt: rule.LastTriggeredAt,
		Version:         rule.Version,
		CreatedAt:       rule.CreatedAt,
		UpdatedAt:       rule.UpdatedAt,
	}
}

type createRuleRequest struct {
	Pair      string      `json:"pair"`
	Threshold json.Number `json:"threshold"`
	Direction string      `json:"direction"`
}

func (s *Server) createRule(w http.ResponseWriter, r *http.Request) {
	var req createRuleRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendDomainError(w, err)
		return
	}
	rule, err := s.deps.Rules.Create(r.Context(), monitor.RuleInput{
		UserID:    chi.URLParam(r, "userID"),
		Pair:      req.Pair,
		Threshold: req.Threshold.String(),
		Direction: req.Direction,
	})
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRuleResponse(rule))
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.deps.Rules.List(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	out := make([]ruleResponse, 0, len(rules))
	for _, rule := range rules {
		out = append(out, toRuleResponse(rule))
	}
	writeJSON(w, http.StatusOK, map[string]any{"content": out})
}

type updateRuleRequest struct {
	Threshold json.Number `json:"threshold"`
	Active    *bool       `json:"active"`
}

func (s *Server) updateRule(w http.ResponseWriter, r *http.Request) {
	var req updateRuleRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendDomainError(w, err)
		return
	}
	rule, err := s.deps.Rules.Update(r.Context(), chi.URLParam(r, "ruleID"), req.Threshold.String(), req.Active)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleResponse(rule))
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Rules.Delete(r.Context(), chi.URLParam(r, "ruleID")); err != nil {
		s.sendDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type subscriptionRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// createSubscription accepts the browser's PushSubscription.toJSON() shape.
func (s *Server) createSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&req); err != nil {
		s.sendDomainError(w, faults.Validation("decode subscription", "invalid request body: %v", err))
		return
	}
	if !strings.HasPrefix(req.Endpoint, "https://") || req.Keys.P256dh == "" || req.Keys.Auth == "" {
		s.sendDomainError(w, faults.Validation("save subscription", "endpoint must be https and keys are required"))
		return
	}
	sub, err := s.deps.Subscriptions.SaveSubscription(r.Context(), storage.PushSubscription{
		UserID:   chi.URLParam(r, "userID"),
		Endpoint: req.Endpoint,
		P256dh:   req.Keys.P256dh,
		Auth:     req.Keys.Auth,
	})
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": sub.ID})
}

type quoteRequest struct {
	Amount json.Number `json:"amount"`
	From   string      `json:"from"`
	To     string      `json:"to"`
}

type quoteResponse struct {
	Amount     string    `json:"amount"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	PercentFee string    `json:"percent_fee"`
	Fee        string    `json:"fee"`
	Net        string    `json:"net"`
	Rate       string    `json:"rate"`
	RateAsOf   time.Time `json:"rate_as_of"`
	Received   string    `json:"received"`
}

func (s *Server) quote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendDomainError(w, err)
		return
	}
	amount, err := money.ParseAmount(req.Amount.String())
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	pair, err := money.NewPair(req.From, req.To)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}

	q, err := s.deps.Quoter.Quote(r.Context(), amount, pair.From, pair.To)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quoteResponse{
		Amount:     q.Amount.String(),
		From:       q.From.String(),
		To:         q.To.String(),
		PercentFee: q.PercentFee.String(),
		Fee:        q.Fee.StringFixedBank(q.To.MinorUnits()),
		Net:        q.Net.StringFixedBank(q.To.MinorUnits()),
		Rate:       q.Rate.String(),
		RateAsOf:   q.RateAsOf,
		Received:   q.Received.StringFixedBank(q.To.MinorUnits()),
	})
}
