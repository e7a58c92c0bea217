package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/lingokids/progression-hub/internal/application/command"
	"github.com/lingokids/progression-hub/internal/application/query"
	"github.com/lingokids/progression-hub/internal/domain/progression"
	"github.com/lingokids/progression-hub/internal/domain/shared"
	"github.com/lingokids/progression-hub/internal/infrastructure/ruleset"
	"github.com/lingokids/progression-hub/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH & STATUS HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.HealthChecker != nil {
		status := s.deps.HealthChecker.Check(r.Context())
		if !status.Healthy {
			writeJSON(w, r, http.StatusServiceUnavailable, status)
			return
		}
		writeJSON(w, r, http.StatusOK, status)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"status": "healthy",
		"uptime": s.uptime().String(),
	})
}

// handleReady reports not ready while a critical dependency is down.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.HealthChecker != nil {
		status := s.deps.HealthChecker.Check(r.Context())
		if !status.Ready {
			writeJSON(w, r, http.StatusServiceUnavailable, map[string]string{
				"status": "not_ready",
				"reason": status.Message,
			})
			return
		}
	}

	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "alive"})
}

// handleMetrics returns a JSON snapshot of the registered metric sources.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	metrics := map[string]any{
		"uptime_seconds": s.uptime().Seconds(),
		"operations":     s.ops.snapshot(),
	}
	for name, source := range s.deps.Metrics {
		if source != nil {
			metrics[name] = source()
		}
	}

	writeJSON(w, r, http.StatusOK, metrics)
}

// ══════════════════════════════════════════════════════════════════════════════
// ECONOMY HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleOpenEconomy handles POST /api/v1/kids/{kidId}/economy
func (s *Server) handleOpenEconomy(w http.ResponseWriter, r *http.Request) {
	if s.deps.OpenEconomy == nil {
		s.notConfigured(w, r)
		return
	}

	state, err := s.deps.OpenEconomy.Handle(r.Context(), command.OpenEconomyCommand{
		KidID: r.PathValue("kidId"),
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusCreated, query.NewEconomyDTO(state, s.deps.Policy, s.deps.Clock.Now()))
}

// handleGetEconomy handles GET /api/v1/kids/{kidId}/economy
func (s *Server) handleGetEconomy(w http.ResponseWriter, r *http.Request) {
	if s.deps.GetEconomy == nil {
		s.notConfigured(w, r)
		return
	}

	dto, err := s.deps.GetEconomy.Handle(r.Context(), query.GetEconomyQuery{KidID: r.PathValue("kidId")})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, dto)
}

// handleGetEnergy handles GET /api/v1/kids/{kidId}/energy
func (s *Server) handleGetEnergy(w http.ResponseWriter, r *http.Request) {
	if s.deps.GetEnergy == nil {
		s.notConfigured(w, r)
		return
	}

	dto, err := s.deps.GetEnergy.Handle(r.Context(), query.GetEnergyQuery{KidID: r.PathValue("kidId")})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, dto)
}

type purchaseResponse struct {
	Economy        *query.EconomyDTO `json:"economy"`
	Cost           int               `json:"cost"`
	EnergyGained   int               `json:"energyGained"`
	PurchasesToday int               `json:"purchasesToday"`
}

// handlePurchaseEnergy handles POST /api/v1/kids/{kidId}/energy/purchase
func (s *Server) handlePurchaseEnergy(w http.ResponseWriter, r *http.Request) {
	if s.deps.PurchaseEnergy == nil {
		s.notConfigured(w, r)
		return
	}

	result, err := s.deps.PurchaseEnergy.Handle(r.Context(), command.PurchaseEnergyCommand{
		KidID: r.PathValue("kidId"),
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, purchaseResponse{
		Economy:        query.NewEconomyDTO(result.State, s.deps.Policy, s.deps.Clock.Now()),
		Cost:           result.Cost,
		EnergyGained:   result.EnergyGained,
		PurchasesToday: result.PurchasesToday,
	})
}

type adjustEnergyRequest struct {
	Delta *int `json:"delta"`
}

type adjustEnergyResponse struct {
	Economy     *query.EconomyDTO `json:"economy"`
	Regenerated int               `json:"regenerated"`
	Applied     int               `json:"applied"`
}

// handleAdjustEnergy handles POST /api/v1/kids/{kidId}/energy/adjust
func (s *Server) handleAdjustEnergy(w http.ResponseWriter, r *http.Request) {
	if s.deps.AdjustEnergy == nil {
		s.notConfigured(w, r)
		return
	}

	var req adjustEnergyRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if req.Delta == nil {
		s.writeDomainError(w, r, shared.InvalidInput("AdjustEnergy", "delta is required"))
		return
	}

	result, err := s.deps.AdjustEnergy.Handle(r.Context(), command.AdjustEnergyCommand{
		KidID: r.PathValue("kidId"),
		Delta: *req.Delta,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, adjustEnergyResponse{
		Economy:     query.NewEconomyDTO(result.State, s.deps.Policy, s.deps.Clock.Now()),
		Regenerated: result.Regenerated,
		Applied:     result.Applied,
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// LESSON HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

type startLessonRequest struct {
	LevelID string          `json:"levelId"`
	UnitID  string          `json:"unitId"`
	Type    lessonTypeParam `json:"type"`
}

type startLessonResponse struct {
	Energy      int  `json:"energy"`
	EnergySpent int  `json:"energySpent"`
	Charged     bool `json:"charged"`
}

// handleStartLesson handles POST /api/v1/kids/{kidId}/lessons/{lessonId}/start
func (s *Server) handleStartLesson(w http.ResponseWriter, r *http.Request) {
	if s.deps.StartLesson == nil {
		s.notConfigured(w, r)
		return
	}

	var req startLessonRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	result, err := s.deps.StartLesson.Handle(r.Context(), command.StartLessonCommand{
		KidID:    r.PathValue("kidId"),
		LevelID:  req.LevelID,
		UnitID:   req.UnitID,
		LessonID: r.PathValue("lessonId"),
		Type:     progression.LessonType(req.Type),
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, startLessonResponse{
		Energy:      result.Energy,
		EnergySpent: result.EnergySpent,
		Charged:     result.Charged,
	})
}

type recordAttemptRequest struct {
	LevelID    string          `json:"levelId"`
	UnitID     string          `json:"unitId"`
	Type       lessonTypeParam `json:"type"`
	TargetTier tierParam       `json:"targetTier"`
	Won        bool            `json:"won"`
}

type recordAttemptResponse struct {
	Economy *query.EconomyDTO `json:"economy"`

	Branch      string `json:"branch"`
	CoinReward  int    `json:"coinReward"`
	GemReward   int    `json:"gemReward"`
	EnergySpent int    `json:"energySpent"`
	StarBefore  int    `json:"starBefore"`
	Star        int    `json:"star"`
	GemUnlocked bool   `json:"gemUnlocked"`

	RuleConfigured bool `json:"ruleConfigured"`
}

// handleRecordAttempt handles POST /api/v1/kids/{kidId}/lessons/{lessonId}/attempts
func (s *Server) handleRecordAttempt(w http.ResponseWriter, r *http.Request) {
	if s.deps.RecordAttempt == nil {
		s.notConfigured(w, r)
		return
	}

	var req recordAttemptRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	result, err := s.deps.RecordAttempt.Handle(r.Context(), command.RecordAttemptCommand{
		KidID:      r.PathValue("kidId"),
		LevelID:    req.LevelID,
		UnitID:     req.UnitID,
		LessonID:   r.PathValue("lessonId"),
		Type:       progression.LessonType(req.Type),
		TargetTier: progression.Tier(req.TargetTier),
		Won:        req.Won,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	out := result.Outcome
	writeJSON(w, r, http.StatusOK, recordAttemptResponse{
		Economy:        query.NewEconomyDTO(result.State, s.deps.Policy, s.deps.Clock.Now()),
		Branch:         string(out.Branch),
		CoinReward:     out.CoinReward,
		GemReward:      out.GemReward,
		EnergySpent:    out.EnergySpent,
		StarBefore:     out.StarBefore.Int(),
		Star:           out.StarAfter.Int(),
		GemUnlocked:    out.GemUnlocked,
		RuleConfigured: result.RuleConfigured,
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// STAR HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleGetTotalStars handles GET /api/v1/kids/{kidId}/stars
func (s *Server) handleGetTotalStars(w http.ResponseWriter, r *http.Request) {
	if s.deps.GetTotalStars == nil {
		s.notConfigured(w, r)
		return
	}

	dto, err := s.deps.GetTotalStars.Handle(r.Context(), query.GetTotalStarsQuery{KidID: r.PathValue("kidId")})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, dto)
}

// handleGetLevelStars handles GET /api/v1/kids/{kidId}/levels/{levelId}/stars
func (s *Server) handleGetLevelStars(w http.ResponseWriter, r *http.Request) {
	if s.deps.GetLevelStars == nil {
		s.notConfigured(w, r)
		return
	}

	stars, err := s.deps.GetLevelStars.Handle(r.Context(), query.GetLevelStarsQuery{
		KidID:   r.PathValue("kidId"),
		LevelID: r.PathValue("levelId"),
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, stars)
}

// handleIsChallengeUnlocked handles GET /api/v1/kids/{kidId}/levels/{levelId}/units/{unitId}/challenge
func (s *Server) handleIsChallengeUnlocked(w http.ResponseWriter, r *http.Request) {
	if s.deps.IsChallengeUnlocked == nil {
		s.notConfigured(w, r)
		return
	}

	status, err := s.deps.IsChallengeUnlocked.Handle(r.Context(), query.IsChallengeUnlockedQuery{
		KidID:   r.PathValue("kidId"),
		LevelID: r.PathValue("levelId"),
		UnitID:  r.PathValue("unitId"),
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, status)
}

// ══════════════════════════════════════════════════════════════════════════════
// GAME RULE HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleFindGameRule handles GET /api/v1/game-rules/{levelId}/{unitId}/{type}
func (s *Server) handleFindGameRule(w http.ResponseWriter, r *http.Request) {
	if s.deps.FindGameRule == nil {
		s.notConfigured(w, r)
		return
	}

	lessonType, err := progression.ParseLessonType(r.PathValue("type"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	dto, err := s.deps.FindGameRule.Handle(r.Context(), query.FindGameRuleQuery{
		Key: progression.RuleKey{
			LevelID: r.PathValue("levelId"),
			UnitID:  r.PathValue("unitId"),
			Type:    lessonType,
		},
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, dto)
}

type importGameRulesRequest struct {
	Rules []query.GameRuleDTO `json:"rules"`
}

type importGameRulesResponse struct {
	Imported    int      `json:"imported"`
	Keys        []string `json:"keys"`
	Fingerprint string   `json:"fingerprint"`
}

// handleImportGameRules handles POST /api/v1/game-rules. The body is either
// JSON ({"rules": [...]}) or a YAML ruleset document.
func (s *Server) handleImportGameRules(w http.ResponseWriter, r *http.Request) {
	if s.deps.ImportGameRules == nil {
		s.notConfigured(w, r)
		return
	}

	rules, err := decodeRules(r)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	result, err := s.deps.ImportGameRules.Handle(r.Context(), command.ImportGameRulesCommand{Rules: rules})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, importGameRulesResponse{
		Imported:    result.Imported,
		Keys:        result.Keys,
		Fingerprint: ruleset.Fingerprint(rules),
	})
}

func decodeRules(r *http.Request) ([]progression.GameRule, error) {
	if strings.Contains(r.Header.Get("Content-Type"), "yaml") {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, shared.WrapError("input", "ImportGameRules", shared.ErrInvalidInput,
				shared.CodeInvalidInput, "failed to read ruleset", err)
		}
		rules, err := ruleset.Parse(data)
		if err != nil {
			return nil, shared.WrapError("input", "ImportGameRules", shared.ErrInvalidInput,
				shared.CodeInvalidInput, "malformed ruleset", err)
		}
		return rules, nil
	}

	var req importGameRulesRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}

	rules := make([]progression.GameRule, 0, len(req.Rules))
	for _, dto := range req.Rules {
		rules = append(rules, progression.GameRule{
			LevelID:              dto.LevelID,
			UnitID:               dto.UnitID,
			Type:                 progression.LessonType(strings.ToLower(dto.Type)),
			FirstPlayReward:      dto.FirstPlayReward,
			ReplaySuccessReward:  dto.ReplaySuccessReward,
			ReplayFailureReward:  dto.ReplayFailureReward,
			EnergyCost:           dto.EnergyCost,
			UnlockingRequirement: dto.UnlockingRequirement,
		})
	}
	return rules, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// REQUEST DECODING
// ══════════════════════════════════════════════════════════════════════════════

// decodeJSON strictly decodes a single JSON object from the request body.
func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var maxBytes *http.MaxBytesError
		switch {
		case errors.As(err, &maxBytes):
			return shared.WrapError("input", "decode", shared.ErrInvalidInput,
				shared.CodeInvalidInput, "request body too large", err)
		case errors.Is(err, io.EOF):
			return shared.InvalidInput("decode", "request body is empty")
		}
		return shared.WrapError("input", "decode", shared.ErrInvalidInput,
			shared.CodeInvalidInput, "malformed request body", err)
	}
	if dec.More() {
		return shared.InvalidInput("decode", "request body must contain a single JSON object")
	}
	return nil
}

// tierParam accepts 1..3 or EASY/MEDIUM/HARD.
type tierParam progression.Tier

func (t *tierParam) UnmarshalJSON(data []byte) error {
	tier, err := progression.ParseTier(strings.Trim(string(data), `"`))
	if err != nil {
		return err
	}
	*t = tierParam(tier)
	return nil
}

// lessonTypeParam is a case-insensitive lesson type.
type lessonTypeParam progression.LessonType

func (p *lessonTypeParam) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	lessonType, err := progression.ParseLessonType(s)
	if err != nil {
		return err
	}
	*p = lessonTypeParam(lessonType)
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// ERROR MAPPING
// ══════════════════════════════════════════════════════════════════════════════

// statusForCode maps a stable error code to an HTTP status.
func statusForCode(code string) int {
	switch code {
	case shared.CodeKidNotFound, shared.CodeRuleNotFound:
		return http.StatusNotFound
	case shared.CodeInsufficientEnergy, shared.CodeInsufficientFunds, shared.CodeKidAlreadyExists:
		return http.StatusConflict
	case shared.CodeInvalidTierUnlock:
		return http.StatusUnprocessableEntity
	case shared.CodeInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		writeJSONError(w, r, http.StatusGatewayTimeout, "TIMEOUT", "request timed out")
		return
	}

	// Chunked bodies only hit the limit while decoding.
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		writeJSONError(w, r, http.StatusRequestEntityTooLarge, shared.CodeInvalidInput, "request body too large")
		return
	}

	code := shared.CodeOf(err)
	status := statusForCode(code)

	if status == http.StatusInternalServerError {
		logger.FromContext(r.Context(), s.logger).Error("request failed",
			logger.String("path", r.URL.Path),
			logger.Err(err),
		)
		writeJSONError(w, r, status, shared.CodeInternal, "internal error")
		return
	}

	message := code
	var de *shared.DomainError
	if errors.As(err, &de) {
		message = de.Message
	}

	if code == shared.CodeInvalidInput {
		writeJSONErrorWithDetails(w, r, status, code, message, err.Error())
		return
	}
	writeJSONError(w, r, status, code, message)
}

func (s *Server) notConfigured(w http.ResponseWriter, r *http.Request) {
	writeJSONError(w, r, http.StatusNotImplemented, "NOT_IMPLEMENTED", "endpoint is not configured")
}
