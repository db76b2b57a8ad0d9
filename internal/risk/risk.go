// Package risk implements the Risk Engine: weighted multi-factor scoring,
// per-identity behavioral baselines, geo/time/device anomaly detection, and
// threat-intelligence matching, adapted from the teacher's
// service-over-a-map pattern.
package risk

import (
	"math"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/radek-zitek-cloud/iam-core/internal/models"
	"github.com/radek-zitek-cloud/iam-core/internal/valuebag"
	"github.com/radek-zitek-cloud/iam-core/pkg/clock"
	"github.com/radek-zitek-cloud/iam-core/pkg/logger"
)

// Listener receives "riskAssessed" and, when the level changes from the
// identity's last assessment, "riskLevelChanged".
type Listener func(event string, payload map[string]interface{})

// Engine owns scoring rules, behavioral profiles, threat indicators, and the
// rolling history of recent assessments used for velocity anomaly checks.
type Engine struct {
	mu sync.RWMutex

	rules      map[string]models.RiskScoringRule
	profiles   map[string]models.BehavioralProfile
	indicators []models.ThreatIntelIndicator
	lastLevel  map[string]models.RiskLevel
	recent     map[string][]time.Time // identity -> assessment timestamps, for velocity checks

	clock     clock.Clock
	log       *logger.Logger
	listeners []Listener
}

// New constructs an empty Risk Engine.
func New(clk clock.Clock, log *logger.Logger) *Engine {
	return &Engine{
		rules:     make(map[string]models.RiskScoringRule),
		profiles:  make(map[string]models.BehavioralProfile),
		lastLevel: make(map[string]models.RiskLevel),
		recent:    make(map[string][]time.Time),
		clock:     clk,
		log:       log,
	}
}

// OnEvent registers a listener.
func (e *Engine) OnEvent(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// fire invokes every listener. Callers must NOT hold e.mu.
func (e *Engine) fire(event string, payload map[string]interface{}) {
	for _, l := range e.listeners {
		func() {
			defer e.log.ListenerPanic(event)
			l(event, payload)
		}()
	}
}

// --- Rule management ---

// CreateRule registers a scoring rule.
func (e *Engine) CreateRule(r models.RiskScoringRule) models.RiskScoringRule {
	now := e.clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	r.ID = models.NewID()
	r.Touch(now)
	e.rules[r.ID] = r
	return r
}

// ListRules returns every registered scoring rule.
func (e *Engine) ListRules() []models.RiskScoringRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.RiskScoringRule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r)
	}
	return out
}

// UpsertThreatIndicator adds or replaces a threat-intel indicator by
// (type, value).
func (e *Engine) UpsertThreatIndicator(ind models.ThreatIntelIndicator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, existing := range e.indicators {
		if existing.Type == ind.Type && existing.Value == ind.Value {
			e.indicators[i] = ind
			return
		}
	}
	e.indicators = append(e.indicators, ind)
}

// GetProfile returns a copy of an identity's behavioral baseline.
func (e *Engine) GetProfile(identityID string) (models.BehavioralProfile, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.profiles[identityID]
	if !ok {
		return models.BehavioralProfile{}, false
	}
	return p.Clone(), true
}

// UpdateProfile folds an observation into the identity's behavioral
// baseline: typical sets gain the new data point (deduplicated), running
// averages blend by weight count/(count+1), and the data-point count and
// lastUpdatedAt advance.
func (e *Engine) UpdateProfile(identityID string, hour int, loc *models.GeoLocation, device string, ipRange string, sessionDuration, actionsPerSession float64) models.BehavioralProfile {
	now := e.clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.profiles[identityID]
	if !ok {
		p = models.BehavioralProfile{
			IdentityID:      identityID,
			TypicalHours:    make(map[int]bool),
			KnownDevices:    make(map[string]bool),
			TypicalIPRanges: make(map[string]bool),
		}
	}
	if p.TypicalHours == nil {
		p.TypicalHours = make(map[int]bool)
	}
	if p.KnownDevices == nil {
		p.KnownDevices = make(map[string]bool)
	}
	if p.TypicalIPRanges == nil {
		p.TypicalIPRanges = make(map[string]bool)
	}

	p.TypicalHours[hour] = true
	if loc != nil {
		p.TypicalLocations = append(p.TypicalLocations, *loc)
	}
	if device != "" {
		p.KnownDevices[device] = true
	}
	if ipRange != "" {
		p.TypicalIPRanges[ipRange] = true
	}

	weight := float64(p.DataPointCount) / float64(p.DataPointCount+1)
	p.AvgSessionDuration = p.AvgSessionDuration*weight + sessionDuration*(1-weight)
	p.AvgActionsPerSession = p.AvgActionsPerSession*weight + actionsPerSession*(1-weight)
	p.DataPointCount++
	p.LastUpdatedAt = now

	e.profiles[identityID] = p
	return p.Clone()
}

// --- Condition tree evaluation ---

func evalCondition(c models.RiskRuleCondition, ctxBag valuebag.Bag) bool {
	if len(c.Children) > 0 {
		switch c.Logic {
		case "or":
			for _, child := range c.Children {
				if evalCondition(child, ctxBag) {
					return true
				}
			}
			return false
		default: // "and" or unset
			for _, child := range c.Children {
				if !evalCondition(child, ctxBag) {
					return false
				}
			}
			return true
		}
	}
	if c.Field == "" {
		return true
	}
	val, ok := ctxBag.Get(c.Field)
	target := valuebag.Of(c.Value)
	switch c.Operator {
	case models.OpExists:
		return ok
	case models.OpEquals:
		return ok && val.Equal(target)
	case models.OpNotEquals:
		return !ok || !val.Equal(target)
	case models.OpContains:
		return ok && val.Contains(target)
	case models.OpIn:
		if !ok {
			return false
		}
		if list, isList := target.AsList(); isList {
			for _, v := range list {
				if val.Equal(v) {
					return true
				}
			}
		}
		return false
	case models.OpGreaterThan:
		a, ok1 := val.AsNumber()
		b, ok2 := target.AsNumber()
		return ok && ok1 && ok2 && a > b
	case models.OpLessThan:
		a, ok1 := val.AsNumber()
		b, ok2 := target.AsNumber()
		return ok && ok1 && ok2 && a < b
	case models.OpMatches:
		if !ok {
			return false
		}
		re, err := regexp.Compile(target.AsString())
		return err == nil && re.MatchString(val.AsString())
	default:
		return false
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

const earthRadiusKm = 6371.0

func haversineKm(a, b models.GeoLocation) float64 {
	lat1, lat2 := a.Latitude*math.Pi/180, b.Latitude*math.Pi/180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}

func levelFor(score float64) models.RiskLevel {
	switch {
	case score <= 20:
		return models.RiskMinimal
	case score <= 40:
		return models.RiskLow
	case score <= 60:
		return models.RiskMedium
	case score <= 80:
		return models.RiskHigh
	default:
		return models.RiskCritical
	}
}

func recommendationFor(level models.RiskLevel) models.RiskRecommendation {
	switch level {
	case models.RiskMinimal:
		return models.RecommendAllow
	case models.RiskLow:
		return models.RecommendMonitor
	case models.RiskMedium:
		return models.RecommendStepUp
	case models.RiskHigh:
		return models.RecommendChallenge
	default:
		return models.RecommendDeny
	}
}

var severityScore = map[models.RiskLevel]float64{
	models.RiskMinimal:  10,
	models.RiskLow:      25,
	models.RiskMedium:   50,
	models.RiskHigh:     75,
	models.RiskCritical: 100,
}

// AssessRisk scores a request against the rule set, behavioral profile,
// threat indicators, and recent-assessment velocity, then records the
// assessment and fires riskAssessed (and riskLevelChanged, when the level
// differs from the identity's last one).
func (e *Engine) AssessRisk(req models.RiskAssessmentRequest) models.RiskAssessment {
	now := req.At
	if now.IsZero() {
		now = e.clock.Now()
	}

	e.mu.Lock()

	profile, hasProfile := e.profiles[req.IdentityID]

	ctxBag := valuebag.Bag{
		"identity_id":       valuebag.String(req.IdentityID),
		"ip_address":        valuebag.String(req.IPAddress),
		"user_agent":        valuebag.String(req.UserAgent),
		"device_fingerprint": valuebag.String(req.DeviceFingerprint),
		"hour":              valuebag.Number(float64(now.Hour())),
	}

	rules := make([]models.RiskScoringRule, 0, len(e.rules))
	for _, r := range e.rules {
		if r.Enabled {
			rules = append(rules, r)
		}
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })

	var factors []models.RiskFactor
	var weightedSum, weightSum float64
	for _, r := range rules {
		if !evalCondition(r.Condition, ctxBag) {
			continue
		}
		w := models.CategoryWeights[r.Category]
		if w == 0 {
			w = 1.0
		}
		adj := clamp(r.ScoreAdjustment, 0, 100)
		weighted := adj * w
		factors = append(factors, models.RiskFactor{
			RuleID:          r.ID,
			Category:        r.Category,
			ScoreAdjustment: adj,
			Weighted:        weighted,
			Description:     r.Name,
		})
		weightedSum += weighted
		weightSum += w
	}

	var triggers []models.AnomalyDetectionResult

	if hasProfile {
		if len(profile.TypicalLocations) > 0 && req.Location != nil {
			last := profile.TypicalLocations[len(profile.TypicalLocations)-1]
			dist := haversineKm(last, *req.Location)
			elapsedHours := now.Sub(profile.LastUpdatedAt).Hours()
			if elapsedHours < 0 {
				elapsedHours = 0
			}
			maxPlausible := elapsedHours * 900
			if dist > 500 && dist > maxPlausible {
				conf := math.Min(1, dist/(maxPlausible+1))
				triggers = append(triggers, models.AnomalyDetectionResult{
					Type: "impossible-travel", Detected: true, Severity: "high", Confidence: conf,
					Details: "distance exceeds plausible travel speed since last known location",
				})
				w := models.CategoryWeights[models.CategoryLocation]
				weighted := 90 * w
				factors = append(factors, models.RiskFactor{Category: models.CategoryLocation, ScoreAdjustment: 90, Weighted: weighted, Description: "impossible travel"})
				weightedSum += weighted
				weightSum += w
			}

			minDist := math.MaxFloat64
			for _, typ := range profile.TypicalLocations {
				if d := haversineKm(typ, *req.Location); d < minDist {
					minDist = d
				}
			}
			if minDist > 200 {
				sev := "medium"
				if minDist > 1000 {
					sev = "high"
				}
				triggers = append(triggers, models.AnomalyDetectionResult{
					Type: "unusual-location", Detected: true, Severity: sev, Confidence: math.Min(1, minDist/2000),
					Details: "location is far from any typical location",
				})
			}
		}

		if profile.DataPointCount >= 3 {
			hour := now.Hour()
			typical := false
			for h := range profile.TypicalHours {
				diff := int(math.Abs(float64(h - hour)))
				if diff > 12 {
					diff = 24 - diff
				}
				if diff <= 1 {
					typical = true
					break
				}
			}
			if !typical {
				triggers = append(triggers, models.AnomalyDetectionResult{
					Type: "unusual-time", Detected: true, Severity: "low", Confidence: 0.7,
					Details: "login hour outside typical pattern",
				})
			}
		}

		if len(profile.KnownDevices) >= 1 && req.DeviceFingerprint != "" && !profile.KnownDevices[req.DeviceFingerprint] {
			triggers = append(triggers, models.AnomalyDetectionResult{
				Type: "new-device", Detected: true, Severity: "medium", Confidence: 0.85,
				Details: "device fingerprint not previously observed",
			})
		}
	}

	history := append(e.recent[req.IdentityID], now)
	cutoff := now.Add(-5 * time.Minute)
	kept := history[:0]
	for _, t := range history {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.recent[req.IdentityID] = kept
	if len(kept) > 10 {
		triggers = append(triggers, models.AnomalyDetectionResult{
			Type: "velocity-anomaly", Detected: true, Severity: "high", Confidence: 1,
			Details: "more than 10 assessments within 5 minutes",
		})
	}

	for _, ind := range e.indicators {
		if !ind.IsActive(now) {
			continue
		}
		matched := (ind.Type == "ip" && ind.Value == req.IPAddress) || (ind.Type == "user-agent" && ind.Value == req.UserAgent)
		if !matched {
			continue
		}
		w := models.CategoryWeights[models.CategoryReputation]
		score := severityScore[ind.Severity]
		weighted := score * w
		factors = append(factors, models.RiskFactor{Category: models.CategoryReputation, ScoreAdjustment: score, Weighted: weighted, Description: "threat intel match: " + ind.Source})
		weightedSum += weighted
		weightSum += w
	}

	var overall float64
	if weightSum > 0 {
		overall = clamp(math.Round(weightedSum/weightSum), 0, 100)
	}
	level := levelFor(overall)
	recommendation := recommendationFor(level)

	assessment := models.RiskAssessment{
		IdentityID:     req.IdentityID,
		SessionID:      req.SessionID,
		OverallScore:   overall,
		Level:          level,
		Factors:        factors,
		Triggers:       triggers,
		Recommendation: recommendation,
		AssessedAt:     now,
		ExpiresAt:      now.Add(5 * time.Minute),
	}

	prevLevel, hadPrev := e.lastLevel[req.IdentityID]
	e.lastLevel[req.IdentityID] = level
	out := assessment.Clone()
	e.mu.Unlock()

	e.fire("riskAssessed", map[string]interface{}{"identity_id": req.IdentityID, "score": overall, "level": string(level)})
	if !hadPrev || prevLevel != level {
		e.fire("riskLevelChanged", map[string]interface{}{"identity_id": req.IdentityID, "from": string(prevLevel), "to": string(level)})
	}
	return out
}
