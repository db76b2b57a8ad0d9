package risk_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radek-zitek-cloud/iam-core/internal/models"
	"github.com/radek-zitek-cloud/iam-core/internal/risk"
	"github.com/radek-zitek-cloud/iam-core/pkg/clock"
	"github.com/radek-zitek-cloud/iam-core/pkg/logger"
)

func newEngine(t *testing.T) (*risk.Engine, *clock.Mock) {
	t.Helper()
	log, err := logger.New(&logger.Config{Level: logger.InfoLevel, Environment: "test", OutputPath: "stdout"})
	require.NoError(t, err)
	mock := clock.NewMock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	return risk.New(mock, log), mock
}

func TestAssessRisk_NoRulesNoProfile_ScoresZero(t *testing.T) {
	e, _ := newEngine(t)
	assessment := e.AssessRisk(models.RiskAssessmentRequest{IdentityID: "u1", IPAddress: "10.0.0.1"})
	assert.Equal(t, float64(0), assessment.OverallScore)
	assert.Equal(t, models.RiskMinimal, assessment.Level)
	assert.Equal(t, models.RecommendAllow, assessment.Recommendation)
	assert.Empty(t, assessment.Triggers)
}

func TestAssessRisk_MatchingRuleRaisesScore(t *testing.T) {
	e, _ := newEngine(t)
	e.CreateRule(models.RiskScoringRule{
		Name:     "known-bad-ip",
		Enabled:  true,
		Priority: 10,
		Category: models.CategoryNetwork,
		Condition: models.RiskRuleCondition{
			Field:    "ip_address",
			Operator: models.OpEquals,
			Value:    "198.51.100.1",
		},
		ScoreAdjustment: 80,
	})

	assessment := e.AssessRisk(models.RiskAssessmentRequest{IdentityID: "u1", IPAddress: "198.51.100.1"})
	require.Len(t, assessment.Factors, 1)
	assert.Equal(t, models.CategoryNetwork, assessment.Factors[0].Category)
	assert.Greater(t, assessment.OverallScore, float64(0))
}

func TestAssessRisk_DisabledRuleNeverMatches(t *testing.T) {
	e, _ := newEngine(t)
	e.CreateRule(models.RiskScoringRule{
		Name:            "disabled-rule",
		Enabled:         false,
		Category:        models.CategoryNetwork,
		Condition:       models.RiskRuleCondition{Field: "ip_address", Operator: models.OpEquals, Value: "198.51.100.1"},
		ScoreAdjustment: 80,
	})

	assessment := e.AssessRisk(models.RiskAssessmentRequest{IdentityID: "u1", IPAddress: "198.51.100.1"})
	assert.Equal(t, float64(0), assessment.OverallScore)
	assert.Empty(t, assessment.Factors)
}

func TestAssessRisk_ImpossibleTravelDetected(t *testing.T) {
	e, mock := newEngine(t)
	nyc := models.GeoLocation{Latitude: 40.7128, Longitude: -74.0060}
	tokyo := models.GeoLocation{Latitude: 35.6762, Longitude: 139.6503}

	e.UpdateProfile("u1", 12, &nyc, "device-1", "10.0.0.0/24", 300, 10)

	mock.Advance(time.Hour)
	assessment := e.AssessRisk(models.RiskAssessmentRequest{
		IdentityID: "u1",
		Location:   &tokyo,
		At:         mock.Now(),
	})

	found := false
	for _, trig := range assessment.Triggers {
		if trig.Type == "impossible-travel" {
			found = true
		}
	}
	assert.True(t, found, "expected impossible-travel trigger, got %+v", assessment.Triggers)
}

func TestAssessRisk_NewDeviceDetected(t *testing.T) {
	e, _ := newEngine(t)
	e.UpdateProfile("u1", 12, nil, "known-device", "", 0, 0)

	assessment := e.AssessRisk(models.RiskAssessmentRequest{IdentityID: "u1", DeviceFingerprint: "unknown-device"})

	found := false
	for _, trig := range assessment.Triggers {
		if trig.Type == "new-device" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestAssessRisk_KnownDeviceNoTrigger(t *testing.T) {
	e, _ := newEngine(t)
	e.UpdateProfile("u1", 12, nil, "known-device", "", 0, 0)

	assessment := e.AssessRisk(models.RiskAssessmentRequest{IdentityID: "u1", DeviceFingerprint: "known-device"})

	for _, trig := range assessment.Triggers {
		assert.NotEqual(t, "new-device", trig.Type)
	}
}

func TestAssessRisk_VelocityAnomalyAfterManyAssessments(t *testing.T) {
	e, mock := newEngine(t)
	var last models.RiskAssessment
	for i := 0; i < 11; i++ {
		last = e.AssessRisk(models.RiskAssessmentRequest{IdentityID: "u1", At: mock.Now()})
		mock.Advance(10 * time.Second)
	}

	found := false
	for _, trig := range last.Triggers {
		if trig.Type == "velocity-anomaly" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestAssessRisk_ThreatIndicatorMatchRaisesScore(t *testing.T) {
	e, mock := newEngine(t)
	e.UpsertThreatIndicator(models.ThreatIntelIndicator{
		Type:     "ip",
		Value:    "203.0.113.5",
		Severity: models.RiskHigh,
		Source:   "test-feed",
	})

	assessment := e.AssessRisk(models.RiskAssessmentRequest{IdentityID: "u1", IPAddress: "203.0.113.5", At: mock.Now()})
	require.Len(t, assessment.Factors, 1)
	assert.Equal(t, models.CategoryReputation, assessment.Factors[0].Category)
	assert.Greater(t, assessment.OverallScore, float64(0))
}

func TestAssessRisk_ExpiredThreatIndicatorIgnored(t *testing.T) {
	e, mock := newEngine(t)
	expired := mock.Now().Add(-time.Minute)
	e.UpsertThreatIndicator(models.ThreatIntelIndicator{
		Type:      "ip",
		Value:     "203.0.113.5",
		Severity:  models.RiskHigh,
		ExpiresAt: &expired,
	})

	assessment := e.AssessRisk(models.RiskAssessmentRequest{IdentityID: "u1", IPAddress: "203.0.113.5", At: mock.Now()})
	assert.Empty(t, assessment.Factors)
	assert.Equal(t, float64(0), assessment.OverallScore)
}

func TestUpsertThreatIndicator_ReplacesExistingByTypeAndValue(t *testing.T) {
	e, _ := newEngine(t)
	e.UpsertThreatIndicator(models.ThreatIntelIndicator{Type: "ip", Value: "203.0.113.5", Severity: models.RiskLow})
	e.UpsertThreatIndicator(models.ThreatIntelIndicator{Type: "ip", Value: "203.0.113.5", Severity: models.RiskCritical})

	assessment := e.AssessRisk(models.RiskAssessmentRequest{IdentityID: "u1", IPAddress: "203.0.113.5"})
	require.Len(t, assessment.Factors, 1)
	assert.Equal(t, float64(100), assessment.Factors[0].ScoreAdjustment)
}

func TestRiskLevelChanged_OnlyFiresWhenLevelDiffers(t *testing.T) {
	e, mock := newEngine(t)
	events := make(chan string, 10)
	e.OnEvent(func(event string, _ map[string]interface{}) { events <- event })

	e.AssessRisk(models.RiskAssessmentRequest{IdentityID: "u1", At: mock.Now()})
	assert.Equal(t, "riskAssessed", <-events)
	assert.Equal(t, "riskLevelChanged", <-events)

	mock.Advance(time.Minute)
	e.AssessRisk(models.RiskAssessmentRequest{IdentityID: "u1", At: mock.Now()})
	assert.Equal(t, "riskAssessed", <-events)
	select {
	case ev := <-events:
		t.Fatalf("expected no further event, got %q", ev)
	default:
	}
}

func TestGetProfile_UnknownIdentity(t *testing.T) {
	e, _ := newEngine(t)
	_, ok := e.GetProfile("nobody")
	assert.False(t, ok)
}

func TestUpdateProfile_AccumulatesTypicalHoursAndDevices(t *testing.T) {
	e, _ := newEngine(t)
	e.UpdateProfile("u1", 9, nil, "laptop", "10.0.0.0/24", 120, 5)
	profile := e.UpdateProfile("u1", 14, nil, "phone", "10.0.1.0/24", 180, 8)

	assert.True(t, profile.TypicalHours[9])
	assert.True(t, profile.TypicalHours[14])
	assert.True(t, profile.KnownDevices["laptop"])
	assert.True(t, profile.KnownDevices["phone"])
	assert.Equal(t, 2, profile.DataPointCount)
}

func TestListRules_ReturnsAllRegistered(t *testing.T) {
	e, _ := newEngine(t)
	e.CreateRule(models.RiskScoringRule{Name: "r1", Category: models.CategoryTime})
	e.CreateRule(models.RiskScoringRule{Name: "r2", Category: models.CategoryDevice})

	rules := e.ListRules()
	assert.Len(t, rules, 2)
}
