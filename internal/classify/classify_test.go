package classify

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/seopilot/engine/internal/models"
)

func TestClassify_LowHangingFruit(t *testing.T) {
	policy := DefaultPolicy()
	decision := Classify(policy, models.QueryPageMetrics{
		Query:       "buy shoes",
		Page:        "/shoes",
		Position:    14,
		Impressions: 800,
		Clicks:      4,
		CTR:         0.005,
	})

	if decision.Type != models.TypeLowHangingFruit {
		t.Fatalf("expected low_hanging_fruit, got %s", decision.Type)
	}
	if decision.PotentialClicks <= 0 {
		t.Fatalf("expected positive potential clicks, got %d", decision.PotentialClicks)
	}
	if len(decision.Clamped) != 0 {
		t.Fatalf("clean input must not be flagged: %v", decision.Clamped)
	}
}

func TestClassify_CTROptimizationOnSnippetGap(t *testing.T) {
	policy := DefaultPolicy()
	decision := Classify(policy, models.QueryPageMetrics{
		Position:    3,
		Impressions: 5000,
		Clicks:      100,
		CTR:         0.02,
	})

	if decision.Type != models.TypeCTROptimization {
		t.Fatalf("expected ctr_optimization, got %s", decision.Type)
	}
	if decision.Priority != models.PriorityHigh {
		t.Fatalf("expected high priority, got %s (score %.2f)", decision.Priority, decision.Score)
	}
}

func TestClassify_ContentRefreshOnDecline(t *testing.T) {
	policy := DefaultPolicy()
	decision := Classify(policy, models.QueryPageMetrics{
		Position:        4,
		Impressions:     300,
		Clicks:          30,
		CTR:             0.1,
		PrevImpressions: 1000,
		PrevClicks:      120,
	})

	if decision.Type != models.TypeContentRefresh {
		t.Fatalf("expected content_refresh, got %s", decision.Type)
	}
	if decision.PotentialClicks != 90 {
		t.Fatalf("expected 90 recoverable clicks, got %d", decision.PotentialClicks)
	}
}

func TestClassify_DeclineFactorGatesRefreshPotential(t *testing.T) {
	// Traffic shrank 10% against the previous window.
	input := models.QueryPageMetrics{
		Position:        5,
		Impressions:     900,
		Clicks:          90,
		CTR:             0.1,
		PrevImpressions: 1000,
		PrevClicks:      120,
	}

	strict := DefaultPolicy()
	strict.DeclineFactor = 0.7
	steady := Classify(strict, input)
	if steady.Type != models.TypeContentRefresh {
		t.Fatalf("expected content_refresh fallback, got %s", steady.Type)
	}
	if steady.PotentialClicks != 0 || steady.Score != 0 {
		t.Fatalf("a 10%% dip must not trip a 70%% threshold, got potential %d score %.2f",
			steady.PotentialClicks, steady.Score)
	}

	lax := DefaultPolicy()
	lax.DeclineFactor = 1.0
	declined := Classify(lax, input)
	if declined.PotentialClicks != 30 {
		t.Fatalf("expected 30 recoverable clicks under the 100%% threshold, got %d", declined.PotentialClicks)
	}
	if declined.Score <= steady.Score {
		t.Fatalf("decline must outscore steady traffic, got %.2f vs %.2f", declined.Score, steady.Score)
	}
}

func TestClassify_NoPreviousWindowMeansNoRefreshPotential(t *testing.T) {
	policy := DefaultPolicy()
	decision := Classify(policy, models.QueryPageMetrics{
		Position:    5,
		Impressions: 50,
		Clicks:      5,
		CTR:         0.1,
	})

	if decision.Type != models.TypeContentRefresh {
		t.Fatalf("expected content_refresh fallback, got %s", decision.Type)
	}
	if decision.PotentialClicks != 0 {
		t.Fatalf("no lookback window, no decline signal; got potential %d", decision.PotentialClicks)
	}
}

func TestClassify_ClampsImpossibleInput(t *testing.T) {
	policy := DefaultPolicy()
	decision := Classify(policy, models.QueryPageMetrics{
		Position:    -3,
		Impressions: -500,
		Clicks:      -10,
		CTR:         math.NaN(),
	})

	if decision.Score < 0 || decision.Score > 100 {
		t.Fatalf("score out of range: %f", decision.Score)
	}
	flagged := map[string]bool{}
	for _, f := range decision.Clamped {
		flagged[f] = true
	}
	for _, want := range []string{"position", "impressions", "clicks", "ctr"} {
		if !flagged[want] {
			t.Fatalf("expected %s to be flagged, got %v", want, decision.Clamped)
		}
	}
}

func TestClassify_DeterministicAndPriorityConsistent(t *testing.T) {
	policy := DefaultPolicy()
	input := models.QueryPageMetrics{Position: 12, Impressions: 2500, Clicks: 20, CTR: 0.008}

	first := Classify(policy, input)
	second := Classify(policy, input)

	if first.Type != second.Type || first.Score != second.Score || first.Priority != second.Priority {
		t.Fatalf("classification not deterministic: %+v vs %+v", first, second)
	}
	if got := policy.PriorityFor(first.Score); got != first.Priority {
		t.Fatalf("priority %s not reproducible from score %.2f (got %s)", first.Priority, first.Score, got)
	}
}

func TestPriorityFor_CutPoints(t *testing.T) {
	policy := DefaultPolicy()
	cases := []struct {
		score float64
		want  models.Priority
	}{
		{95, models.PriorityCritical},
		{80, models.PriorityCritical},
		{79.9, models.PriorityHigh},
		{60, models.PriorityHigh},
		{35, models.PriorityMedium},
		{34.9, models.PriorityLow},
		{0, models.PriorityLow},
	}

	for _, tc := range cases {
		if got := policy.PriorityFor(tc.score); got != tc.want {
			t.Fatalf("score %.1f: expected %s, got %s", tc.score, tc.want, got)
		}
	}
}

func TestDetectCannibalization_SplitTraffic(t *testing.T) {
	policy := DefaultPolicy()
	opps := []models.Opportunity{
		{ID: uuid.New(), TargetQuery: "buy shoes", TargetPage: "/shoes", CurrentPosition: 3, CurrentImpressions: 600, CurrentCTR: 0.02},
		{ID: uuid.New(), TargetQuery: "buy shoes", TargetPage: "/sneakers", CurrentPosition: 7, CurrentImpressions: 400, CurrentCTR: 0.01},
		{ID: uuid.New(), TargetQuery: "red hats", TargetPage: "/hats", CurrentPosition: 5, CurrentImpressions: 900, CurrentCTR: 0.05},
	}

	updates := DetectCannibalization(policy, opps)
	if len(updates) != 2 {
		t.Fatalf("expected 2 reclassifications, got %d", len(updates))
	}
	for _, u := range updates {
		if u.Type != models.TypeCannibalization {
			t.Fatalf("expected cannibalization, got %s", u.Type)
		}
		if got := policy.PriorityFor(u.Score); got != u.Priority {
			t.Fatalf("priority %s not reproducible from score %.2f", u.Priority, u.Score)
		}
	}
}

func TestDetectCannibalization_DominantPageIgnored(t *testing.T) {
	policy := DefaultPolicy()
	opps := []models.Opportunity{
		{ID: uuid.New(), TargetQuery: "buy shoes", TargetPage: "/shoes", CurrentPosition: 2, CurrentImpressions: 950, CurrentCTR: 0.1},
		{ID: uuid.New(), TargetQuery: "buy shoes", TargetPage: "/old-shoes", CurrentPosition: 40, CurrentImpressions: 50, CurrentCTR: 0.001},
	}

	if updates := DetectCannibalization(policy, opps); len(updates) != 0 {
		t.Fatalf("one dominant page is not cannibalization, got %d updates", len(updates))
	}
}

func TestLoadPolicy_PartialOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("high_cutoff: 55\ntraffic_norm: 250\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	policy, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if policy.HighCutoff != 55 {
		t.Fatalf("expected overridden high cutoff 55, got %f", policy.HighCutoff)
	}
	if policy.TrafficNorm != 250 {
		t.Fatalf("expected overridden traffic norm 250, got %f", policy.TrafficNorm)
	}
	if policy.LowHangingMinPosition != 10 {
		t.Fatalf("defaults must survive partial override, got %f", policy.LowHangingMinPosition)
	}
}
