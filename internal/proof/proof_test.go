package proof

import (
	"testing"

	"github.com/stretchr/testify/require"

	"deployproof/internal/domain"
)

func outcome(name string, status domain.ValidatorStatus, kv ...any) domain.ValidatorOutcome {
	d := map[string]any{}
	for i := 0; i+1 < len(kv); i += 2 {
		d[kv[i].(string)] = kv[i+1]
	}
	return domain.ValidatorOutcome{Validator: name, Status: status, Details: d}
}

func report(outcomes ...domain.ValidatorOutcome) domain.ExecutionReport {
	r := domain.ExecutionReport{Outcomes: outcomes}
	for _, o := range outcomes {
		r.Counts.Add(o.Status)
		r.Executed++
	}
	return r
}

func TestAggregateBands(t *testing.T) {
	cases := []struct {
		name       string
		outcomes   []domain.ValidatorOutcome
		score      float64
		verdict    domain.Verdict
		confidence domain.Confidence
	}{
		{"all success", []domain.ValidatorOutcome{outcome("a", domain.StatusSuccess), outcome("b", domain.StatusSuccess)}, 100, domain.VerdictProven, domain.ConfidenceVeryHigh},
		{"three of four", []domain.ValidatorOutcome{outcome("a", domain.StatusSuccess), outcome("b", domain.StatusSuccess), outcome("c", domain.StatusSuccess), outcome("d", domain.StatusWarning)}, 87.5, domain.VerdictProven, domain.ConfidenceHigh},
		{"mixed", []domain.ValidatorOutcome{outcome("a", domain.StatusSuccess), outcome("b", domain.StatusWarning)}, 75, domain.VerdictProven, domain.ConfidenceHigh},
		{"likely", []domain.ValidatorOutcome{outcome("a", domain.StatusSuccess), outcome("b", domain.StatusWarning), outcome("c", domain.StatusSkipped), outcome("d", domain.StatusSuccess), outcome("e", domain.StatusWarning)}, 65, domain.VerdictLikelyProven, domain.ConfidenceMedium},
		{"possibly", []domain.ValidatorOutcome{outcome("a", domain.StatusWarning)}, 50, domain.VerdictPossiblyProven, domain.ConfidenceLow},
		{"all skipped", []domain.ValidatorOutcome{outcome("a", domain.StatusSkipped)}, 25, domain.VerdictUnproven, domain.ConfidenceVeryLow},
	}
	for _, tc := range cases {
		got := Aggregate(report(tc.outcomes...), nil)
		require.Equal(t, tc.score, got.Score, tc.name)
		require.Equal(t, tc.verdict, got.Verdict, tc.name)
		require.Equal(t, tc.confidence, got.Confidence, tc.name)
	}
}

func TestAggregateNothingScored(t *testing.T) {
	got := Aggregate(report(), nil)
	require.Equal(t, domain.OverallProof{Confidence: domain.ConfidenceVeryLow, Verdict: domain.VerdictUnproven}, got)

	got = Aggregate(report(outcome("copado_deployment_record", domain.StatusNoAccess)), nil)
	require.Equal(t, domain.VerdictUnproven, got.Verdict)
	require.Zero(t, got.Score)
}

func TestAggregateCountsNoAccessAsAttempted(t *testing.T) {
	got := Aggregate(report(
		outcome("a", domain.StatusSuccess),
		outcome("b", domain.StatusNoAccess),
	), nil)
	require.Equal(t, 50.0, got.Score)

	got = Aggregate(report(
		outcome("commit_exists", domain.StatusNoAccess),
		outcome("component_exists", domain.StatusSuccess),
		outcome("component_timestamp", domain.StatusNoAccess),
		outcome("file_mapping", domain.StatusSuccess),
	), nil)
	require.Equal(t, 50.0, got.Score)
	require.Equal(t, domain.VerdictPossiblyProven, got.Verdict)
	require.Equal(t, domain.ConfidenceLow, got.Confidence)
}

func TestCriticalOverride(t *testing.T) {
	for _, critical := range []string{"commit_exists", "component_exists"} {
		outs := []domain.ValidatorOutcome{
			outcome("file_mapping", domain.StatusSuccess),
			outcome("component_timestamp", domain.StatusSuccess),
			outcome("files_in_commit", domain.StatusSuccess),
			outcome(critical, domain.StatusFailed),
		}
		got := Aggregate(report(outs...), nil)
		require.Equal(t, domain.VerdictUnproven, got.Verdict, critical)
		require.Zero(t, got.Score, critical)
		require.Equal(t, domain.ConfidenceVeryLow, got.Confidence, critical)
	}

	got := Aggregate(report(outcome("files_in_commit", domain.StatusFailed), outcome("x", domain.StatusSuccess)), []string{"files_in_commit"})
	require.Equal(t, domain.VerdictUnproven, got.Verdict)
}

func TestSynthesizeWeights(t *testing.T) {
	foo := domain.Component{Type: "ApexClass", APIName: "Foo"}
	bar := domain.Component{Type: "ApexClass", APIName: "Bar"}
	baz := domain.Component{Type: "ApexClass", APIName: "Baz"}
	initial := Initial([]domain.Component{foo, bar, baz})
	r := report(
		outcome("commit_exists", domain.StatusSuccess),
		outcome("component_exists", domain.StatusWarning, "matched_components", []string{foo.Key(), bar.Key()}),
		outcome("component_timestamp", domain.StatusWarning, "consistent_components", []any{foo.Key()}),
	)
	got := Synthesize(initial, r, nil)
	require.Len(t, got, 3)

	require.Equal(t, 100, got[0].Score)
	require.True(t, got[0].Proven)
	require.Equal(t, domain.ConfidenceVeryHigh, got[0].Confidence)
	require.Equal(t, []string{"commit_exists", "component_exists", "component_timestamp"}, got[0].Methods)

	require.Equal(t, 65, got[1].Score)
	require.True(t, got[1].Proven)
	require.Equal(t, domain.ConfidenceMedium, got[1].Confidence)

	require.Equal(t, 30, got[2].Score)
	require.False(t, got[2].Proven)
	require.Equal(t, domain.ConfidenceVeryLow, got[2].Confidence)

	require.Equal(t, domain.ConfidenceUnknown, initial[0].Confidence, "input must be untouched")
}

func TestSynthesizePartialCommitIsRequestWide(t *testing.T) {
	foo := domain.Component{Type: "ApexClass", APIName: "Foo"}
	r := report(
		outcome("commit_exists", domain.StatusWarning),
		outcome("component_exists", domain.StatusSuccess, "matched_components", []string{foo.Key()}),
	)
	got := Synthesize(Initial([]domain.Component{foo}), r, nil)
	require.Equal(t, 50, got[0].Score)
	require.False(t, got[0].Proven)
}

func TestSynthesizeRespectsOverride(t *testing.T) {
	foo := domain.Component{Type: "ApexClass", APIName: "Foo"}
	r := report(
		outcome("commit_exists", domain.StatusFailed),
		outcome("component_exists", domain.StatusSuccess, "matched_components", []string{foo.Key()}),
		outcome("component_timestamp", domain.StatusSuccess, "consistent_components", []string{foo.Key()}),
	)
	got := Synthesize(Initial([]domain.Component{foo}), r, nil)
	require.False(t, got[0].Proven)
	require.Equal(t, domain.ConfidenceVeryLow, got[0].Confidence)
	require.Equal(t, 70, got[0].Score)
}
