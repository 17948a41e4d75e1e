package planner

import (
	"reflect"
	"testing"

	"github.com/ignite/warmup-engine/internal/account"
)

func TestBuildPlanTooFewAccounts(t *testing.T) {
	if !BuildPlan(nil).Empty() {
		t.Error("empty cohort should produce an empty plan")
	}

	one := []Candidate{{Email: "solo@example.com", Kind: account.KindGoogle, SendLimit: 5}}
	if !BuildPlan(one).Empty() {
		t.Error("single-account cohort should produce an empty plan")
	}
}

// Cohort of A(limit=3) and B(limit=1): exactly 3 rounds. B sends only in
// round 1; with its sender limit exhausted it still receives in rounds 2+.
func TestBuildPlanTwoAccountScenario(t *testing.T) {
	plan := BuildPlan([]Candidate{
		{Email: "a@example.com", Kind: account.KindCustomSMTP, SendLimit: 3, ReplyRate: 0.1},
		{Email: "b@example.com", Kind: account.KindCustomSMTP, SendLimit: 1, ReplyRate: 0.2},
	})

	if len(plan.Rounds) != 3 {
		t.Fatalf("got %d rounds, want 3", len(plan.Rounds))
	}

	bSends := 0
	bReceives := 0
	for _, round := range plan.Rounds {
		for _, p := range round.Pairs {
			if p.Sender == "b@example.com" {
				bSends++
				if round.Number != 1 {
					t.Errorf("b sent in round %d but its limit is 1", round.Number)
				}
			}
			if p.Receiver == "b@example.com" {
				bReceives++
			}
		}
	}
	if bSends != 1 {
		t.Errorf("b sent %d times, want 1", bSends)
	}
	if bReceives != 3 {
		t.Errorf("b received %d times, want 3", bReceives)
	}
}

func TestBuildPlanNoSelfPairs(t *testing.T) {
	plan := BuildPlan([]Candidate{
		{Email: "a@example.com", Kind: account.KindGoogle, SendLimit: 3},
		{Email: "b@example.com", Kind: account.KindGoogle, SendLimit: 3},
		{Email: "c@example.com", Kind: account.KindPool, SendLimit: 5},
	})

	for _, round := range plan.Rounds {
		for _, p := range round.Pairs {
			if p.Sender == p.Receiver {
				t.Fatalf("self-pair %s in round %d", p.Sender, round.Number)
			}
		}
	}
}

func TestBuildPlanDeterministic(t *testing.T) {
	cohort := []Candidate{
		{Email: "c@example.com", Kind: account.KindPool, SendLimit: 4, ReplyRate: 0.5},
		{Email: "a@example.com", Kind: account.KindGoogle, SendLimit: 2, ReplyRate: 0.1},
		{Email: "b@example.com", Kind: account.KindCustomSMTP, SendLimit: 3, ReplyRate: 0.2},
	}
	first := BuildPlan(cohort)

	// Same state, shuffled input order: identical plan.
	shuffled := []Candidate{cohort[1], cohort[2], cohort[0]}
	second := BuildPlan(shuffled)

	if !reflect.DeepEqual(first, second) {
		t.Error("planner output differs for identical cohort state")
	}
}

func TestBuildPlanRespectsSendLimits(t *testing.T) {
	cohort := []Candidate{
		{Email: "a@example.com", Kind: account.KindGoogle, SendLimit: 2},
		{Email: "b@example.com", Kind: account.KindGoogle, SendLimit: 5},
		{Email: "c@example.com", Kind: account.KindGoogle, SendLimit: 0},
	}
	plan := BuildPlan(cohort)

	sent := map[string]int{}
	for _, round := range plan.Rounds {
		for _, p := range round.Pairs {
			sent[p.Sender]++
		}
	}
	if sent["a@example.com"] != 2 {
		t.Errorf("a sent %d, want 2", sent["a@example.com"])
	}
	if sent["b@example.com"] != 5 {
		t.Errorf("b sent %d, want 5", sent["b@example.com"])
	}
	if sent["c@example.com"] != 0 {
		t.Errorf("c sent %d, want 0 (exhausted before planning)", sent["c@example.com"])
	}
}

func TestBuildPlanReceiveBalance(t *testing.T) {
	cohort := []Candidate{
		{Email: "a@example.com", Kind: account.KindGoogle, SendLimit: 4},
		{Email: "b@example.com", Kind: account.KindGoogle, SendLimit: 4},
		{Email: "c@example.com", Kind: account.KindGoogle, SendLimit: 4},
		{Email: "d@example.com", Kind: account.KindGoogle, SendLimit: 4},
	}
	plan := BuildPlan(cohort)

	received := map[string]int{}
	for _, round := range plan.Rounds {
		for _, p := range round.Pairs {
			received[p.Receiver]++
		}
	}

	// 16 sends over 4 equal accounts: fairness keeps receive counts even.
	for email, n := range received {
		if n != 4 {
			t.Errorf("%s received %d, want 4", email, n)
		}
	}
}

func TestBuildPlanDirectionAndReplyRate(t *testing.T) {
	plan := BuildPlan([]Candidate{
		{Email: "pool@example.com", Kind: account.KindPool, SendLimit: 1, ReplyRate: 0.5},
		{Email: "warm@example.com", Kind: account.KindGoogle, SendLimit: 1, ReplyRate: 0.2},
	})

	if len(plan.Rounds) != 1 {
		t.Fatalf("got %d rounds, want 1", len(plan.Rounds))
	}
	for _, p := range plan.Rounds[0].Pairs {
		switch p.Sender {
		case "pool@example.com":
			if p.Direction != DirectionInbound {
				t.Errorf("pool-originated pair direction = %s, want inbound", p.Direction)
			}
			if p.ReplyRate != 0.2 {
				t.Errorf("pair reply rate = %v, want receiver's 0.2", p.ReplyRate)
			}
		case "warm@example.com":
			if p.Direction != DirectionOutbound {
				t.Errorf("warmup-originated pair direction = %s, want outbound", p.Direction)
			}
			if p.ReplyRate != 0.5 {
				t.Errorf("pair reply rate = %v, want receiver's 0.5", p.ReplyRate)
			}
		}
	}
}

func TestBuildPlanRoundsAreNumberedAndNonEmpty(t *testing.T) {
	plan := BuildPlan([]Candidate{
		{Email: "a@example.com", Kind: account.KindGoogle, SendLimit: 3},
		{Email: "b@example.com", Kind: account.KindGoogle, SendLimit: 1},
	})
	for i, round := range plan.Rounds {
		if len(round.Pairs) == 0 {
			t.Errorf("round %d is empty", round.Number)
		}
		if round.Number != i+1 {
			t.Errorf("round at index %d has number %d", i, round.Number)
		}
		for _, p := range round.Pairs {
			if p.Round != round.Number {
				t.Errorf("pair carries round %d inside round %d", p.Round, round.Number)
			}
		}
	}
}
