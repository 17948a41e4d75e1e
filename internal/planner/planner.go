// Package planner builds fairness-balanced sender/receiver exchange
// plans for a cohort of eligible accounts. The planner is a pure
// function of its input snapshot: identical cohort state always yields
// the identical plan.
package planner

import (
	"sort"

	"github.com/ignite/warmup-engine/internal/account"
)

// Direction tells which population originates the exchange.
type Direction string

const (
	// DirectionOutbound is warmup → pool (or warmup → warmup) traffic.
	DirectionOutbound Direction = "outbound"
	// DirectionInbound is pool-originated traffic back to warmup accounts.
	DirectionInbound Direction = "inbound"
)

// ExchangePair is one sender→receiver assignment within a round.
type ExchangePair struct {
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Direction Direction `json:"direction"`
	Round     int       `json:"round"`
	ReplyRate float64   `json:"reply_rate"`
}

// Round is one conflict-free set of assignments.
type Round struct {
	Number int            `json:"number"`
	Pairs  []ExchangePair `json:"pairs"`
}

// Plan is the ordered list of non-empty rounds for one scheduling pass.
type Plan struct {
	Rounds []Round `json:"rounds"`
}

// Empty reports whether the plan contains no work.
func (p Plan) Empty() bool { return len(p.Rounds) == 0 }

// TotalPairs counts assignments across all rounds.
func (p Plan) TotalPairs() int {
	n := 0
	for _, r := range p.Rounds {
		n += len(r.Pairs)
	}
	return n
}

// Candidate is a cohort member snapshot: how much it may still send
// today and at what rate its counterpart should reply.
type Candidate struct {
	Email     string
	Kind      account.AccountKind
	SendLimit int
	ReplyRate float64
}

type tally struct {
	sent     int
	received int
}

// BuildPlan produces the round-by-round exchange plan for the cohort.
// Fewer than two candidates is a normal no-op, not an error: the plan
// comes back empty.
//
// Receiver selection is the fairness rule: pick the account that has
// received the least so far, breaking ties by lowest sent-so-far and
// then by email, which keeps the output deterministic and bidirectional
// traffic balanced.
func BuildPlan(candidates []Candidate) Plan {
	if len(candidates) < 2 {
		return Plan{}
	}

	// Deterministic iteration order regardless of caller ordering.
	cohort := make([]Candidate, len(candidates))
	copy(cohort, candidates)
	sort.Slice(cohort, func(i, j int) bool { return cohort[i].Email < cohort[j].Email })

	rates := make(map[string]float64, len(cohort))
	tallies := make(map[string]*tally, len(cohort))
	totalRounds := 0
	for _, c := range cohort {
		rates[c.Email] = c.ReplyRate
		tallies[c.Email] = &tally{}
		if c.SendLimit > totalRounds {
			totalRounds = c.SendLimit
		}
	}

	var plan Plan
	for round := 1; round <= totalRounds; round++ {
		var pairs []ExchangePair
		for _, sender := range cohort {
			if tallies[sender.Email].sent >= sender.SendLimit {
				continue
			}
			receiver := pickReceiver(cohort, tallies, sender.Email)
			if receiver == "" {
				continue
			}

			direction := DirectionOutbound
			if sender.Kind == account.KindPool {
				direction = DirectionInbound
			}
			pairs = append(pairs, ExchangePair{
				Sender:    sender.Email,
				Receiver:  receiver,
				Direction: direction,
				Round:     round,
				ReplyRate: rates[receiver],
			})
			tallies[sender.Email].sent++
			tallies[receiver].received++
		}
		if len(pairs) > 0 {
			plan.Rounds = append(plan.Rounds, Round{Number: round, Pairs: pairs})
		}
	}
	return plan
}

// pickReceiver returns the fairest receiver for the sender, or "" when
// no other account exists.
func pickReceiver(cohort []Candidate, tallies map[string]*tally, sender string) string {
	best := ""
	for _, c := range cohort {
		if c.Email == sender {
			continue
		}
		if best == "" {
			best = c.Email
			continue
		}
		cur, b := tallies[c.Email], tallies[best]
		if cur.received < b.received ||
			(cur.received == b.received && cur.sent < b.sent) {
			best = c.Email
		}
	}
	return best
}
