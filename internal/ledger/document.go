package ledger

import "sort"

// Outcome of a settled bet.
type Outcome string

const (
	OutcomeWin  Outcome = "win"
	OutcomeLose Outcome = "lose"
)

// Bet is one account's live wager for the current round. RefAmount and Coef
// are frozen at placement time: settlement always uses these values, never a
// recomputation from possibly-changed rates or coefficients.
type Bet struct {
	Team      string  `json:"team"`
	Currency  string  `json:"currency"`
	Coef      float64 `json:"coef"`
	Amount    float64 `json:"bet"`     // in Currency, as entered
	RefAmount float64 `json:"bet_uah"` // converted at placement, frozen
}

// Result is the cached per-account settlement outcome for the current round.
// Once present it is returned unchanged by every settlement query until the
// round is cleared, which is what makes settlement idempotent.
type Result struct {
	Outcome     Outcome  `json:"result"`
	Balance     float64  `json:"balance"` // snapshot after settlement
	Winnings    *float64 `json:"winnings,omitempty"` // profit only, wins
	Lost        *float64 `json:"lost,omitempty"`     // frozen stake, losses
	WinningTeam string   `json:"winning_team"`
	UserTeam    string   `json:"user_team"`
}

// Document is the persisted ledger record: the single JSON document both
// front-end processes synchronize through. Field names match the on-disk
// format produced by earlier deployments, so an existing data file keeps
// loading.
type Document struct {
	UserBalances map[string]float64 `json:"user_balances"`
	UserBets     []string           `json:"user_bets"` // accounts with a live bet
	UserState    map[string]Bet     `json:"user_state"`
	MatchResult  *string            `json:"match_result"` // declared winner, nil = undecided
	UserResults  map[string]Result  `json:"user_results"`
}

// NewDocument returns an empty, fully initialized ledger document.
func NewDocument() *Document {
	return &Document{
		UserBalances: make(map[string]float64),
		UserBets:     []string{},
		UserState:    make(map[string]Bet),
		UserResults:  make(map[string]Result),
	}
}

// Normalize repairs a freshly decoded document: nil maps become empty and the
// live-bet list is deduplicated and sorted so persisted output is stable.
func (d *Document) Normalize() {
	if d.UserBalances == nil {
		d.UserBalances = make(map[string]float64)
	}
	if d.UserState == nil {
		d.UserState = make(map[string]Bet)
	}
	if d.UserResults == nil {
		d.UserResults = make(map[string]Result)
	}

	seen := make(map[string]bool, len(d.UserBets))
	bets := d.UserBets[:0]
	for _, id := range d.UserBets {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		bets = append(bets, id)
	}
	if bets == nil {
		bets = []string{}
	}
	sort.Strings(bets)
	d.UserBets = bets
}

// HasBet reports whether the account has a live bet.
func (d *Document) HasBet(id string) bool {
	for _, existing := range d.UserBets {
		if existing == id {
			return true
		}
	}
	return false
}

func (d *Document) addBet(id string) {
	if !d.HasBet(id) {
		d.UserBets = append(d.UserBets, id)
		sort.Strings(d.UserBets)
	}
}

func (d *Document) removeBet(id string) {
	for i, existing := range d.UserBets {
		if existing == id {
			d.UserBets = append(d.UserBets[:i], d.UserBets[i+1:]...)
			return
		}
	}
}

// Clone returns a deep copy, used to hand a consistent view to the
// persistence backend without holding the store lock during I/O encoding.
func (d *Document) Clone() *Document {
	out := &Document{
		UserBalances: make(map[string]float64, len(d.UserBalances)),
		UserBets:     append([]string{}, d.UserBets...),
		UserState:    make(map[string]Bet, len(d.UserState)),
		UserResults:  make(map[string]Result, len(d.UserResults)),
	}
	for k, v := range d.UserBalances {
		out.UserBalances[k] = v
	}
	for k, v := range d.UserState {
		out.UserState[k] = v
	}
	for k, v := range d.UserResults {
		r := v
		if v.Winnings != nil {
			w := *v.Winnings
			r.Winnings = &w
		}
		if v.Lost != nil {
			l := *v.Lost
			r.Lost = &l
		}
		out.UserResults[k] = r
	}
	if d.MatchResult != nil {
		winner := *d.MatchResult
		out.MatchResult = &winner
	}
	return out
}
