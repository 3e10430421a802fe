package swap

import "fmt"

// Trigger is what moves a bid from one state to the next.
type Trigger string

const (
	TrigBidComplete    Trigger = "bid_complete"     // all parts of a bid received
	TrigAccept         Trigger = "accept"           // we accept a received bid
	TrigAcceptReceived Trigger = "accept_received"  // counterparty accepted our bid
	TrigDelay          Trigger = "delay"            // schedule the next automated action
	TrigDelayElapsed   Trigger = "delay_elapsed"    // scheduled action is due
	TrigLockConfirmed  Trigger = "lock_confirmed"   // coin_from lock confirmed
	TrigSecondLockSent Trigger = "second_lock_sent" // we published the coin_to lock
	TrigSecondLockSeen Trigger = "second_lock_seen" // coin_to lock confirmed
	TrigRelease        Trigger = "release"          // lock release signature exchanged
	TrigScriptRedeemed Trigger = "script_redeemed"  // script-chain lock spent by the follower
	TrigSpendConfirmed Trigger = "spend_confirmed"  // our final spend confirmed
	TrigDeadline       Trigger = "deadline"         // script-chain timelock is near
	TrigRefunded       Trigger = "refunded"         // script-chain lock refunded
	TrigLegsSettled    Trigger = "legs_settled"     // every funded leg has an outcome
	TrigExpired        Trigger = "expired"          // gave up before funds moved
	TrigFault          Trigger = "fault"            // unrecoverable local fault
	TrigCancel         Trigger = "cancel"           // external abandonment
)

// Node is a position in a transition table. Prior is only set for
// SWAP_DELAYING, whose successor depends on the state it delays.
type Node struct {
	State State
	Prior State
}

func (n Node) String() string {
	if n.Prior != "" {
		return fmt.Sprintf("%s(%s)", n.State, n.Prior)
	}
	return string(n.State)
}

func at(s State) Node           { return Node{State: s} }
func delaying(prior State) Node { return Node{State: StateDelaying, Prior: prior} }

func (b *Bid) node() Node {
	if d, ok := b.Delay(); ok {
		return delaying(d.Prior)
	}
	return at(b.State)
}

type edge struct {
	from Node
	trig Trigger
}

// Table is the transition table of one (variant, role).
type Table struct {
	Variant Variant
	Role    Role

	next        map[edge]Node
	abandonable map[Node]bool
}

// Next returns the node reached from n by trig.
func (t *Table) Next(n Node, trig Trigger) (Node, bool) {
	if n.State.IsTerminal() {
		return Node{}, false
	}
	switch trig {
	case TrigFault:
		return at(StateError), true
	case TrigCancel:
		if t.abandonable[n] {
			return at(StateAbandoned), true
		}
		return Node{}, false
	}
	to, ok := t.next[edge{n, trig}]
	return to, ok
}

// Allowed reports whether the table moves from one node to the other with
// a single trigger.
func (t *Table) Allowed(from, to Node) bool {
	if from.State.IsTerminal() {
		return false
	}
	if to.State == StateError {
		return true
	}
	if to.State == StateAbandoned {
		return t.abandonable[from]
	}
	for e, n := range t.next {
		if e.from == from && n == to {
			return true
		}
	}
	return false
}

// Abandonable reports whether external cancellation is accepted in n.
func (t *Table) Abandonable(n Node) bool { return t.abandonable[n] }

// Nodes returns every non-terminal node of the table.
func (t *Table) Nodes() []Node {
	seen := map[Node]bool{}
	var out []Node
	add := func(n Node) {
		if !seen[n] && !n.State.IsTerminal() {
			seen[n] = true
			out = append(out, n)
		}
	}
	for e, n := range t.next {
		add(e.from)
		add(n)
	}
	return out
}

// Triggers lists every trigger, for exhaustive checks.
func Triggers() []Trigger {
	return []Trigger{
		TrigBidComplete, TrigAccept, TrigAcceptReceived, TrigDelay, TrigDelayElapsed,
		TrigLockConfirmed, TrigSecondLockSent, TrigSecondLockSeen, TrigRelease,
		TrigScriptRedeemed, TrigSpendConfirmed, TrigDeadline, TrigRefunded,
		TrigLegsSettled, TrigExpired, TrigFault, TrigCancel,
	}
}

type rule struct {
	from Node
	trig Trigger
	to   Node
}

func newTable(v Variant, r Role, rules []rule, abandonable ...Node) *Table {
	t := &Table{
		Variant:     v,
		Role:        r,
		next:        make(map[edge]Node, len(rules)),
		abandonable: make(map[Node]bool, len(abandonable)),
	}
	for _, rl := range rules {
		e := edge{rl.from, rl.trig}
		if _, dup := t.next[e]; dup {
			panic(fmt.Sprintf("swap: duplicate rule %s --%s-->", rl.from, rl.trig))
		}
		t.next[e] = rl.to
	}
	for _, n := range abandonable {
		t.abandonable[n] = true
	}
	return t
}

var (
	scriptInitiator = newTable(VariantScript, RoleInitiator, []rule{
		{at(StateBidReceived), TrigAccept, at(StateBidAccepted)},
		{at(StateBidReceived), TrigExpired, at(StateTimedOut)},
		{at(StateBidAccepted), TrigLockConfirmed, at(StateInitiated)},
		{at(StateBidAccepted), TrigExpired, at(StateTimedOut)},
		{at(StateInitiated), TrigSecondLockSeen, at(StateParticipating)},
		{at(StateInitiated), TrigLegsSettled, at(StateCompleted)},
		{at(StateParticipating), TrigLegsSettled, at(StateCompleted)},
	},
		at(StateBidReceived), at(StateBidAccepted),
	)

	scriptParticipant = newTable(VariantScript, RoleParticipant, []rule{
		{at(StateBidSent), TrigAcceptReceived, at(StateBidAccepted)},
		{at(StateBidSent), TrigExpired, at(StateTimedOut)},
		{at(StateBidAccepted), TrigLockConfirmed, at(StateInitiated)},
		{at(StateBidAccepted), TrigExpired, at(StateTimedOut)},
		{at(StateInitiated), TrigSecondLockSent, at(StateParticipating)},
		{at(StateInitiated), TrigExpired, at(StateTimedOut)},
		{at(StateParticipating), TrigLegsSettled, at(StateCompleted)},
	},
		at(StateBidSent), at(StateBidAccepted),
	)

	scriptlessLeader = newTable(VariantScriptless, RoleInitiator, []rule{
		{at(StateBidReceiving), TrigBidComplete, at(StateBidReceived)},
		{at(StateBidReceiving), TrigExpired, at(StateTimedOut)},
		{at(StateBidReceived), TrigDelay, delaying(StateBidReceived)},
		{at(StateBidReceived), TrigExpired, at(StateTimedOut)},
		{delaying(StateBidReceived), TrigDelayElapsed, at(StateBidAccepted)},
		{delaying(StateBidReceived), TrigExpired, at(StateTimedOut)},
		{at(StateBidAccepted), TrigDelay, delaying(StateBidAccepted)},
		{at(StateBidAccepted), TrigExpired, at(StateTimedOut)},
		{delaying(StateBidAccepted), TrigDelayElapsed, at(StateHaveScriptCoinSpendTx)},
		{delaying(StateBidAccepted), TrigExpired, at(StateTimedOut)},
		{at(StateHaveScriptCoinSpendTx), TrigLockConfirmed, at(StateScriptCoinLocked)},
		{at(StateScriptCoinLocked), TrigSecondLockSeen, at(StateNoScriptCoinLocked)},
		{at(StateScriptCoinLocked), TrigDeadline, at(StateScriptTxPrerefund)},
		{at(StateNoScriptCoinLocked), TrigRelease, at(StateLockReleased)},
		{at(StateNoScriptCoinLocked), TrigDeadline, at(StateScriptTxPrerefund)},
		{at(StateLockReleased), TrigScriptRedeemed, at(StateScriptTxRedeemed)},
		{at(StateLockReleased), TrigDeadline, at(StateScriptTxPrerefund)},
		{at(StateScriptTxRedeemed), TrigDelay, delaying(StateScriptTxRedeemed)},
		{delaying(StateScriptTxRedeemed), TrigDelayElapsed, at(StateNoScriptTxRedeemed)},
		{at(StateNoScriptTxRedeemed), TrigSpendConfirmed, at(StateCompleted)},
		{at(StateScriptTxPrerefund), TrigScriptRedeemed, at(StateScriptTxRedeemed)},
		{at(StateScriptTxPrerefund), TrigRefunded, at(StateCompleted)},
	},
		at(StateBidReceiving), at(StateBidReceived), delaying(StateBidReceived),
		at(StateBidAccepted), delaying(StateBidAccepted),
	)

	scriptlessFollower = newTable(VariantScriptless, RoleParticipant, []rule{
		{at(StateBidSent), TrigAcceptReceived, at(StateBidReceivingAcc)},
		{at(StateBidSent), TrigExpired, at(StateTimedOut)},
		{at(StateBidReceivingAcc), TrigDelay, delaying(StateBidReceivingAcc)},
		{at(StateBidReceivingAcc), TrigExpired, at(StateTimedOut)},
		{delaying(StateBidReceivingAcc), TrigDelayElapsed, at(StateBidAccepted)},
		{delaying(StateBidReceivingAcc), TrigExpired, at(StateTimedOut)},
		{at(StateBidAccepted), TrigLockConfirmed, at(StateScriptCoinLocked)},
		{at(StateBidAccepted), TrigExpired, at(StateTimedOut)},
		{at(StateScriptCoinLocked), TrigSecondLockSeen, at(StateNoScriptCoinLocked)},
		{at(StateScriptCoinLocked), TrigDeadline, at(StateScriptTxPrerefund)},
		{at(StateScriptCoinLocked), TrigExpired, at(StateTimedOut)},
		{at(StateNoScriptCoinLocked), TrigRelease, at(StateLockReleased)},
		{at(StateNoScriptCoinLocked), TrigDeadline, at(StateScriptTxPrerefund)},
		{at(StateLockReleased), TrigScriptRedeemed, at(StateScriptTxRedeemed)},
		{at(StateLockReleased), TrigDeadline, at(StateScriptTxPrerefund)},
		{at(StateScriptTxRedeemed), TrigSpendConfirmed, at(StateCompleted)},
		{at(StateScriptTxPrerefund), TrigScriptRedeemed, at(StateScriptTxRedeemed)},
		{at(StateScriptTxPrerefund), TrigRefunded, at(StateNoScriptTxRedeemed)},
		{at(StateNoScriptTxRedeemed), TrigSpendConfirmed, at(StateCompleted)},
	},
		at(StateBidSent), at(StateBidReceivingAcc), delaying(StateBidReceivingAcc),
		at(StateBidAccepted),
	)
)

// TableFor returns the transition table for a variant and role.
func TableFor(v Variant, r Role) (*Table, error) {
	switch {
	case v == VariantScript && r == RoleInitiator:
		return scriptInitiator, nil
	case v == VariantScript && r == RoleParticipant:
		return scriptParticipant, nil
	case v == VariantScriptless && r == RoleInitiator:
		return scriptlessLeader, nil
	case v == VariantScriptless && r == RoleParticipant:
		return scriptlessFollower, nil
	}
	return nil, fmt.Errorf("%w: no table for %s/%s", ErrUnsupportedSwap, v, r)
}

// InitialState is where a new bid starts.
func InitialState(v Variant, r Role) State {
	switch {
	case r == RoleParticipant:
		return StateBidSent
	case v == VariantScriptless:
		return StateBidReceiving
	}
	return StateBidReceived
}
