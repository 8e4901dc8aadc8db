package order

import "testing"

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusExecuted, true},
		{StatusPending, StatusPartialFilled, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusClosedTP, false},
		{StatusPartialFilled, StatusExecuted, true},
		{StatusPartialFilled, StatusClosedSL, true},
		{StatusExecuted, StatusPartialFilled, false},
		{StatusExecuted, StatusPending, false},
		{StatusExecuted, StatusMismatch, true},
		{StatusClosedTP, StatusClosedSL, false},
		{StatusCancelled, StatusExecuted, false},
		{StatusMismatch, StatusClosedExternally, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.ok {
			t.Errorf("CanTransition(%s, %s)=%v, expected %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []Status{StatusCancelled, StatusClosedTP, StatusClosedSL, StatusClosedManual, StatusClosedExternally, StatusMismatch} {
		if !IsTerminal(s) {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusExecuted, StatusPartialFilled} {
		if IsTerminal(s) {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestPredecessors(t *testing.T) {
	got := Predecessors(StatusClosedTP)
	if len(got) != 2 || got[0] != StatusPartialFilled || got[1] != StatusExecuted {
		t.Fatalf("Predecessors(CLOSED_TP)=%v", got)
	}
	if got := Predecessors(StatusPending); len(got) != 0 {
		t.Fatalf("Predecessors(PENDING)=%v, expected none", got)
	}
}

func TestSplitSymbol(t *testing.T) {
	tests := []struct{ symbol, base, quote string }{
		{"BTCUSDC", "BTC", "USDC"},
		{"ethusdt", "ETH", "USDT"},
		{"SOLFDUSD", "SOL", "FDUSD"},
		{"BNBBUSD", "BNB", "BUSD"},
		{"ETHBTCX", "ETH", "BTCX"},
	}
	for _, tt := range tests {
		b, q := SplitSymbol(tt.symbol)
		if b != tt.base || q != tt.quote {
			t.Errorf("SplitSymbol(%s)=(%s,%s), expected (%s,%s)", tt.symbol, b, q, tt.base, tt.quote)
		}
	}
}

func TestStopIntervalDefault(t *testing.T) {
	o := &Order{EntryInterval: "4h"}
	if got := o.StopIntervalOrDefault(); got != "4h" {
		t.Fatalf("got %s", got)
	}
	o.StopInterval = "1h"
	if got := o.StopIntervalOrDefault(); got != "1h" {
		t.Fatalf("got %s", got)
	}
	o = &Order{EntryInterval: IntervalMarket}
	if got := o.StopIntervalOrDefault(); got != "1m" {
		t.Fatalf("got %s", got)
	}
}
