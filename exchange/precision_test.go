package exchange

import "testing"

func TestRoundAmountHalfToEven(t *testing.T) {
	cases := []struct {
		in, want float64
		prec     int
	}{
		{0.125, 0.12, 2},
		{0.135, 0.14, 2},
		{2.5, 2, 0},
		{3.5, 4, 0},
	}
	for _, c := range cases {
		got := RoundAmount(c.in, c.prec)
		if got != c.want {
			t.Errorf("RoundAmount(%v, %d) = %v, want %v", c.in, c.prec, got, c.want)
		}
	}
}

func TestRoundPriceFloorsBuysCeilsSells(t *testing.T) {
	if got := RoundPrice(100.567, 2, true); got != 100.56 {
		t.Errorf("buy RoundPrice = %v, want 100.56", got)
	}
	if got := RoundPrice(100.561, 2, false); got != 100.57 {
		t.Errorf("sell RoundPrice = %v, want 100.57", got)
	}
}

func TestNotionalToQuantity(t *testing.T) {
	got := NotionalToQuantity(1000, 50000, 3)
	if got != 0.02 {
		t.Errorf("NotionalToQuantity = %v, want 0.02", got)
	}
}

func TestNotionalToQuantityZeroMark(t *testing.T) {
	if got := NotionalToQuantity(1000, 0, 3); got != 0 {
		t.Errorf("NotionalToQuantity with zero mark = %v, want 0", got)
	}
}
