package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestNextMovingAverage_BlendsReceipts(t *testing.T) {
	// 10 @ 100 into an empty state, then 10 @ 200 -> avg 150.
	avg := nextMovingAverage(decimal.Zero, decimal.Zero, d(10), d(100))
	if !avg.Equal(d(100)) {
		t.Fatalf("first receipt: got avg %s, want 100", avg)
	}
	avg = nextMovingAverage(d(10), avg, d(10), d(200))
	if !avg.Equal(d(150)) {
		t.Fatalf("second receipt: got avg %s, want 150", avg)
	}
}

func TestNextMovingAverage_RoundsToFourPlaces(t *testing.T) {
	// (1*10 + 2*10.10) / 3 = 10.0666... -> 10.0667
	avg := nextMovingAverage(d(1), d(10), d(2), decimal.RequireFromString("10.10"))
	want := decimal.RequireFromString("10.0667")
	if !avg.Equal(want) {
		t.Fatalf("got avg %s, want %s", avg, want)
	}
	if avg.Exponent() < -4 {
		t.Fatalf("average persisted with more than 4 decimal places: %s", avg)
	}
}

func TestNextMovingAverage_ZeroOnHandResetsToZero(t *testing.T) {
	avg := nextMovingAverage(d(5), d(100), d(-5), decimal.Zero)
	if !avg.IsZero() {
		t.Fatalf("got avg %s, want 0 when resulting on-hand is 0", avg)
	}
}
