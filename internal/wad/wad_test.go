package wad

import (
	"math/big"
	"testing"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestMul_Truncates(t *testing.T) {
	got := Mul(d("0.000000000000000001"), d("0.5"))
	if !got.IsZero() {
		t.Errorf("expected sub-wei product to truncate to 0, got %s", got)
	}
	got = Mul(d("1.5"), d("2"))
	if !got.Equal(d("3")) {
		t.Errorf("expected 3, got %s", got)
	}
}

func TestDiv_Truncates(t *testing.T) {
	got := Div(d("1"), d("3"))
	want := d("0.333333333333333333")
	if !got.Equal(want) {
		t.Errorf("expected %s, got %s", want, got)
	}
	got = Div(d("2"), d("3"))
	want = d("0.666666666666666666")
	if !got.Equal(want) {
		t.Errorf("expected floor %s, got %s", want, got)
	}
}

func TestToWei_RoundTrip(t *testing.T) {
	v, err := ToWei(d("1.25"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want, _ := new(big.Int).SetString("1250000000000000000", 10)
	if v.ToBig().Cmp(want) != 0 {
		t.Errorf("expected %s, got %s", want, v.ToBig())
	}
	if back := FromWei(v); !back.Equal(d("1.25")) {
		t.Errorf("expected 1.25 back, got %s", back)
	}
}

func TestToWei_Rejects(t *testing.T) {
	if _, err := ToWei(d("-1")); err != ErrNegative {
		t.Errorf("expected ErrNegative, got %v", err)
	}
	huge := decimal.NewFromBigInt(new(big.Int).Lsh(big.NewInt(1), 256), 0)
	if _, err := ToWei(huge); err != ErrOverflow {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

func TestFromWei_Nil(t *testing.T) {
	if !FromWei(nil).IsZero() {
		t.Error("nil should decode to zero")
	}
	if !FromWei(uint256.NewInt(1)).Equal(d("0.000000000000000001")) {
		t.Error("one wei should decode to 1e-18")
	}
}
