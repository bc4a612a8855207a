package market

import "testing"

func TestOracleFee(t *testing.T) {
	for _, tc := range []struct {
		name     string
		quantity int64
		basis    int64
		want     int64
	}{
		{"ninety tokens profit", 100, 10000, 9000},
		{"minimum fee on tiny profit", 1, 900, 1000},
		{"minimum fee on free winnings", 1, 0, 1000},
		{"ten tokens profit rounds to one", 100, 90000, 1000},
		{"half rounds away from zero", 20, 5000, 2000},
		{"large book", 1000, 250000, 75000},
	} {
		if got := OracleFee(tc.quantity, tc.basis); got != tc.want {
			t.Errorf("%s: OracleFee(%d, %d) = %d, want %d",
				tc.name, tc.quantity, tc.basis, got, tc.want)
		}
	}
}

func TestOracleFeeIsWholeTokens(t *testing.T) {
	for basis := int64(0); basis <= 10000; basis += 137 {
		fee := OracleFee(10, basis)
		if fee%1000 != 0 {
			t.Fatalf("OracleFee(10, %d) = %d is not whole tokens", basis, fee)
		}
		if fee < 1000 {
			t.Fatalf("OracleFee(10, %d) = %d below the one-token minimum", basis, fee)
		}
	}
}
