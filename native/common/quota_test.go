package common

import (
	"errors"
	"testing"
)

func TestCheckQuotaResetsOnNewEpoch(t *testing.T) {
	q := Quota{MaxRequestsPerMin: 2, MaxAmountPerEpoch: 100}
	prev := QuotaNow{ReqCount: 2, AmountUsed: 100, EpochID: 7}

	next, err := CheckQuota(q, 8, prev, 1, 50)
	if err != nil {
		t.Fatalf("expected fresh epoch to reset counters, got %v", err)
	}
	if next.EpochID != 8 || next.ReqCount != 1 || next.AmountUsed != 50 {
		t.Fatalf("unexpected counters after reset: %+v", next)
	}
}

func TestCheckQuotaRejectsRequestBurst(t *testing.T) {
	q := Quota{MaxRequestsPerMin: 3}
	prev := QuotaNow{ReqCount: 3, EpochID: 1}

	if _, err := CheckQuota(q, 1, prev, 1, 0); !errors.Is(err, ErrQuotaRequestsExceeded) {
		t.Fatalf("expected ErrQuotaRequestsExceeded, got %v", err)
	}
}

func TestCheckQuotaRejectsAmountOverflow(t *testing.T) {
	q := Quota{MaxAmountPerEpoch: 0}
	prev := QuotaNow{AmountUsed: ^uint64(0), EpochID: 1}

	if _, err := CheckQuota(q, 1, prev, 0, 1); !errors.Is(err, ErrQuotaCounterOverflow) {
		t.Fatalf("expected ErrQuotaCounterOverflow, got %v", err)
	}
}

func TestCheckQuotaEnforcesAmountCap(t *testing.T) {
	q := Quota{MaxAmountPerEpoch: 100}
	prev := QuotaNow{AmountUsed: 80, EpochID: 4}

	if _, err := CheckQuota(q, 4, prev, 0, 30); !errors.Is(err, ErrQuotaAmountExceeded) {
		t.Fatalf("expected ErrQuotaAmountExceeded, got %v", err)
	}
	next, err := CheckQuota(q, 4, prev, 0, 20)
	if err != nil {
		t.Fatalf("expected amount within cap to pass, got %v", err)
	}
	if next.AmountUsed != 100 {
		t.Fatalf("unexpected usage: %d", next.AmountUsed)
	}
}
