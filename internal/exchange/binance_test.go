package exchange

import (
	"errors"
	"fmt"
	"testing"

	"github.com/adshao/go-binance/v2/common"
)

func TestFormatByStep(t *testing.T) {
	cases := []struct {
		value float64
		step  float64
		want  string
	}{
		{0.0030000001, 0.001, "0.003"},
		{0.0129999, 0.001, "0.012"},
		{10.56789, 0.01, "10.56"},
		{5, 1, "5"},
		{81234.567, 0.1, "81234.5"},
		{1.234, 0, "1.234"}, // unknown step passes through
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%v_by_%v", tc.value, tc.step), func(t *testing.T) {
			if got := formatByStep(tc.value, tc.step); got != tc.want {
				t.Fatalf("formatByStep(%v, %v) = %q, want %q", tc.value, tc.step, got, tc.want)
			}
		})
	}
}

func TestErrorClassification(t *testing.T) {
	rateLimit := wrapAPIError(&common.APIError{Code: -1003, Message: "Too many requests"})
	if !IsRateLimited(rateLimit) {
		t.Fatal("-1003 must classify as rate limited")
	}
	if IsImmediateTrigger(rateLimit) {
		t.Fatal("-1003 is not an immediate trigger")
	}

	trigger := wrapAPIError(&common.APIError{Code: -2021, Message: "Order would immediately trigger."})
	if !IsImmediateTrigger(trigger) {
		t.Fatal("-2021 must classify as immediate trigger")
	}

	for _, code := range []int64{-4046, -4161} {
		if !IsLeverageRejected(wrapAPIError(&common.APIError{Code: code})) {
			t.Fatalf("%d must classify as leverage rejection", code)
		}
	}

	plain := errors.New("connection reset")
	if wrapAPIError(plain) != plain {
		t.Fatal("non-API errors must pass through untouched")
	}
	if IsRateLimited(plain) || IsImmediateTrigger(plain) || IsLeverageRejected(plain) {
		t.Fatal("plain errors must not classify")
	}

	if wrapAPIError(nil) != nil {
		t.Fatal("nil stays nil")
	}
}

func TestPositionSnapshotFlat(t *testing.T) {
	if !(PositionSnapshot{}).Flat() {
		t.Fatal("zero quantity is flat")
	}
	if (PositionSnapshot{Qty: -0.5}).Flat() {
		t.Fatal("short exposure is not flat")
	}
}
