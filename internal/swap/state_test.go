package swap

import (
	"testing"
	"time"
)

func TestCheckStateData(t *testing.T) {
	tests := []struct {
		state State
		data  StateData
		ok    bool
	}{
		{StateDelaying, &DelayData{}, true},
		{StateDelaying, nil, false},
		{StateScriptTxPrerefund, &PreRefundData{Deadline: 10}, true},
		{StateScriptTxPrerefund, &DelayData{}, false},
		{StateCompleted, &CompletedData{}, true},
		{StateError, &ErrorData{Note: "x"}, true},
		{StateError, nil, false},
		{StateBidAccepted, nil, true},
		{StateBidAccepted, &ErrorData{}, false},
	}
	for _, tt := range tests {
		err := checkStateData(tt.state, tt.data)
		if (err == nil) != tt.ok {
			t.Errorf("checkStateData(%s, %T) error = %v, want ok=%v", tt.state, tt.data, err, tt.ok)
		}
	}
}

func TestStateDataRoundTrip(t *testing.T) {
	until := time.Unix(1_700_000_000, 0).UTC()
	tests := []struct {
		state State
		data  StateData
	}{
		{StateDelaying, &DelayData{Until: until, Prior: StateBidAccepted}},
		{StateScriptTxPrerefund, &PreRefundData{Deadline: 812_345}},
		{StateCompleted, &CompletedData{LegA: LegRedeemed, LegB: LegRefunded}},
		{StateError, &ErrorData{Note: "bad accept"}},
	}
	for _, tt := range tests {
		raw, err := EncodeStateData(tt.data)
		if err != nil {
			t.Fatalf("EncodeStateData(%T) error = %v", tt.data, err)
		}
		got, err := DecodeStateData(tt.state, raw)
		if err != nil {
			t.Fatalf("DecodeStateData(%s) error = %v", tt.state, err)
		}
		if err := checkStateData(tt.state, got); err != nil {
			t.Errorf("decoded data does not belong to %s: %v", tt.state, err)
		}
		switch want := tt.data.(type) {
		case *DelayData:
			d := got.(*DelayData)
			if !d.Until.Equal(want.Until) || d.Prior != want.Prior {
				t.Errorf("DelayData = %+v, want %+v", d, want)
			}
		case *PreRefundData:
			if *got.(*PreRefundData) != *want {
				t.Errorf("PreRefundData = %+v", got)
			}
		case *CompletedData:
			if *got.(*CompletedData) != *want {
				t.Errorf("CompletedData = %+v", got)
			}
		case *ErrorData:
			if *got.(*ErrorData) != *want {
				t.Errorf("ErrorData = %+v", got)
			}
		}
	}
}

func TestDecodeStateDataEdgeCases(t *testing.T) {
	if d, err := DecodeStateData(StateInitiated, []byte(`{"x":1}`)); d != nil || err != nil {
		t.Errorf("states without data should decode to nil, got %v, %v", d, err)
	}
	if _, err := DecodeStateData(StateDelaying, nil); err == nil {
		t.Error("missing delay data should fail")
	}
	if _, err := DecodeStateData(StateError, []byte("{")); err == nil {
		t.Error("malformed data should fail")
	}
	if raw, err := EncodeStateData(nil); raw != nil || err != nil {
		t.Errorf("EncodeStateData(nil) = %v, %v", raw, err)
	}
}

func TestCompletedSuccess(t *testing.T) {
	if !(&CompletedData{LegA: LegRedeemed, LegB: LegRedeemed}).Success() {
		t.Error("both legs redeemed should be a success")
	}
	if (&CompletedData{LegA: LegRefunded, LegB: LegRedeemed}).Success() {
		t.Error("a refunded leg is not a success")
	}
}
