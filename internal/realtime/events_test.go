package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_AllVariants(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	applied := MutationApplied{
		SequenceID: 7, ChildKey: "mia", Direction: "credit", Delta: 5, AppliedDelta: 5,
		NewTotal: 12, Reason: "helped cook", OccurredAt: ts, OriginSessionID: "ses_a",
	}

	events := []Event{
		applied,
		ResyncRequired{SessionID: "ses_b", Reason: "connected"},
		Subscribe{ChildKeys: []string{"mia", "leo"}},
		MutationNotice{MutationApplied: applied},
	}

	for _, ev := range events {
		t.Run(string(ev.Type()), func(t *testing.T) {
			raw, err := Encode(ev, ts)
			require.NoError(t, err)

			got, gotTS, err := Decode(raw)
			require.NoError(t, err)
			assert.Equal(t, ev, got)
			assert.True(t, ts.Equal(gotTS))
		})
	}
}

func TestEncode_EnvelopeShape(t *testing.T) {
	raw, err := Encode(ResyncRequired{SessionID: "s", Reason: "r"}, time.Unix(0, 0))
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"type":"resync-required","timestamp":"1970-01-01T00:00:00Z","data":{"sessionId":"s","reason":"r"}}`,
		string(raw))
}

func TestDecode_NoticeIsFlat(t *testing.T) {
	raw := []byte(`{"type":"mutation-notice","timestamp":"2026-01-01T00:00:00Z","data":{"sequenceId":3,"childKey":"mia"}}`)
	ev, _, err := Decode(raw)
	require.NoError(t, err)

	n, ok := ev.(MutationNotice)
	require.True(t, ok)
	assert.Equal(t, int64(3), n.SequenceID)
	assert.Equal(t, "mia", n.ChildKey)
}

func TestDecode_Errors(t *testing.T) {
	_, _, err := Decode([]byte(`{"type":"balance-hint","data":{}}`))
	assert.ErrorIs(t, err, ErrUnknownEvent)

	_, _, err = Decode([]byte(`not json`))
	assert.Error(t, err)

	_, _, err = Decode([]byte(`{"type":"mutation-applied","data":{"sequenceId":"seven"}}`))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnknownEvent)
}
