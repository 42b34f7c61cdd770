package types

import (
	"errors"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSessionEntry(t *testing.T) {
	entry := NewNormalEntry(DefaultSession())

	want := MirrorEntry{
		Action:               ActionNormal,
		SID:                  100,
		Direction:            DirectionBoth,
		SessionEnable:        true,
		UcastEgressPort:      160,
		UcastEgressPortValid: 1,
	}
	if diff := cmp.Diff(want, entry); diff != "" {
		t.Errorf("default entry mismatch (-want +got):\n%s", diff)
	}
}

func TestChangingEgressPortOnlyChangesPortField(t *testing.T) {
	base := DefaultSession()
	moved := DefaultSession()
	moved.EgressPort = RDMAPort1

	a := NewNormalEntry(base)
	b := NewNormalEntry(moved)

	assert.Equal(t, RDMAPort3, a.UcastEgressPort)
	assert.Equal(t, RDMAPort1, b.UcastEgressPort)

	b.UcastEgressPort = a.UcastEgressPort
	assert.Equal(t, a, b)
}

func TestEntryWithoutValidPort(t *testing.T) {
	s := DefaultSession()
	s.EgressPortValid = false

	entry := NewNormalEntry(s)
	assert.Equal(t, 0, entry.UcastEgressPortValid)
	assert.Zero(t, entry.UcastEgressPort)
	assert.NoError(t, s.Validate())
}

func TestEntrySessionRoundTrip(t *testing.T) {
	s := DefaultSession()
	s.MaxPktLen = PktMinLength
	s.PacketColor = ColorGreen

	entry := NewNormalEntry(s)
	assert.Equal(t, uint64(100), entry.MaxPktLen)
	assert.Equal(t, s, entry.Session())
}

func TestParseDirection(t *testing.T) {
	testCases := []struct {
		input    string
		expected Direction
		wantErr  bool
	}{
		{input: "BOTH", expected: DirectionBoth},
		{input: "ingress", expected: DirectionIngress},
		{input: " Egress ", expected: DirectionEgress},
		{input: "sideways", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			d, err := ParseDirection(tc.input)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrUnknownDirection)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, d)
		})
	}
}

func TestDirectionFlags(t *testing.T) {
	assert.True(t, DirectionBoth.Ingress())
	assert.True(t, DirectionBoth.Egress())
	assert.True(t, DirectionIngress.Ingress())
	assert.False(t, DirectionIngress.Egress())
	assert.False(t, DirectionEgress.Ingress())
	assert.True(t, DirectionEgress.Egress())
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*MirrorSession)
		valid  bool
	}{
		{name: "default", mutate: func(*MirrorSession) {}, valid: true},
		{name: "reserved sid", mutate: func(s *MirrorSession) { s.SessionID = 0 }},
		{name: "sid too large", mutate: func(s *MirrorSession) { s.SessionID = 1016 }},
		{name: "max sid", mutate: func(s *MirrorSession) { s.SessionID = MaxSessionID }, valid: true},
		{name: "port too large", mutate: func(s *MirrorSession) { s.EgressPort = 512 }},
		{name: "invalid port ignored", mutate: func(s *MirrorSession) {
			s.EgressPort = 4000
			s.EgressPortValid = false
		}, valid: true},
		{name: "bad direction", mutate: func(s *MirrorSession) { s.Direction = "UP" }},
		{name: "truncation too large", mutate: func(s *MirrorSession) { s.MaxPktLen = 16 * datasize.KB }},
		{name: "bad color", mutate: func(s *MirrorSession) { s.PacketColor = "BLUE" }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := DefaultSession()
			tc.mutate(&s)
			err := s.Validate()
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidSession)
			}
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	s := DefaultSession()
	s.SessionID = 0
	s.EgressPort = 1000

	err := s.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidSession))
	assert.Contains(t, err.Error(), "sid 0")
	assert.Contains(t, err.Error(), "egress port 1000")
}

func TestDirectionUnmarshalText(t *testing.T) {
	var d Direction
	require.NoError(t, d.UnmarshalText([]byte("egress")))
	assert.Equal(t, DirectionEgress, d)
	assert.Error(t, d.UnmarshalText([]byte("nope")))
}
