package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindow_Overlaps(t *testing.T) {
	day := func(d, h int) time.Time { return time.Date(2024, 1, d, h, 0, 0, 0, time.UTC) }
	w := Window{From: day(2, 0), To: day(3, 0)}

	tests := []struct {
		name       string
		start, end time.Time
		want       bool
	}{
		{"inside", day(2, 10), day(2, 11), true},
		{"ends at window start", day(1, 23), day(2, 0), false},
		{"starts at window end", day(3, 0), day(3, 1), false},
		{"spans whole window", day(1, 0), day(4, 0), true},
		{"instant at start", day(2, 0), day(2, 0), true},
		{"instant at end", day(3, 0), day(3, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, w.Overlaps(tt.start, tt.end))
		})
	}

	assert.True(t, Window{}.Overlaps(day(1, 0), day(1, 1)), "unbounded window")
}

func TestSeries_CloneIsDeep(t *testing.T) {
	ack := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	s := &Series{
		ID:    "uid-1",
		Owner: "alice",
		Master: Fields{
			Summary:      "Standup",
			Participants: []Participant{{Address: "mailto:bob@example.com", UserID: "bob", PartStat: PartStatAccepted}},
			Alarms:       map[string][]Alarm{"alice": {{UID: "a1", Action: AlarmActionDisplay, Acknowledged: &ack}}},
		},
		Overrides: map[string]Slot{"20240103T090000Z": {State: SlotOverridden, Fields: &Fields{Summary: "Moved"}}},
	}

	cp := s.Clone()
	cp.Master.Participants[0].PartStat = PartStatDeclined
	*cp.Master.Alarms["alice"][0].Acknowledged = ack.Add(time.Hour)
	cp.Overrides["20240103T090000Z"].Fields.Summary = "Changed"

	assert.Equal(t, PartStatAccepted, s.Master.Participants[0].PartStat)
	assert.Equal(t, ack, *s.Master.Alarms["alice"][0].Acknowledged)
	assert.Equal(t, "Moved", s.Overrides["20240103T090000Z"].Fields.Summary)
}

func TestSeries_Users(t *testing.T) {
	s := &Series{
		Owner: "alice",
		Master: Fields{Participants: []Participant{
			{Address: "mailto:bob@example.com", UserID: "bob"},
			{Address: "mailto:ext@example.org"},
		}},
		Overrides: map[string]Slot{
			"k1": {State: SlotOverridden, Fields: &Fields{Participants: []Participant{{UserID: "carol"}}}},
			"k2": {State: SlotSuppressed},
		},
	}
	assert.Equal(t, []string{"alice", "bob", "carol"}, s.Users())
}

func TestSeries_Localize(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	s := &Series{
		TZID:   "Europe/Berlin",
		Master: Fields{Start: start, End: start.Add(time.Hour)},
		RDates: []time.Time{start.AddDate(0, 0, 7)},
	}
	require.NoError(t, s.Localize())
	assert.Equal(t, berlin, s.Master.Start.Location())
	assert.Equal(t, 10, s.Master.Start.Hour())
	assert.Equal(t, berlin, s.RDates[0].Location())

	s.TZID = "Mars/Olympus"
	assert.Error(t, s.Localize())
}

func TestFields_RemoveParticipant(t *testing.T) {
	f := Fields{Participants: []Participant{{UserID: "bob"}, {UserID: "carol"}}}
	assert.True(t, f.RemoveParticipant("bob"))
	assert.False(t, f.RemoveParticipant("bob"))
	assert.False(t, f.HasParticipant("bob"))
	assert.True(t, f.HasParticipant("carol"))
}

func TestTrigger_Equal(t *testing.T) {
	abs := time.Date(1976, 4, 1, 0, 55, 45, 0, time.UTC)
	assert.True(t, Trigger{Offset: -15 * time.Minute}.Equal(Trigger{Offset: -15 * time.Minute, Related: "START"}))
	assert.False(t, Trigger{Offset: -15 * time.Minute}.Equal(Trigger{Offset: -15 * time.Minute, Related: "END"}))
	assert.False(t, Trigger{Offset: 0}.Equal(Trigger{Absolute: &abs}))
	other := abs
	assert.True(t, Trigger{Absolute: &abs}.Equal(Trigger{Absolute: &other}))
}
