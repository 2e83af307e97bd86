package view

import (
	"testing"
	"time"

	"github.com/cyp0633/caldora/server/model"
	"github.com/cyp0633/caldora/server/overlay"
	"github.com/cyp0633/caldora/server/recurrence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	start = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	ack   = time.Date(2024, 1, 1, 8, 50, 0, 0, time.UTC)
)

func meeting() *model.Series {
	return &model.Series{
		ID:    "weekly",
		Owner: "alice",
		Rule:  "FREQ=WEEKLY;COUNT=4",
		Master: model.Fields{
			Summary:     "Planning",
			Location:    "Room 1",
			Description: "Quarterly numbers",
			Start:       start,
			End:         start.Add(time.Hour),
			Organizer:   "mailto:alice@example.com",
			Participants: []model.Participant{
				{Address: "mailto:alice@example.com", UserID: "alice", Role: model.RoleChair, PartStat: model.PartStatAccepted},
				{Address: "mailto:bob@example.com", UserID: "bob", Role: model.RoleRequired, PartStat: model.PartStatNeedsAction, RSVP: true},
				{Address: "mailto:carol@example.com", UserID: "carol", Role: model.RoleRequired, PartStat: model.PartStatDeclined, Comment: "on leave", RSVP: true},
			},
			Alarms: map[string][]model.Alarm{
				"alice": {{UID: "alice-1", Action: model.AlarmActionDisplay, Trigger: model.Trigger{Offset: -10 * time.Minute}}},
				"bob":   {{UID: "bob-1", Action: model.AlarmActionDisplay, Trigger: model.Trigger{Offset: -5 * time.Minute}, Acknowledged: &ack}},
			},
		},
	}
}

func self(u string) Viewer {
	return Viewer{UserID: u, Capabilities: Full}
}

func TestProjectOwnerSeesEverything(t *testing.T) {
	p, err := Project(meeting(), "alice", self("alice"))
	require.NoError(t, err)

	require.NotNil(t, p.Master)
	assert.True(t, p.Organizer)
	assert.Equal(t, "Planning", p.Master.Fields.Summary)
	assert.Equal(t, "on leave", p.Master.Fields.Participants[2].Comment)
	require.Len(t, p.Master.Alarms, 1)
	assert.Equal(t, "alice-1", p.Master.Alarms[0].UID)
	assert.Nil(t, p.Master.Fields.Alarms, "alarms are never exposed through the field set")
	assert.NotEmpty(t, p.ETag)
	assert.NotEmpty(t, p.ScheduleTag)
}

func TestProjectAttendeeHidesOthersReplies(t *testing.T) {
	p, err := Project(meeting(), "bob", self("bob"))
	require.NoError(t, err)

	bob, ok := p.Master.Fields.Participant("bob")
	require.True(t, ok)
	assert.True(t, bob.RSVP)

	carol, ok := p.Master.Fields.Participant("carol")
	require.True(t, ok)
	assert.Equal(t, model.PartStatDeclined, carol.PartStat)
	assert.Empty(t, carol.Comment)
	assert.False(t, carol.RSVP)

	require.Len(t, p.Master.Alarms, 1)
	assert.Equal(t, "bob-1", p.Master.Alarms[0].UID)
}

func TestProjectRedaction(t *testing.T) {
	s := meeting()
	s.Master.Class = model.ClassPrivate

	delegate := Viewer{UserID: "dave", Capabilities: Capabilities{Read: true}}
	p, err := Project(s, "alice", delegate)
	require.NoError(t, err)
	assert.True(t, p.Master.Redacted)
	assert.Equal(t, PrivatePlaceholder, p.Master.Fields.Summary)
	assert.Empty(t, p.Master.Fields.Location, "only the summary keeps a placeholder")
	assert.Empty(t, p.Master.Fields.Description, "only the summary keeps a placeholder")
	assert.Empty(t, p.Master.Fields.Organizer)
	assert.Empty(t, p.Master.Fields.Participants)
	assert.Empty(t, p.Master.Alarms)
	assert.Equal(t, start, p.Master.Fields.Start)

	trusted := Viewer{UserID: "dave", Capabilities: Capabilities{Read: true, ReadPrivate: true}}
	p, err = Project(s, "alice", trusted)
	require.NoError(t, err)
	assert.Equal(t, "Planning", p.Master.Fields.Summary)
	assert.Empty(t, p.Master.Alarms, "only the calendar user sees their alarms")

	p, err = Project(s, "bob", self("bob"))
	require.NoError(t, err)
	assert.Equal(t, "Planning", p.Master.Fields.Summary, "participants read private events")
}

func TestProjectNotFoundAfterRemoval(t *testing.T) {
	s := meeting()
	_, err := Project(s, "bob", self("bob"))
	require.NoError(t, err)

	s.Master.RemoveParticipant("bob")
	_, err = Project(s, "bob", self("bob"))
	var nf *NotFoundAfterVisibilityChange
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "weekly", nf.ResourceID)
	assert.Equal(t, "bob", nf.CalendarUser)
}

func TestProjectOccurrenceLevelVisibility(t *testing.T) {
	s := meeting()
	o, err := overlay.Open(s, recurrence.NewPlannerWithConfig(recurrence.DisabledCacheConfig))
	require.NoError(t, err)

	second := start.AddDate(0, 0, 7)
	third := start.AddDate(0, 0, 14)
	f := o.Inherit(second)
	f.RemoveParticipant("bob")
	require.NoError(t, o.ApplyChangeException(second, f))
	require.NoError(t, o.ApplyDeleteException(third))

	p, err := Project(s, "bob", self("bob"))
	require.NoError(t, err)
	assert.Equal(t, []string{o.Key(second), o.Key(third)}, p.ExDates)
	assert.Empty(t, p.Exceptions)
	assert.False(t, p.Shows(o.Key(second)))
	assert.True(t, p.Shows(o.Key(start)))

	owner, err := Project(s, "alice", self("alice"))
	require.NoError(t, err)
	assert.Equal(t, []string{o.Key(third)}, owner.ExDates)
	require.Len(t, owner.Exceptions, 1)
	assert.True(t, owner.Exceptions[0].RecurrenceID.Equal(second))

	occ, err := o.Materialize(model.Window{})
	require.NoError(t, err)
	require.Len(t, occ, 3)
	_, err = ProjectOccurrence(s, occ[1], "bob", self("bob"))
	assert.ErrorIs(t, err, &NotFoundAfterVisibilityChange{})
	c, err := ProjectOccurrence(s, occ[0], "bob", self("bob"))
	require.NoError(t, err)
	assert.Equal(t, "bob-1", c.Alarms[0].UID)
}

func TestExceptionOnlyAttendee(t *testing.T) {
	s := meeting()
	o, err := overlay.Open(s, recurrence.NewPlannerWithConfig(recurrence.DisabledCacheConfig))
	require.NoError(t, err)

	second := start.AddDate(0, 0, 7)
	f := o.Inherit(second)
	f.Participants = append(f.Participants, model.Participant{Address: "mailto:erin@example.com", UserID: "erin", PartStat: model.PartStatNeedsAction})
	require.NoError(t, o.ApplyChangeException(second, f))

	p, err := Project(s, "erin", self("erin"))
	require.NoError(t, err)
	assert.Nil(t, p.Master)
	assert.Empty(t, p.Rule)
	require.Len(t, p.Exceptions, 1)
	assert.True(t, p.Shows(o.Key(second)))
	assert.False(t, p.Shows(o.Key(start)))
}

func TestTags(t *testing.T) {
	base, err := Project(meeting(), "bob", self("bob"))
	require.NoError(t, err)

	again, err := Project(meeting(), "bob", self("bob"))
	require.NoError(t, err)
	assert.Equal(t, base.ETag, again.ETag, "tags are deterministic")
	assert.Equal(t, base.ScheduleTag, again.ScheduleTag)

	t.Run("alarm acknowledgment", func(t *testing.T) {
		s := meeting()
		later := ack.Add(time.Minute)
		s.Master.Alarms["bob"][0].Acknowledged = &later
		p, err := Project(s, "bob", self("bob"))
		require.NoError(t, err)
		assert.NotEqual(t, base.ETag, p.ETag)
		assert.Equal(t, base.ScheduleTag, p.ScheduleTag)
	})

	t.Run("reply", func(t *testing.T) {
		s := meeting()
		s.Master.Participants[1].PartStat = model.PartStatAccepted
		p, err := Project(s, "bob", self("bob"))
		require.NoError(t, err)
		assert.NotEqual(t, base.ETag, p.ETag)
		assert.Equal(t, base.ScheduleTag, p.ScheduleTag)
	})

	t.Run("time change", func(t *testing.T) {
		s := meeting()
		s.Master.Start = s.Master.Start.Add(time.Hour)
		s.Master.End = s.Master.End.Add(time.Hour)
		p, err := Project(s, "bob", self("bob"))
		require.NoError(t, err)
		assert.NotEqual(t, base.ETag, p.ETag)
		assert.NotEqual(t, base.ScheduleTag, p.ScheduleTag)
	})

	t.Run("participant added", func(t *testing.T) {
		s := meeting()
		s.Master.Participants = append(s.Master.Participants, model.Participant{Address: "mailto:erin@example.com"})
		p, err := Project(s, "bob", self("bob"))
		require.NoError(t, err)
		assert.NotEqual(t, base.ScheduleTag, p.ScheduleTag)
	})

	t.Run("reply on one occurrence", func(t *testing.T) {
		s := meeting()
		rid := start.AddDate(0, 0, 7)
		f := s.Master.Clone()
		f.Start, f.End = rid, rid.Add(time.Hour)
		f.Participants[1].PartStat = model.PartStatDeclined
		s.Overrides = map[string]model.Slot{
			recurrence.FormatID(rid, false): {State: model.SlotOverridden, Fields: &f},
		}
		p, err := Project(s, "bob", self("bob"))
		require.NoError(t, err)
		require.Len(t, p.Exceptions, 1)
		assert.NotEqual(t, base.ETag, p.ETag)
		assert.Equal(t, base.ScheduleTag, p.ScheduleTag)

		f.Start = f.Start.Add(time.Hour)
		f.End = f.End.Add(time.Hour)
		moved, err := Project(s, "bob", self("bob"))
		require.NoError(t, err)
		assert.NotEqual(t, base.ScheduleTag, moved.ScheduleTag)
	})

	t.Run("other user's alarm", func(t *testing.T) {
		s := meeting()
		s.Master.Alarms["alice"] = nil
		p, err := Project(s, "bob", self("bob"))
		require.NoError(t, err)
		assert.Equal(t, base.ETag, p.ETag)
	})
}

func TestDefaultAlarmDoesNotChangeETag(t *testing.T) {
	s := meeting()
	delete(s.Master.Alarms, "bob")

	plain, err := Project(s, "bob", self("bob"))
	require.NoError(t, err)
	assert.Empty(t, plain.Master.Alarms)

	v := self("bob")
	v.WantsDefaultAlarm = true
	withDefault, err := Project(s, "bob", v)
	require.NoError(t, err)
	require.Len(t, withDefault.Master.Alarms, 1)
	assert.True(t, withDefault.Master.Alarms[0].Default)
	assert.Equal(t, plain.ETag, withDefault.ETag)
}
