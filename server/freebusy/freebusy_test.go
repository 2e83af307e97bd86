package freebusy

import (
	"testing"
	"time"

	"github.com/cyp0633/caldora/server/model"
	"github.com/stretchr/testify/assert"
)

func at(hour, minute int) time.Time {
	return time.Date(2024, 5, 6, hour, minute, 0, 0, time.UTC)
}

func TestTypeOf(t *testing.T) {
	tests := []struct {
		name   string
		fields model.Fields
		want   Type
	}{
		{"plain", model.Fields{}, Busy},
		{"absent", model.Fields{ShownAs: model.ShownAsAbsent}, Unavailable},
		{"shown free", model.Fields{ShownAs: model.ShownAsFree}, Free},
		{"temporary", model.Fields{ShownAs: model.ShownAsTemporary}, Tentative},
		{"transparent", model.Fields{Transparency: model.TransparencyTransparent}, Free},
		{"tentative", model.Fields{Status: model.StatusTentative}, Tentative},
		{"cancelled", model.Fields{Status: model.StatusCancelled}, Free},
		{"shown-as beats transparency", model.Fields{ShownAs: model.ShownAsAbsent, Transparency: model.TransparencyTransparent}, Unavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TypeOf(&tt.fields))
		})
	}
}

func TestMergeCoalescesAndRanks(t *testing.T) {
	in := []Interval{
		{Start: at(9, 0), End: at(10, 0), Type: Busy},
		{Start: at(9, 30), End: at(11, 0), Type: Busy},
		{Start: at(10, 30), End: at(12, 0), Type: Unavailable},
		{Start: at(13, 0), End: at(14, 0), Type: Tentative},
		{Start: at(13, 30), End: at(13, 45), Type: Busy},
		{Start: at(15, 0), End: at(16, 0), Type: Free},
	}
	got := Merge(in, model.Window{})
	want := []Interval{
		{Start: at(9, 0), End: at(10, 30), Type: Busy},
		{Start: at(10, 30), End: at(12, 0), Type: Unavailable},
		{Start: at(13, 0), End: at(13, 30), Type: Tentative},
		{Start: at(13, 30), End: at(13, 45), Type: Busy},
		{Start: at(13, 45), End: at(14, 0), Type: Tentative},
	}
	assert.Equal(t, want, got)
}

func TestMergeClipsToWindow(t *testing.T) {
	in := []Interval{{Start: at(8, 0), End: at(18, 0), Type: Busy}}
	got := Merge(in, model.Window{From: at(9, 0), To: at(10, 0)})
	assert.Equal(t, []Interval{{Start: at(9, 0), End: at(10, 0), Type: Busy}}, got)

	assert.Empty(t, Merge(in, model.Window{From: at(19, 0), To: at(20, 0)}))
}

func TestMergeAdjacentSameType(t *testing.T) {
	in := []Interval{
		{Start: at(9, 0), End: at(10, 0), Type: Busy},
		{Start: at(10, 0), End: at(11, 0), Type: Busy},
	}
	assert.Equal(t, []Interval{{Start: at(9, 0), End: at(11, 0), Type: Busy}}, Merge(in, model.Window{}))
}
