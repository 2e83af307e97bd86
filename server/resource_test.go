package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultURLConverter(t *testing.T) {
	c := &DefaultURLConverter{Prefix: "/caldav/"}

	tests := []struct {
		path string
		want Resource
	}{
		{"/caldav/", Resource{ResourceType: ResourceServiceRoot}},
		{"/caldav/alice/", Resource{UserID: "alice", ResourceType: ResourcePrincipal}},
		{"/caldav/alice/cal/", Resource{UserID: "alice", ResourceType: ResourceHomeSet}},
		{"/caldav/alice/cal/work/", Resource{UserID: "alice", CalendarID: "work", ResourceType: ResourceCollection}},
		{"/caldav/alice/cal/work/standup.ics", Resource{UserID: "alice", CalendarID: "work", ObjectID: "standup", ResourceType: ResourceObject}},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := c.ParsePath(tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			back, err := c.EncodePath(got)
			require.NoError(t, err)
			assert.Equal(t, tt.path, back)
		})
	}

	// Trailing slashes are optional on the way in.
	got, err := c.ParsePath("/caldav/alice/cal/work")
	require.NoError(t, err)
	assert.Equal(t, ResourceCollection, got.ResourceType)
}

func TestDefaultURLConverterRejects(t *testing.T) {
	c := &DefaultURLConverter{Prefix: "/caldav/"}

	for _, path := range []string{
		"/caldav/alice/evt/work/",
		"/caldav/alice/cal/work/standup",
		"/caldav/alice/cal/work/.ics",
		"/caldav/alice/cal/work/standup.ics/extra",
	} {
		_, err := c.ParsePath(path)
		assert.Error(t, err, path)
	}

	_, err := c.EncodePath(Resource{ResourceType: ResourceObject, UserID: "alice"})
	assert.Error(t, err)
	_, err = c.EncodePath(Resource{ResourceType: ResourceUnknown})
	assert.Error(t, err)
}

func TestParseDepth(t *testing.T) {
	assert.Equal(t, 0, parseDepth(""))
	assert.Equal(t, 0, parseDepth("0"))
	assert.Equal(t, 1, parseDepth("1"))
	assert.Equal(t, -1, parseDepth("Infinity"))
}
