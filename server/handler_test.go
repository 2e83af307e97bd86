package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/cyp0633/caldora/internal/xml"
	authmem "github.com/cyp0633/caldora/server/auth/memory"
	"github.com/cyp0633/caldora/server/engine"
	"github.com/cyp0633/caldora/server/model"
	"github.com/cyp0633/caldora/server/storage"
	storemem "github.com/cyp0633/caldora/server/storage/memory"
	"github.com/cyp0633/caldora/server/view"
)

const (
	objectPath     = "/caldav/alice/cal/work/standup.ics"
	collectionPath = "/caldav/alice/cal/work/"
)

const standup = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//Test//Client//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:standup\r\n" +
	"DTSTAMP:20240101T000000Z\r\n" +
	"DTSTART:20240101T090000Z\r\n" +
	"DTEND:20240101T093000Z\r\n" +
	"RRULE:FREQ=DAILY;COUNT=5\r\n" +
	"SUMMARY:Standup\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

type fixture struct {
	t       *testing.T
	users   *authmem.Store
	store   *storemem.Store
	handler *CaldavHandler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	users := authmem.New(authmem.WithCost(bcrypt.MinCost))
	require.NoError(t, users.AddUser("alice", "alice-pw", "mailto:alice@example.com"))
	require.NoError(t, users.AddUser("bob", "bob-pw", "mailto:bob@example.com"))

	store := storemem.New()
	require.NoError(t, store.CreateCollection(ctx, &model.Collection{ID: "work", Owner: "alice", DisplayName: "Work", Default: true}))
	require.NoError(t, store.CreateCollection(ctx, &model.Collection{ID: "bob-cal", Owner: "bob", Default: true}))

	eng := engine.New(store, engine.WithDirectory(users), engine.WithACL(users))
	return &fixture{
		t:       t,
		users:   users,
		store:   store,
		handler: NewCaldavHandler("/caldav", "Test", eng, nil, users, nil),
	}
}

func (f *fixture) do(user, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	f.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.SetBasicAuth(user, user+"-pw")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) put(body string, headers map[string]string) *httptest.ResponseRecorder {
	f.t.Helper()
	h := map[string]string{"Content-Type": "text/calendar; charset=utf-8"}
	for k, v := range headers {
		h[k] = v
	}
	return f.do("alice", http.MethodPut, objectPath, body, h)
}

func multistatus(t *testing.T, rec *httptest.ResponseRecorder) *xml.MultistatusResponse {
	t.Helper()
	require.Equal(t, http.StatusMultiStatus, rec.Code, rec.Body.String())
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(rec.Body.Bytes()))
	ms := &xml.MultistatusResponse{}
	require.NoError(t, ms.Parse(doc))
	return ms
}

func responseFor(ms *xml.MultistatusResponse, href string) *xml.Response {
	for i := range ms.Responses {
		if ms.Responses[i].Href == href {
			return &ms.Responses[i]
		}
	}
	return nil
}

func TestAuthentication(t *testing.T) {
	f := newFixture(t)

	rec := f.do("", http.MethodOptions, "/caldav/", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, `Basic realm="Test"`, rec.Header().Get("WWW-Authenticate"))

	req := httptest.NewRequest(http.MethodOptions, "/caldav/", nil)
	req.SetBasicAuth("alice", "wrong")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do("alice", http.MethodOptions, "/caldav/", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("DAV"), "calendar-access")
	assert.Contains(t, rec.Header().Get("Allow"), "REPORT")
}

func TestPutGetDelete(t *testing.T) {
	f := newFixture(t)

	rec := f.put(standup, map[string]string{"If-None-Match": "*"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)
	assert.NotEmpty(t, rec.Header().Get("Schedule-Tag"))

	rec = f.put(standup, map[string]string{"If-None-Match": "*"})
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)

	rec = f.do("alice", http.MethodGet, objectPath, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, etag, rec.Header().Get("ETag"))
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/calendar"))
	body := rec.Body.String()
	assert.Contains(t, body, "UID:standup")
	assert.Contains(t, body, "RRULE:FREQ=DAILY;COUNT=5")

	rec = f.do("alice", http.MethodGet, objectPath, "", map[string]string{"If-None-Match": etag})
	assert.Equal(t, http.StatusNotModified, rec.Code)

	rec = f.do("alice", http.MethodDelete, objectPath, "", map[string]string{"If-Match": `"stale"`})
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)

	rec = f.do("alice", http.MethodDelete, objectPath, "", map[string]string{"If-Match": etag})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do("alice", http.MethodGet, objectPath, "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetSingleOccurrence(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.put(standup, nil).Code)

	rec := f.do("alice", http.MethodGet, objectPath+"?recurrence-id=20240103T090000Z", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "RECURRENCE-ID:20240103T090000Z")
	assert.Contains(t, body, "DTSTART:20240103T090000Z")
	assert.NotContains(t, body, "RRULE")

	rec = f.do("alice", http.MethodGet, objectPath+"?recurrence-id=20240103T100000Z", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do("alice", http.MethodGet, objectPath+"?recurrence-id=tomorrow", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPutRejectsBadInput(t *testing.T) {
	f := newFixture(t)

	rec := f.do("alice", http.MethodPut, objectPath, standup, map[string]string{"Content-Type": "text/plain"})
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	rec = f.put("BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "valid-calendar-data")

	bad := strings.Replace(standup, "RRULE:FREQ=DAILY;COUNT=5", "RRULE:FREQ=SOMETIMES", 1)
	rec = f.put(bad, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do("alice", http.MethodPut, collectionPath, standup, map[string]string{"Content-Type": "text/calendar"})
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCollectionAccess(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.put(standup, nil).Code)

	rec := f.do("bob", http.MethodGet, objectPath, "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// The path must name the collection's owner.
	rec = f.do("alice", http.MethodGet, "/caldav/bob/cal/work/standup.ics", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, f.users.Grant("alice", "bob", view.Capabilities{Read: true}))
	rec = f.do("bob", http.MethodGet, objectPath, "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do("bob", http.MethodDelete, objectPath, "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPropfind(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.put(standup, nil).Code)

	t.Run("principal", func(t *testing.T) {
		rec := f.do("alice", "PROPFIND", "/caldav/alice/", "", map[string]string{"Depth": "0"})
		ms := multistatus(t, rec)
		require.Len(t, ms.Responses, 1)
		home, ok := ms.Responses[0].Found("calendar-home-set")
		require.True(t, ok)
		require.Len(t, home.Children, 1)
		assert.Equal(t, "/caldav/alice/cal/", home.Children[0].TextContent)
	})

	t.Run("home set", func(t *testing.T) {
		rec := f.do("alice", "PROPFIND", "/caldav/alice/cal/", "", map[string]string{"Depth": "1"})
		ms := multistatus(t, rec)
		require.Len(t, ms.Responses, 2)
		work := responseFor(ms, collectionPath)
		require.NotNil(t, work)
		name, ok := work.Found("displayname")
		require.True(t, ok)
		assert.Equal(t, "Work", name.TextContent)
	})

	t.Run("collection", func(t *testing.T) {
		body := `<?xml version="1.0"?>
<D:propfind xmlns:D="DAV:" xmlns:CS="http://calendarserver.org/ns/">
  <D:prop><D:getetag/><CS:getctag/><D:sync-token/><D:resourcetype/><D:quota-used-bytes/></D:prop>
</D:propfind>`
		rec := f.do("alice", "PROPFIND", collectionPath, body, map[string]string{"Depth": "1"})
		ms := multistatus(t, rec)
		require.Len(t, ms.Responses, 2)

		col := responseFor(ms, collectionPath)
		require.NotNil(t, col)
		token, ok := col.Found("sync-token")
		require.True(t, ok)
		ctag, ok := col.Found("getctag")
		require.True(t, ok)
		assert.Equal(t, token.TextContent, ctag.TextContent)
		_, ok = col.Found("quota-used-bytes")
		assert.False(t, ok)

		obj := responseFor(ms, objectPath)
		require.NotNil(t, obj)
		etag, ok := obj.Found("getetag")
		require.True(t, ok)
		assert.NotEmpty(t, etag.TextContent)
	})

	t.Run("missing object", func(t *testing.T) {
		rec := f.do("alice", "PROPFIND", "/caldav/alice/cal/work/nope.ics", "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestSyncCollection(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.put(standup, nil).Code)

	report := func(token string) *httptest.ResponseRecorder {
		body := `<?xml version="1.0"?>
<D:sync-collection xmlns:D="DAV:">
  <D:sync-token>` + token + `</D:sync-token>
  <D:sync-level>1</D:sync-level>
  <D:prop><D:getetag/></D:prop>
</D:sync-collection>`
		return f.do("alice", "REPORT", collectionPath, body, nil)
	}

	ms := multistatus(t, report(""))
	require.NotEmpty(t, ms.SyncToken)
	obj := responseFor(ms, objectPath)
	require.NotNil(t, obj)
	_, ok := obj.Found("getetag")
	assert.True(t, ok)
	first := ms.SyncToken

	require.Equal(t, http.StatusNoContent, f.do("alice", http.MethodDelete, objectPath, "", nil).Code)

	ms = multistatus(t, report(first))
	assert.NotEqual(t, first, ms.SyncToken)
	obj = responseFor(ms, objectPath)
	require.NotNil(t, obj)
	assert.Equal(t, xml.StatusLine(http.StatusNotFound), obj.Status)

	rec := report("garbage")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "valid-sync-token")
}

func TestCalendarQuery(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.put(standup, nil).Code)

	query := func(comp string) *httptest.ResponseRecorder {
		body := `<?xml version="1.0"?>
<C:calendar-query xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:prop>
    <D:getetag/>
    <C:calendar-data><C:expand start="20240102T000000Z" end="20240104T000000Z"/></C:calendar-data>
  </D:prop>
  <C:filter>
    <C:comp-filter name="VCALENDAR">
      <C:comp-filter name="` + comp + `">
        <C:time-range start="20240102T000000Z" end="20240104T000000Z"/>
      </C:comp-filter>
    </C:comp-filter>
  </C:filter>
</C:calendar-query>`
		return f.do("alice", "REPORT", collectionPath, body, map[string]string{"Depth": "1"})
	}

	ms := multistatus(t, query("VEVENT"))
	require.Len(t, ms.Responses, 1)
	data, ok := ms.Responses[0].Found("calendar-data")
	require.True(t, ok)
	assert.Equal(t, 2, strings.Count(data.TextContent, "RECURRENCE-ID"))
	assert.NotContains(t, data.TextContent, "RRULE")
	assert.Contains(t, data.TextContent, "20240102T090000Z")

	ms = multistatus(t, query("VTODO"))
	assert.Empty(t, ms.Responses)
}

func TestCalendarMultiget(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.put(standup, nil).Code)

	body := `<?xml version="1.0"?>
<C:calendar-multiget xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:prop><D:getetag/><C:calendar-data/><C:schedule-tag/></D:prop>
  <D:href>` + objectPath + `</D:href>
  <D:href>/caldav/alice/cal/work/missing.ics</D:href>
  <D:href>/caldav/bob/cal/bob-cal/other.ics</D:href>
</C:calendar-multiget>`
	ms := multistatus(t, f.do("alice", "REPORT", collectionPath, body, nil))
	require.Len(t, ms.Responses, 3)

	obj := responseFor(ms, objectPath)
	require.NotNil(t, obj)
	data, ok := obj.Found("calendar-data")
	require.True(t, ok)
	assert.Contains(t, data.TextContent, "SUMMARY:Standup")
	_, ok = obj.Found("schedule-tag")
	assert.True(t, ok)

	for _, href := range []string{"/caldav/alice/cal/work/missing.ics", "/caldav/bob/cal/bob-cal/other.ics"} {
		r := responseFor(ms, href)
		require.NotNil(t, r, href)
		assert.Equal(t, xml.StatusLine(http.StatusNotFound), r.Status, href)
	}
}

func TestFreeBusyQuery(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.put(standup, nil).Code)

	body := `<?xml version="1.0"?>
<C:free-busy-query xmlns:C="urn:ietf:params:xml:ns:caldav">
  <C:time-range start="20240101T000000Z" end="20240103T000000Z"/>
</C:free-busy-query>`
	rec := f.do("alice", "REPORT", collectionPath, body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/calendar"))
	out := rec.Body.String()
	assert.Contains(t, out, "BEGIN:VFREEBUSY")
	assert.Contains(t, out, "20240101T090000Z/20240101T093000Z")
	assert.Contains(t, out, "20240102T090000Z/20240102T093000Z")
	assert.NotContains(t, out, "20240103T090000Z")
}

func TestReportRequiresCollection(t *testing.T) {
	f := newFixture(t)

	rec := f.do("alice", "REPORT", "/caldav/alice/cal/work/", "<nonsense", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body := `<D:sync-collection xmlns:D="DAV:"><D:sync-token/><D:prop/></D:sync-collection>`
	rec = f.do("alice", "REPORT", "/caldav/alice/cal/", body, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestStorageUnavailable(t *testing.T) {
	store := &storage.MockStore{}
	store.On("Collection", mock.Anything, "work").Return(nil, storage.ErrStorageUnavailable)

	users := authmem.New(authmem.WithCost(bcrypt.MinCost))
	require.NoError(t, users.AddUser("alice", "alice-pw"))
	h := NewCaldavHandler("/caldav/", "Test", engine.New(store), nil, users, nil)

	req := httptest.NewRequest("PROPFIND", collectionPath, nil)
	req.SetBasicAuth("alice", "alice-pw")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	store.AssertExpectations(t)
}

func TestUnsupportedMethod(t *testing.T) {
	f := newFixture(t)
	rec := f.do("alice", "MKCALENDAR", "/caldav/alice/cal/new/", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Contains(t, rec.Header().Get("Allow"), "PROPFIND")
}

const teamStandup = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//Test//Client//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:standup\r\n" +
	"DTSTAMP:20240101T000000Z\r\n" +
	"DTSTART:20240101T090000Z\r\n" +
	"DTEND:20240101T093000Z\r\n" +
	"RRULE:FREQ=DAILY;COUNT=5\r\n" +
	"SUMMARY:Standup\r\n" +
	"ORGANIZER:mailto:alice@example.com\r\n" +
	"ATTENDEE;CN=Bob:mailto:bob@example.com\r\n" +
	"X-ROOM-CODE:B12\r\n" +
	"BEGIN:VALARM\r\n" +
	"UID:alarm-1\r\n" +
	"ACTION:DISPLAY\r\n" +
	"TRIGGER:-PT15M\r\n" +
	"DESCRIPTION:Reminder\r\n" +
	"END:VALARM\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:standup\r\n" +
	"DTSTAMP:20240101T000000Z\r\n" +
	"RECURRENCE-ID:20240103T090000Z\r\n" +
	"DTSTART:20240103T100000Z\r\n" +
	"DTEND:20240103T103000Z\r\n" +
	"SUMMARY:Standup (moved)\r\n" +
	"ORGANIZER:mailto:alice@example.com\r\n" +
	"ATTENDEE;CN=Bob:mailto:bob@example.com\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func TestGetPutRoundTripKeepsTags(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.put(teamStandup, map[string]string{"If-None-Match": "*"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	for _, tc := range []struct {
		user, collection, path string
	}{
		{"alice", "work", objectPath},
		{"bob", "bob-cal", "/caldav/bob/cal/bob-cal/standup.ics"},
	} {
		t.Run(tc.user, func(t *testing.T) {
			got := f.do(tc.user, http.MethodGet, tc.path, "", nil)
			require.Equal(t, http.StatusOK, got.Code, got.Body.String())
			etag := got.Header().Get("ETag")
			scheduleTag := got.Header().Get("Schedule-Tag")
			require.NotEmpty(t, etag)
			require.NotEmpty(t, scheduleTag)
			body := got.Body.String()
			assert.Contains(t, body, "RECURRENCE-ID")
			if tc.user == "alice" {
				assert.Contains(t, body, "X-ROOM-CODE:B12")
				assert.Contains(t, body, "BEGIN:VALARM")
			}

			before := map[string]int64{}
			for _, cid := range []string{"work", "bob-cal"} {
				st, err := f.store.LedgerState(ctx, cid)
				require.NoError(t, err)
				before[cid] = st.Rev
			}

			put := f.do(tc.user, http.MethodPut, tc.path, body, map[string]string{
				"Content-Type": "text/calendar; charset=utf-8",
				"If-Match":     etag,
			})
			require.Equal(t, http.StatusNoContent, put.Code, put.Body.String())
			assert.Equal(t, etag, put.Header().Get("ETag"))
			assert.Equal(t, scheduleTag, put.Header().Get("Schedule-Tag"))

			for _, cid := range []string{"work", "bob-cal"} {
				st, err := f.store.LedgerState(ctx, cid)
				require.NoError(t, err)
				assert.Equal(t, before[cid], st.Rev, "ledger of %s moved", cid)
			}

			again := f.do(tc.user, http.MethodGet, tc.path, "", nil)
			require.Equal(t, http.StatusOK, again.Code)
			assert.Equal(t, etag, again.Header().Get("ETag"))
		})
	}
}

func TestWeakIfMatchIsRejected(t *testing.T) {
	f := newFixture(t)
	rec := f.put(standup, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	etag := rec.Header().Get("ETag")

	rec = f.put(standup, map[string]string{"If-Match": "W/" + etag})
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)

	rec = f.do("alice", http.MethodGet, objectPath, "", map[string]string{"If-None-Match": "W/" + etag})
	assert.Equal(t, http.StatusNotModified, rec.Code)
}

func TestAcknowledgmentClearedOnlyExplicitly(t *testing.T) {
	f := newFixture(t)
	rec := f.put(teamStandup, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	bobPath := "/caldav/bob/cal/bob-cal/standup.ics"
	answer := func(ack string) {
		t.Helper()
		body := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:x\r\nBEGIN:VEVENT\r\nUID:standup\r\n" +
			"DTSTART:20240101T090000Z\r\nATTENDEE;PARTSTAT=ACCEPTED:mailto:bob@example.com\r\n" +
			"BEGIN:VALARM\r\nUID:b1\r\nACTION:DISPLAY\r\nTRIGGER:-PT10M\r\n" + ack +
			"END:VALARM\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"
		rec := f.do("bob", http.MethodPut, bobPath, body, map[string]string{"Content-Type": "text/calendar"})
		require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	}
	read := func() string {
		t.Helper()
		rec := f.do("bob", http.MethodGet, bobPath, "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		return rec.Body.String()
	}

	answer("ACKNOWLEDGED:20240101T085000Z\r\n")
	assert.Contains(t, read(), "ACKNOWLEDGED:20240101T085000Z")

	answer("")
	assert.Contains(t, read(), "ACKNOWLEDGED:20240101T085000Z", "omitting the property keeps it")

	answer("ACKNOWLEDGED:\r\n")
	assert.NotContains(t, read(), "ACKNOWLEDGED")
}

func TestReportFlagsTruncatedExpansion(t *testing.T) {
	f := newFixture(t)
	endless := strings.Replace(standup, "RRULE:FREQ=DAILY;COUNT=5", "RRULE:FREQ=DAILY", 1)
	require.Equal(t, http.StatusCreated, f.put(endless, nil).Code)

	// Four years of a daily series is past the planner's default limit.
	query := `<?xml version="1.0"?>
<C:calendar-query xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:prop><D:getetag/></D:prop>
  <C:filter>
    <C:comp-filter name="VCALENDAR">
      <C:comp-filter name="VEVENT">
        <C:time-range start="20240101T000000Z" end="20280101T000000Z"/>
      </C:comp-filter>
    </C:comp-filter>
  </C:filter>
</C:calendar-query>`
	ms := multistatus(t, f.do("alice", "REPORT", collectionPath, query, map[string]string{"Depth": "1"}))
	require.Len(t, ms.Responses, 2)
	assert.NotNil(t, responseFor(ms, objectPath))
	limit := responseFor(ms, collectionPath)
	require.NotNil(t, limit)
	assert.Equal(t, xml.StatusLine(http.StatusInsufficientStorage), limit.Status)
	require.NotNil(t, limit.Error)
	assert.Equal(t, xml.TagNumberOfMatchesWithinLimits, limit.Error.Tag)

	fb := `<?xml version="1.0"?>
<C:free-busy-query xmlns:C="urn:ietf:params:xml:ns:caldav">
  <C:time-range start="20240101T000000Z" end="20280101T000000Z"/>
</C:free-busy-query>`
	rec := f.do("alice", "REPORT", collectionPath, fb, nil)
	assert.Equal(t, http.StatusInsufficientStorage, rec.Code)
	assert.Contains(t, rec.Body.String(), xml.TagNumberOfMatchesWithinLimits)
}
