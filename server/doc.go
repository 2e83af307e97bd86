/*
Package server exposes the calendar engine over CalDAV.

# Basic Usage

Wire a store, an engine and an authenticator together and mount the handler:

	store := memory.New()
	users := authmem.New()
	_ = users.AddUser("alice", "secret", "mailto:alice@example.com")
	eng := engine.New(store, engine.WithDirectory(users), engine.WithACL(users))
	h := server.NewCaldavHandler("/caldav", "Calendar", eng, nil, users, logger)
	http.Handle("/caldav/", h)

Collections are provisioned out of band with the store's CreateCollection;
MKCALENDAR is not offered.

# URL Scheme

DefaultURLConverter lays resources out as:
  - /<userid>/ - principal
  - /<userid>/cal/ - calendar home
  - /<userid>/cal/<calendarid>/ - calendar collection
  - /<userid>/cal/<calendarid>/<uid>.ics - one recurring series and its exceptions

A different layout can be supplied through the URLConverter interface as long
as every path carries the user, collection and object ids.

# Methods

GET, PUT and DELETE act on objects. PUT and DELETE honor If-Match,
If-None-Match and If-Schedule-Tag-Match, and responses carry ETag and
Schedule-Tag headers. GET with a recurrence-id query, such as
?recurrence-id=20240103T090000Z, returns that single occurrence.
PROPFIND answers Depth 0 and 1. REPORT supports sync-collection,
calendar-query (with expand), calendar-multiget and free-busy-query
against collections.

# Errors

Engine and storage failures map to status codes in one place. Typed
precondition violations produce DAV:error bodies, for instance
DAV:valid-sync-token when a sync token has been compacted away.
*/
package server
