package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/beevik/etree"

	"github.com/cyp0633/caldora/internal/metrics"
	"github.com/cyp0633/caldora/internal/xml"
	"github.com/cyp0633/caldora/server/auth"
	"github.com/cyp0633/caldora/server/engine"
	"github.com/cyp0633/caldora/server/ical"
	"github.com/cyp0633/caldora/server/storage"
)

const (
	mimeCalendar = "text/calendar; charset=utf-8"
	mimeXML      = "application/xml; charset=utf-8"

	davCapabilities = "1, 3, calendar-access"
	allowedMethods  = "OPTIONS, GET, HEAD, PUT, DELETE, PROPFIND, REPORT"

	headerScheduleTag        = "Schedule-Tag"
	headerIfScheduleTagMatch = "If-Schedule-Tag-Match"
)

// RequestContext holds what ServeHTTP learned about a request before
// dispatching it.
type RequestContext struct {
	Resource  Resource
	Principal engine.Principal
	// Depth is 0, 1, or -1 for infinity.
	Depth int
}

// CaldavHandler serves CalDAV under Prefix.
type CaldavHandler struct {
	Prefix        string
	Realm         string
	Engine        *engine.Engine
	URLConverter  URLConverter
	Authenticator auth.Authenticator
	Logger        *slog.Logger
}

// NewCaldavHandler creates a handler. A nil converter selects
// DefaultURLConverter under prefix; a nil logger discards output.
func NewCaldavHandler(prefix, realm string, eng *engine.Engine, converter URLConverter, authenticator auth.Authenticator, logger *slog.Logger) *CaldavHandler {
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if converter == nil {
		converter = &DefaultURLConverter{Prefix: prefix}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &CaldavHandler{
		Prefix:        prefix,
		Realm:         realm,
		Engine:        eng,
		URLConverter:  converter,
		Authenticator: authenticator,
		Logger:        logger,
	}
}

func (h *CaldavHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.Logger.Debug("request received",
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", metrics.RequestIDFromContext(r.Context()))

	userID, ok := h.checkAuth(w, r)
	if !ok {
		return
	}

	resource, err := h.URLConverter.ParsePath(r.URL.Path)
	if err != nil {
		h.Logger.Info("unparseable path", "path", r.URL.Path, "error", err)
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	ctx := &RequestContext{
		Resource:  resource,
		Principal: engine.Principal{UserID: userID, UserAgent: r.UserAgent()},
		Depth:     parseDepth(r.Header.Get("Depth")),
	}

	switch r.Method {
	case http.MethodOptions:
		h.handleOptions(w, r, ctx)
	case http.MethodGet, http.MethodHead:
		h.handleGet(w, r, ctx)
	case http.MethodPut:
		h.handlePut(w, r, ctx)
	case http.MethodDelete:
		h.handleDelete(w, r, ctx)
	case "PROPFIND":
		h.handlePropfind(w, r, ctx)
	case "REPORT":
		h.handleReport(w, r, ctx)
	default:
		h.Logger.Info("method not allowed", "method", r.Method)
		w.Header().Set("Allow", allowedMethods)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

func parseDepth(v string) int {
	switch strings.TrimSpace(strings.ToLower(v)) {
	case "1":
		return 1
	case "infinity":
		return -1
	default:
		return 0
	}
}

func (h *CaldavHandler) handleOptions(w http.ResponseWriter, _ *http.Request, _ *RequestContext) {
	w.Header().Set("Allow", allowedMethods)
	w.Header().Set("DAV", davCapabilities)
	w.WriteHeader(http.StatusOK)
}

// objectHref renders the path of a series in a collection.
func (h *CaldavHandler) objectHref(userID, collectionID, resourceID string) (string, error) {
	return h.URLConverter.EncodePath(Resource{
		UserID:       userID,
		CalendarID:   collectionID,
		ObjectID:     resourceID,
		ResourceType: ResourceObject,
	})
}

// writeError maps engine and storage failures to CalDAV responses.
func (h *CaldavHandler) writeError(w http.ResponseWriter, err error) {
	var davErr *xml.Error
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrPreconditionFailed):
		status = http.StatusPreconditionFailed
	case errors.Is(err, engine.ErrTokenExpired):
		status = http.StatusForbidden
		davErr = &xml.Error{Namespace: xml.DAV, Tag: xml.TagValidSyncToken}
	case errors.Is(err, engine.ErrNotFoundAfterVisibilityChange), errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrMalformedRule):
		status = http.StatusForbidden
		davErr = &xml.Error{Namespace: xml.CalDAV, Tag: xml.TagValidCalendarObjectResource, Message: err.Error()}
	case errors.Is(err, ical.ErrInvalidCalendar):
		status = http.StatusForbidden
		davErr = &xml.Error{Namespace: xml.CalDAV, Tag: xml.TagValidCalendarData, Message: err.Error()}
	case errors.Is(err, engine.ErrOrphanedRecurrenceID):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrConflictingOverride), errors.Is(err, storage.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrPermissionDenied):
		status = http.StatusForbidden
		davErr = &xml.Error{Namespace: xml.DAV, Tag: xml.TagNeedPrivileges}
	case errors.Is(err, storage.ErrConflict):
		status = http.StatusConflict
		davErr = &xml.Error{Namespace: xml.CalDAV, Tag: xml.TagNoUIDConflict}
	case errors.Is(err, engine.ErrTruncated):
		status = http.StatusInsufficientStorage
		davErr = &xml.Error{Namespace: xml.DAV, Tag: xml.TagNumberOfMatchesWithinLimits}
	case errors.Is(err, storage.ErrStorageUnavailable):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		h.Logger.Error("request failed", "status", status, "error", err)
	} else {
		h.Logger.Info("request rejected", "status", status, "error", err)
	}

	if davErr == nil {
		msg := http.StatusText(status)
		if status < http.StatusInternalServerError {
			msg = msg + ": " + err.Error()
		}
		http.Error(w, msg, status)
		return
	}
	h.writeXML(w, status, davErr.Document())
}

func (h *CaldavHandler) writeXML(w http.ResponseWriter, status int, doc *etree.Document) {
	doc.Indent(2)
	body, err := doc.WriteToBytes()
	if err != nil {
		h.Logger.Error("failed to encode xml", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", mimeXML)
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		h.Logger.Warn("failed to write response", "error", err)
	}
}
