package xml

import (
	"fmt"
	"net/http"

	"github.com/beevik/etree"
)

const (
	TagProp         = "prop"
	TagMultistatus  = "multistatus"
	TagResponse     = "response"
	TagHref         = "href"
	TagPropstat     = "propstat"
	TagStatus       = "status"
	TagError        = "error"
	TagGetETag      = "getetag"
	TagSyncToken    = "sync-token"
	TagSyncLevel    = "sync-level"
	TagCalendarData = "calendar-data"
	TagScheduleTag  = "schedule-tag"
	TagFilter       = "filter"
	TagCompFilter   = "comp-filter"
	TagTimeRange    = "time-range"
	TagExpand       = "expand"
	TagPropfind     = "propfind"

	// Preconditions carried inside DAV:error.
	TagValidSyncToken              = "valid-sync-token"
	TagValidCalendarObjectResource = "valid-calendar-object-resource"
	TagValidCalendarData           = "valid-calendar-data"
	TagNoUIDConflict               = "no-uid-conflict"
	TagNeedPrivileges              = "need-privileges"
	TagNumberOfMatchesWithinLimits = "number-of-matches-within-limits"
)

// Property is one WebDAV property value, possibly nested.
type Property struct {
	Name        string
	Namespace   string
	TextContent string
	Children    []Property
	Attributes  map[string]string
}

func (p Property) element() *etree.Element {
	e := etree.NewElement(p.Name)
	e.Space = prefixOf(p.Namespace)
	if p.TextContent != "" {
		e.SetText(p.TextContent)
	}
	for k, v := range p.Attributes {
		e.CreateAttr(k, v)
	}
	for _, c := range p.Children {
		e.AddChild(c.element())
	}
	return e
}

// propertyOf reads e and its subtree. Namespace declarations are not kept
// as attributes.
func propertyOf(e *etree.Element) Property {
	p := Property{Name: e.Tag, Namespace: e.NamespaceURI(), TextContent: e.Text()}
	for _, a := range e.Attr {
		if a.Space == "xmlns" || a.Key == "xmlns" {
			continue
		}
		if p.Attributes == nil {
			p.Attributes = map[string]string{}
		}
		p.Attributes[a.Key] = a.Value
	}
	for _, c := range e.ChildElements() {
		p.Children = append(p.Children, propertyOf(c))
	}
	return p
}

// Error is a failed precondition or postcondition, rendered as DAV:error
// with Tag as its single child.
type Error struct {
	Namespace string
	Tag       string
	Message   string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Tag
	}
	return e.Tag + ": " + e.Message
}

func (e *Error) element() *etree.Element {
	root := etree.NewElement(TagError)
	root.Space = prefixOf(DAV)
	cond := root.CreateElement(e.Tag)
	cond.Space = prefixOf(e.Namespace)
	if e.Message != "" {
		cond.SetText(e.Message)
	}
	return root
}

func errorOf(e *etree.Element) *Error {
	c := e.ChildElements()
	if len(c) == 0 {
		return nil
	}
	return &Error{Namespace: c[0].NamespaceURI(), Tag: c[0].Tag, Message: c[0].Text()}
}

// Document is the error as a response body of its own.
func (e *Error) Document() *etree.Document {
	doc := newDocument()
	doc.AddChild(e.element())
	AddNamespaces(doc)
	return doc
}

func newDocument() *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)
	return doc
}

// StatusLine formats code as a DAV:status value.
func StatusLine(code int) string {
	return fmt.Sprintf("HTTP/1.1 %d %s", code, http.StatusText(code))
}
