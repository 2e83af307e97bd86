package xml

import "github.com/beevik/etree"

const (
	DAV            = "DAV:"
	CalDAV         = "urn:ietf:params:xml:ns:caldav"
	CalendarServer = "http://calendarserver.org/ns/"
)

// bindings are declared on the root of every document this package writes,
// in this order.
var bindings = []struct{ prefix, uri string }{
	{"D", DAV},
	{"C", CalDAV},
	{"CS", CalendarServer},
}

// AddNamespaces declares the D, C and CS prefixes on the document root.
func AddNamespaces(doc *etree.Document) {
	if root := doc.Root(); root != nil {
		for _, b := range bindings {
			root.CreateAttr("xmlns:"+b.prefix, b.uri)
		}
	}
}

// prefixOf is the prefix bound to uri, or "" for a namespace outside the
// bindings.
func prefixOf(uri string) string {
	for _, b := range bindings {
		if b.uri == uri {
			return b.prefix
		}
	}
	return ""
}

func davElement(parent *etree.Element, tag string) *etree.Element {
	e := parent.CreateElement(tag)
	e.Space = prefixOf(DAV)
	return e
}
