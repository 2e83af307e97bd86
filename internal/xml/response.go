package xml

import (
	"errors"
	"fmt"

	"github.com/beevik/etree"
)

// MultistatusResponse is a 207 body. SyncToken is set only when answering
// sync-collection.
type MultistatusResponse struct {
	Responses []Response
	SyncToken string
}

// Response is one DAV:response. It carries either a Status for the whole
// href or a list of PropStats.
type Response struct {
	Href      string
	PropStats []PropStat
	Error     *Error
	Status    string
}

type PropStat struct {
	Props  []Property
	Status string
}

// Parse replaces m with the contents of doc.
func (m *MultistatusResponse) Parse(doc *etree.Document) error {
	if doc == nil || doc.Root() == nil {
		return errors.New("empty document")
	}
	root := doc.Root()
	if root.Tag != TagMultistatus {
		return fmt.Errorf("expected multistatus, got %s", root.Tag)
	}

	*m = MultistatusResponse{}
	if tok := child(root, TagSyncToken); tok != nil {
		m.SyncToken = tok.Text()
	}
	for _, e := range children(root, TagResponse) {
		m.Responses = append(m.Responses, parseResponse(e))
	}
	return nil
}

func parseResponse(e *etree.Element) Response {
	var r Response
	if href := child(e, TagHref); href != nil {
		r.Href = href.Text()
	}
	if st := child(e, TagStatus); st != nil {
		r.Status = st.Text()
	}
	if errElem := child(e, TagError); errElem != nil {
		r.Error = errorOf(errElem)
	}
	for _, ps := range children(e, TagPropstat) {
		var stat PropStat
		if prop := child(ps, TagProp); prop != nil {
			for _, p := range prop.ChildElements() {
				stat.Props = append(stat.Props, propertyOf(p))
			}
		}
		if st := child(ps, TagStatus); st != nil {
			stat.Status = st.Text()
		}
		r.PropStats = append(r.PropStats, stat)
	}
	return r
}

// ToXML renders m with the D, C and CS prefixes declared on the root.
func (m *MultistatusResponse) ToXML() *etree.Document {
	doc := newDocument()
	root := doc.CreateElement(TagMultistatus)
	root.Space = prefixOf(DAV)
	AddNamespaces(doc)

	for _, r := range m.Responses {
		r.writeTo(davElement(root, TagResponse))
	}
	if m.SyncToken != "" {
		davElement(root, TagSyncToken).SetText(m.SyncToken)
	}
	return doc
}

func (r Response) writeTo(e *etree.Element) {
	davElement(e, TagHref).SetText(r.Href)
	if r.Status != "" {
		davElement(e, TagStatus).SetText(r.Status)
	}
	for _, stat := range r.PropStats {
		ps := davElement(e, TagPropstat)
		prop := davElement(ps, TagProp)
		for _, p := range stat.Props {
			prop.AddChild(p.element())
		}
		davElement(ps, TagStatus).SetText(stat.Status)
	}
	if r.Error != nil {
		e.AddChild(r.Error.element())
	}
}

// Found looks name up among the properties reported with 200 OK.
func (r *Response) Found(name string) (*Property, bool) {
	ok := StatusLine(200)
	for i := range r.PropStats {
		if r.PropStats[i].Status != ok {
			continue
		}
		props := r.PropStats[i].Props
		for j := range props {
			if props[j].Name == name {
				return &props[j], true
			}
		}
	}
	return nil, false
}
