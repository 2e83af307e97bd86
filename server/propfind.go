package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/samber/mo"

	"github.com/cyp0633/caldora/internal/xml"
	"github.com/cyp0633/caldora/server/ical"
	"github.com/cyp0633/caldora/server/model"
	"github.com/cyp0633/caldora/server/view"
)

var errNoProperty = errors.New("property not available")

// resolver renders one property of the resource in env.
type resolver func(env *propEnv) mo.Result[xml.Property]

// propEnv loads what resolvers need on first use.
type propEnv struct {
	h   *CaldavHandler
	ctx context.Context
	rc  *RequestContext
	res Resource

	collection *model.Collection
	state      *model.ViewState
	projection *view.Projection
	// occurrences replaces the full series in calendar-data when set.
	occurrences []view.Component
	expanded    bool
	syncToken   string
}

func (e *propEnv) Collection() (*model.Collection, error) {
	if e.collection != nil {
		return e.collection, nil
	}
	c, _, err := e.h.Engine.Collection(e.ctx, e.res.CalendarID, e.rc.Principal)
	if err != nil {
		return nil, err
	}
	e.collection = c
	return c, nil
}

func (e *propEnv) Projection() (*view.Projection, error) {
	if e.projection != nil {
		return e.projection, nil
	}
	p, err := e.h.Engine.Get(e.ctx, e.res.CalendarID, e.res.ObjectID, e.rc.Principal)
	if err != nil {
		return nil, err
	}
	e.projection = p
	return p, nil
}

func (e *propEnv) SyncToken() (string, error) {
	if e.syncToken != "" {
		return e.syncToken, nil
	}
	d, err := e.h.Engine.Delta(e.ctx, e.res.CalendarID, "", e.rc.Principal)
	if err != nil {
		return "", err
	}
	e.syncToken = d.Token
	return e.syncToken, nil
}

func (e *propEnv) href(r Resource) mo.Result[xml.Property] {
	path, err := e.h.URLConverter.EncodePath(r)
	if err != nil {
		return mo.Err[xml.Property](err)
	}
	return mo.Ok(xml.Property{
		Children: []xml.Property{{Name: xml.TagHref, Namespace: xml.DAV, TextContent: path}},
	})
}

func named(name, ns string, r mo.Result[xml.Property]) mo.Result[xml.Property] {
	p, err := r.Get()
	if err != nil {
		return r
	}
	p.Name, p.Namespace = name, ns
	return mo.Ok(p)
}

func text(v string) mo.Result[xml.Property] {
	return mo.Ok(xml.Property{TextContent: v})
}

func onlyFor(env *propEnv, types ...ResourceType) error {
	for _, t := range types {
		if env.res.ResourceType == t {
			return nil
		}
	}
	return errNoProperty
}

// propNamespaces lists every property the server knows, with its namespace.
var propNamespaces = map[string]string{
	"resourcetype":                     xml.DAV,
	"displayname":                      xml.DAV,
	"getetag":                          xml.DAV,
	"getcontenttype":                   xml.DAV,
	"sync-token":                       xml.DAV,
	"current-user-principal":           xml.DAV,
	"owner":                            xml.DAV,
	"calendar-home-set":                xml.CalDAV,
	"calendar-data":                    xml.CalDAV,
	"schedule-tag":                     xml.CalDAV,
	"supported-calendar-component-set": xml.CalDAV,
	"getctag":                          xml.CalendarServer,
}

var resolvers = map[string]resolver{
	"resourcetype": func(env *propEnv) mo.Result[xml.Property] {
		var kids []xml.Property
		switch env.res.ResourceType {
		case ResourcePrincipal:
			kids = []xml.Property{{Name: "principal", Namespace: xml.DAV}}
		case ResourceHomeSet, ResourceServiceRoot:
			kids = []xml.Property{{Name: "collection", Namespace: xml.DAV}}
		case ResourceCollection:
			kids = []xml.Property{{Name: "collection", Namespace: xml.DAV}, {Name: "calendar", Namespace: xml.CalDAV}}
		}
		return mo.Ok(xml.Property{Children: kids})
	},
	"displayname": func(env *propEnv) mo.Result[xml.Property] {
		switch env.res.ResourceType {
		case ResourcePrincipal:
			return text(env.res.UserID)
		case ResourceCollection:
			c, err := env.Collection()
			if err != nil {
				return mo.Err[xml.Property](err)
			}
			if c.DisplayName == "" {
				return text(c.ID)
			}
			return text(c.DisplayName)
		}
		return mo.Err[xml.Property](errNoProperty)
	},
	"getetag": func(env *propEnv) mo.Result[xml.Property] {
		if err := onlyFor(env, ResourceObject); err != nil {
			return mo.Err[xml.Property](err)
		}
		if env.projection == nil && env.state != nil && env.rc.Principal.UserID == env.res.UserID {
			return text(env.state.ETag)
		}
		p, err := env.Projection()
		if err != nil {
			return mo.Err[xml.Property](err)
		}
		return text(p.ETag)
	},
	"schedule-tag": func(env *propEnv) mo.Result[xml.Property] {
		if err := onlyFor(env, ResourceObject); err != nil {
			return mo.Err[xml.Property](err)
		}
		p, err := env.Projection()
		if err != nil {
			return mo.Err[xml.Property](err)
		}
		return text(p.ScheduleTag)
	},
	"getcontenttype": func(env *propEnv) mo.Result[xml.Property] {
		if err := onlyFor(env, ResourceObject); err != nil {
			return mo.Err[xml.Property](err)
		}
		return text("text/calendar; charset=utf-8; component=VEVENT")
	},
	"calendar-data": func(env *propEnv) mo.Result[xml.Property] {
		if err := onlyFor(env, ResourceObject); err != nil {
			return mo.Err[xml.Property](err)
		}
		p, err := env.Projection()
		if err != nil {
			return mo.Err[xml.Property](err)
		}
		var buf bytes.Buffer
		if env.expanded {
			err = ical.EncodeOccurrences(&buf, p, env.occurrences)
		} else {
			err = ical.Encode(&buf, p)
		}
		if err != nil {
			return mo.Err[xml.Property](err)
		}
		return text(buf.String())
	},
	"sync-token": func(env *propEnv) mo.Result[xml.Property] {
		if err := onlyFor(env, ResourceCollection); err != nil {
			return mo.Err[xml.Property](err)
		}
		token, err := env.SyncToken()
		if err != nil {
			return mo.Err[xml.Property](err)
		}
		return text(token)
	},
	"getctag": func(env *propEnv) mo.Result[xml.Property] {
		if err := onlyFor(env, ResourceCollection); err != nil {
			return mo.Err[xml.Property](err)
		}
		token, err := env.SyncToken()
		if err != nil {
			return mo.Err[xml.Property](err)
		}
		return text(token)
	},
	"current-user-principal": func(env *propEnv) mo.Result[xml.Property] {
		return env.href(Resource{UserID: env.rc.Principal.UserID, ResourceType: ResourcePrincipal})
	},
	"owner": func(env *propEnv) mo.Result[xml.Property] {
		if env.res.UserID == "" {
			return mo.Err[xml.Property](errNoProperty)
		}
		return env.href(Resource{UserID: env.res.UserID, ResourceType: ResourcePrincipal})
	},
	"calendar-home-set": func(env *propEnv) mo.Result[xml.Property] {
		if err := onlyFor(env, ResourcePrincipal); err != nil {
			return mo.Err[xml.Property](err)
		}
		return env.href(Resource{UserID: env.res.UserID, ResourceType: ResourceHomeSet})
	},
	"supported-calendar-component-set": func(env *propEnv) mo.Result[xml.Property] {
		if err := onlyFor(env, ResourceCollection); err != nil {
			return mo.Err[xml.Property](err)
		}
		return mo.Ok(xml.Property{Children: []xml.Property{{
			Name:       "comp",
			Namespace:  xml.CalDAV,
			Attributes: map[string]string{"name": "VEVENT"},
		}}})
	},
}

// allProps is what a PROPFIND without a prop list returns per type.
var allProps = map[ResourceType][]string{
	ResourceServiceRoot: {"resourcetype", "current-user-principal"},
	ResourcePrincipal:   {"resourcetype", "displayname", "current-user-principal", "calendar-home-set"},
	ResourceHomeSet:     {"resourcetype", "owner"},
	ResourceCollection:  {"resourcetype", "displayname", "owner", "sync-token", "getctag", "supported-calendar-component-set"},
	ResourceObject:      {"getetag", "getcontenttype", "schedule-tag"},
}

// resolve renders the requested properties of one resource. Properties
// that do not apply or fail to load are reported in a 404 propstat.
func (h *CaldavHandler) resolve(env *propEnv, names []string) xml.Response {
	href, err := h.URLConverter.EncodePath(env.res)
	if err != nil {
		href = ""
	}
	if names == nil {
		names = allProps[env.res.ResourceType]
	}

	resp := xml.Response{Href: href}
	var found, missing []xml.Property
	for _, name := range names {
		ns := propNamespaces[name]
		var res mo.Result[xml.Property]
		if fn, ok := resolvers[name]; ok {
			res = named(name, ns, fn(env))
		} else {
			res = mo.Err[xml.Property](errNoProperty)
		}
		if p, err := res.Get(); err == nil {
			found = append(found, p)
			continue
		} else if !errors.Is(err, errNoProperty) {
			h.Logger.Debug("property unavailable", "href", href, "property", name, "error", err)
		}
		missing = append(missing, xml.Property{Name: name, Namespace: ns})
	}
	if len(found) > 0 {
		resp.PropStats = append(resp.PropStats, xml.PropStat{Props: found, Status: xml.StatusLine(http.StatusOK)})
	}
	if len(missing) > 0 {
		resp.PropStats = append(resp.PropStats, xml.PropStat{Props: missing, Status: xml.StatusLine(http.StatusNotFound)})
	}
	return resp
}

func (h *CaldavHandler) env(ctx context.Context, rc *RequestContext, res Resource) *propEnv {
	return &propEnv{h: h, ctx: ctx, rc: rc, res: res}
}

func (h *CaldavHandler) handlePropfind(w http.ResponseWriter, r *http.Request, rc *RequestContext) {
	names, err := xml.ParsePropfind(r.Body)
	if err != nil {
		h.Logger.Info("invalid propfind body", "error", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	ms := &xml.MultistatusResponse{}

	switch rc.Resource.ResourceType {
	case ResourceServiceRoot, ResourcePrincipal:
		ms.Responses = append(ms.Responses, h.resolve(h.env(ctx, rc, rc.Resource), names))

	case ResourceHomeSet:
		ms.Responses = append(ms.Responses, h.resolve(h.env(ctx, rc, rc.Resource), names))
		if rc.Depth != 0 {
			collections, err := h.Engine.Collections(ctx, rc.Resource.UserID, rc.Principal)
			if err != nil {
				h.writeError(w, err)
				return
			}
			for i := range collections {
				env := h.env(ctx, rc, Resource{UserID: rc.Resource.UserID, CalendarID: collections[i].ID, ResourceType: ResourceCollection})
				env.collection = &collections[i]
				ms.Responses = append(ms.Responses, h.resolve(env, names))
			}
		}

	case ResourceCollection:
		c, _, err := h.collection(ctx, rc)
		if err != nil {
			h.writeError(w, err)
			return
		}
		env := h.env(ctx, rc, rc.Resource)
		env.collection = c
		ms.Responses = append(ms.Responses, h.resolve(env, names))
		if rc.Depth != 0 {
			resources, err := h.Engine.Materialize(ctx, c.ID, model.Window{}, rc.Principal)
			if err != nil {
				h.writeError(w, err)
				return
			}
			for _, res := range resources {
				env := h.env(ctx, rc, Resource{UserID: c.Owner, CalendarID: c.ID, ObjectID: res.Projection.ResourceID, ResourceType: ResourceObject})
				env.projection = res.Projection
				ms.Responses = append(ms.Responses, h.resolve(env, names))
			}
		}

	case ResourceObject:
		if _, _, err := h.collection(ctx, rc); err != nil {
			h.writeError(w, err)
			return
		}
		env := h.env(ctx, rc, rc.Resource)
		if _, err := env.Projection(); err != nil {
			h.writeError(w, err)
			return
		}
		ms.Responses = append(ms.Responses, h.resolve(env, names))

	default:
		h.writeError(w, fmt.Errorf("propfind on %s", rc.Resource.ResourceType))
		return
	}

	h.writeXML(w, http.StatusMultiStatus, ms.ToXML())
}
