package server

import (
	"fmt"
	"strings"
)

// ResourceType is the kind of node a request path names.
type ResourceType int

const (
	ResourceUnknown ResourceType = iota
	ResourceServiceRoot
	ResourcePrincipal
	ResourceHomeSet
	ResourceCollection
	ResourceObject
)

func (rt ResourceType) String() string {
	switch rt {
	case ResourceServiceRoot:
		return "service-root"
	case ResourcePrincipal:
		return "principal"
	case ResourceHomeSet:
		return "home-set"
	case ResourceCollection:
		return "collection"
	case ResourceObject:
		return "object"
	default:
		return "unknown"
	}
}

// URLConverter defines the URL layout. A resource must be able to find its
// parents from its path alone, so paths should carry the user, collection
// and object ids.
type URLConverter interface {
	ParsePath(path string) (Resource, error)
	EncodePath(resource Resource) (string, error)
}

// Resource is a parsed request path. ObjectID is the series UID, without
// the .ics suffix.
type Resource struct {
	UserID       string
	CalendarID   string
	ObjectID     string
	ResourceType ResourceType
}

const objectSuffix = ".ics"

// DefaultURLConverter lays paths out as
//
//	/<userid>                            principal
//	/<userid>/cal                        home set
//	/<userid>/cal/<calendarid>           collection
//	/<userid>/cal/<calendarid>/<uid>.ics object
//
// under Prefix.
type DefaultURLConverter struct {
	Prefix string
}

func (c *DefaultURLConverter) ParsePath(path string) (Resource, error) {
	resource := Resource{ResourceType: ResourceUnknown}

	var segments []string
	for _, p := range strings.Split(strings.TrimPrefix(path, c.Prefix), "/") {
		if p != "" {
			segments = append(segments, p)
		}
	}
	if len(segments) >= 2 && segments[1] != "cal" {
		return resource, fmt.Errorf("invalid path %q: expected /<userid>/cal", path)
	}

	switch len(segments) {
	case 0:
		resource.ResourceType = ResourceServiceRoot
	case 1:
		resource.UserID = segments[0]
		resource.ResourceType = ResourcePrincipal
	case 2:
		resource.UserID = segments[0]
		resource.ResourceType = ResourceHomeSet
	case 3:
		resource.UserID = segments[0]
		resource.CalendarID = segments[2]
		resource.ResourceType = ResourceCollection
	case 4:
		if !strings.HasSuffix(segments[3], objectSuffix) || len(segments[3]) == len(objectSuffix) {
			return resource, fmt.Errorf("invalid path %q: objects end in %s", path, objectSuffix)
		}
		resource.UserID = segments[0]
		resource.CalendarID = segments[2]
		resource.ObjectID = strings.TrimSuffix(segments[3], objectSuffix)
		resource.ResourceType = ResourceObject
	default:
		return resource, fmt.Errorf("invalid path %q: too many segments (%d)", path, len(segments))
	}
	return resource, nil
}

func (c *DefaultURLConverter) EncodePath(resource Resource) (string, error) {
	var path string
	switch resource.ResourceType {
	case ResourceServiceRoot:
		path = ""
	case ResourcePrincipal:
		if resource.UserID == "" {
			return "", fmt.Errorf("principal without user id")
		}
		path = resource.UserID + "/"
	case ResourceHomeSet:
		if resource.UserID == "" {
			return "", fmt.Errorf("home set without user id")
		}
		path = resource.UserID + "/cal/"
	case ResourceCollection:
		if resource.UserID == "" || resource.CalendarID == "" {
			return "", fmt.Errorf("collection needs user and calendar id")
		}
		path = resource.UserID + "/cal/" + resource.CalendarID + "/"
	case ResourceObject:
		if resource.UserID == "" || resource.CalendarID == "" || resource.ObjectID == "" {
			return "", fmt.Errorf("object needs user, calendar and object id")
		}
		path = resource.UserID + "/cal/" + resource.CalendarID + "/" + resource.ObjectID + objectSuffix
	default:
		return "", fmt.Errorf("invalid resource type: %s", resource.ResourceType)
	}
	return strings.TrimSuffix(c.Prefix, "/") + "/" + path, nil
}
