// Package alarm reconciles client-submitted alarms with the alarm state the
// server already holds for one user and one component.
package alarm

import (
	"time"

	"github.com/cyp0633/caldora/server/model"
	"github.com/google/uuid"
)

// Mode selects how alarms missing from a payload are treated.
type Mode int

const (
	// Replace is a full component write: stored alarms absent from the
	// payload are removed, unless a surviving alarm still points at them.
	Replace Mode = iota
	// Patch only touches the alarms the payload names.
	Patch
)

func (m Mode) String() string {
	if m == Patch {
		return "patch"
	}
	return "replace"
}

// defaultTrigger is the absolute trigger Apple clients use for the
// "no alarm" placeholder.
var defaultTrigger = time.Date(1976, 4, 1, 0, 55, 45, 0, time.UTC)

var defaultNamespace = uuid.MustParse("6f1f1e4a-2a4f-4d55-9a0c-6b0a52c3f1d2")

// Merge applies incoming patches onto the stored alarms of one user.
//
// Patches are matched by UID, then by action and trigger among the stored
// alarms nothing else matched. Only properties a patch carries are written,
// and an acknowledgment is only ever cleared through ClearAcknowledged.
// Echoed default placeholders are ignored.
func Merge(existing []model.Alarm, incoming []model.AlarmPatch, mode Mode) []model.Alarm {
	out := make([]model.Alarm, 0, len(existing)+len(incoming))
	for _, a := range existing {
		if !a.Default {
			out = append(out, a.Clone())
		}
	}
	matched := make([]bool, len(out))

	for _, p := range incoming {
		if p.Default {
			continue
		}
		i := find(out, matched, p)
		if i < 0 {
			a, ok := create(p)
			if !ok {
				continue
			}
			out = append(out, a)
			matched = append(matched, true)
			continue
		}
		apply(&out[i], p)
		matched[i] = true
	}

	if mode == Patch {
		return out
	}
	return prune(out, matched)
}

func find(alarms []model.Alarm, matched []bool, p model.AlarmPatch) int {
	if p.UID != "" {
		for i, a := range alarms {
			if a.UID == p.UID {
				return i
			}
		}
	}
	action, hasAction := p.Action.Get()
	trigger, hasTrigger := p.Trigger.Get()
	if !hasAction || !hasTrigger {
		return -1
	}
	for i, a := range alarms {
		if !matched[i] && a.Action == action && a.Trigger.Equal(trigger) {
			return i
		}
	}
	return -1
}

func create(p model.AlarmPatch) (model.Alarm, bool) {
	trigger, ok := p.Trigger.Get()
	if !ok {
		return model.Alarm{}, false
	}
	a := model.Alarm{
		UID:         p.UID,
		Action:      p.Action.OrElse(model.AlarmActionDisplay),
		Trigger:     trigger,
		Description: p.Description.OrEmpty(),
		RelatedTo:   p.RelatedTo.OrEmpty(),
		Extra:       p.Extra,
	}
	if a.UID == "" {
		a.UID = uuid.NewString()
	}
	if ack, ok := p.Acknowledged.Get(); ok && !p.ClearAcknowledged {
		a.Acknowledged = &ack
	}
	return a.Clone(), true
}

func apply(a *model.Alarm, p model.AlarmPatch) {
	if v, ok := p.Action.Get(); ok {
		a.Action = v
	}
	if v, ok := p.Trigger.Get(); ok {
		a.Trigger = v
	}
	if v, ok := p.Description.Get(); ok {
		a.Description = v
	}
	if v, ok := p.RelatedTo.Get(); ok {
		a.RelatedTo = v
	}
	switch ack, ok := p.Acknowledged.Get(); {
	case p.ClearAcknowledged:
		a.Acknowledged = nil
	case ok:
		a.Acknowledged = &ack
	}
	if p.Extra != nil {
		a.Extra = p.Extra
	}
	a.Default = false
}

// prune drops unmatched alarms, keeping any alarm reachable through the
// RelatedTo chain of a matched one.
func prune(alarms []model.Alarm, matched []bool) []model.Alarm {
	keep := append([]bool(nil), matched...)
	for changed := true; changed; {
		changed = false
		for i, a := range alarms {
			if !keep[i] || a.RelatedTo == "" {
				continue
			}
			for j, b := range alarms {
				if !keep[j] && b.UID == a.RelatedTo {
					keep[j] = true
					changed = true
				}
			}
		}
	}
	out := alarms[:0]
	for i, a := range alarms {
		if keep[i] {
			out = append(out, a)
		}
	}
	return out
}

// Default returns the disabled placeholder alarm for one component. The
// UID is stable so repeated reads produce the same representation.
func Default(resourceID, key string) model.Alarm {
	at := defaultTrigger
	return model.Alarm{
		UID:     uuid.NewSHA1(defaultNamespace, []byte(resourceID+"/"+key)).String(),
		Action:  model.AlarmActionNone,
		Trigger: model.Trigger{Absolute: &at},
		Default: true,
	}
}

// Visible returns the alarms a client is shown. A client that expects at
// least one alarm gets the placeholder when there is nothing else.
func Visible(alarms []model.Alarm, wantsDefault bool, resourceID, key string) []model.Alarm {
	if len(alarms) > 0 || !wantsDefault {
		return alarms
	}
	return []model.Alarm{Default(resourceID, key)}
}
