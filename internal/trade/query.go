package trade

import (
	"strings"

	"item-pricing-api/internal/models"
	"item-pricing-api/pkg/utils"
)

// SearchQuery is the document POSTed to the trade search endpoint.
type SearchQuery struct {
	Query QueryBody         `json:"query"`
	Sort  map[string]string `json:"sort,omitempty"`
}

type QueryBody struct {
	Status  StatusFilter  `json:"status"`
	Name    string        `json:"name,omitempty"`
	Type    string        `json:"type,omitempty"`
	Stats   []StatGroup   `json:"stats,omitempty"`
	Filters *QueryFilters `json:"filters,omitempty"`
}

type StatusFilter struct {
	Option string `json:"option"`
}

// StatGroup combines stat filters; the builder only ever emits a single
// "and" group, and omits the stats field entirely when no mod is
// filterable (never an empty group).
type StatGroup struct {
	Type    string       `json:"type"`
	Filters []StatFilter `json:"filters"`
}

type StatFilter struct {
	ID    string      `json:"id"`
	Value *StatBounds `json:"value,omitempty"`
}

type StatBounds struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

type QueryFilters struct {
	Type   *TypeFilterGroup   `json:"type_filters,omitempty"`
	Misc   *MiscFilterGroup   `json:"misc_filters,omitempty"`
	Socket *SocketFilterGroup `json:"socket_filters,omitempty"`
}

type TypeFilterGroup struct {
	Filters TypeFilters `json:"filters"`
}

type TypeFilters struct {
	Rarity *OptionFilter `json:"rarity,omitempty"`
}

type OptionFilter struct {
	Option string `json:"option"`
}

type MiscFilterGroup struct {
	Filters MiscFilters `json:"filters"`
}

type MiscFilters struct {
	ItemLevel *MinMaxFilter `json:"ilvl,omitempty"`
	Quality   *MinMaxFilter `json:"quality,omitempty"`
	Shaper    *OptionFilter `json:"shaper_item,omitempty"`
	Elder     *OptionFilter `json:"elder_item,omitempty"`
	Crusader  *OptionFilter `json:"crusader_item,omitempty"`
	Redeemer  *OptionFilter `json:"redeemer_item,omitempty"`
	Hunter    *OptionFilter `json:"hunter_item,omitempty"`
	Warlord   *OptionFilter `json:"warlord_item,omitempty"`
}

type SocketFilterGroup struct {
	Filters SocketFilters `json:"filters"`
}

type SocketFilters struct {
	Links *MinMaxFilter `json:"links,omitempty"`
}

type MinMaxFilter struct {
	Min *int `json:"min,omitempty"`
	Max *int `json:"max,omitempty"`
}

// statNamespaces are the namespaces a filterable stat ID may carry.
var statNamespaces = map[string]bool{
	"explicit":  true,
	"implicit":  true,
	"pseudo":    true,
	"fractured": true,
	"crafted":   true,
	"enchant":   true,
}

// BuildQuery translates an item description into a search query.
// Pure and total: malformed input degrades to a looser query, never an
// error.
func BuildQuery(item models.ItemDescription) SearchQuery {
	q := SearchQuery{
		Query: QueryBody{Status: StatusFilter{Option: "online"}},
		Sort:  map[string]string{"price": "asc"},
	}

	// Uniques match by exact name, optionally narrowed by base type.
	// Without a unique name the base type is the search term, and the
	// name is a last-resort fallback for items of unknown rarity.
	switch {
	case item.Rarity == models.RarityUnique && item.Name != "":
		q.Query.Name = item.Name
		if item.BaseType != "" {
			q.Query.Type = item.BaseType
		}
	case item.BaseType != "":
		q.Query.Type = item.BaseType
	case item.Name != "":
		q.Query.Type = item.Name
	}

	if item.Rarity != "" {
		typeGroup(&q).Rarity = &OptionFilter{Option: strings.ToLower(item.Rarity)}
	}
	if item.ItemLevel > 0 {
		lvl := item.ItemLevel
		miscGroup(&q).ItemLevel = &MinMaxFilter{Min: &lvl}
	}
	if item.Quality > 0 {
		qual := item.Quality
		miscGroup(&q).Quality = &MinMaxFilter{Min: &qual}
	}
	if item.Links > 0 {
		links := item.Links
		socketGroup(&q).Links = &MinMaxFilter{Min: &links}
	}

	for _, influence := range item.Influences {
		setInfluence(&q, influence)
	}

	var filters []StatFilter
	seen := make(map[string]bool)
	for _, mod := range append(append([]models.Mod{}, item.ImplicitMods...), item.ExplicitMods...) {
		if !filterableStatID(mod.StatID) || seen[mod.StatID] {
			continue
		}
		seen[mod.StatID] = true
		filters = append(filters, StatFilter{ID: mod.StatID, Value: boundsFromText(mod.Text)})
	}
	if len(filters) > 0 {
		q.Query.Stats = []StatGroup{{Type: "and", Filters: filters}}
	}

	return q
}

// filterableStatID reports whether a stat ID is namespaced as
// "<namespace>.<rest>" with a recognized namespace and non-empty rest.
func filterableStatID(id string) bool {
	ns, rest, ok := strings.Cut(id, ".")
	return ok && rest != "" && statNamespaces[ns]
}

// boundsFromText lifts up to two numbers embedded in a mod's display
// text into roll bounds; text without numbers matches any roll.
func boundsFromText(text string) *StatBounds {
	min, max := utils.ExtractBounds(text)
	if min == nil && max == nil {
		return nil
	}
	return &StatBounds{Min: min, Max: max}
}

func setInfluence(q *SearchQuery, name string) {
	switch name {
	case "Shaper":
		miscGroup(q).Shaper = &OptionFilter{Option: "true"}
	case "Elder":
		miscGroup(q).Elder = &OptionFilter{Option: "true"}
	case "Crusader":
		miscGroup(q).Crusader = &OptionFilter{Option: "true"}
	case "Redeemer":
		miscGroup(q).Redeemer = &OptionFilter{Option: "true"}
	case "Hunter":
		miscGroup(q).Hunter = &OptionFilter{Option: "true"}
	case "Warlord":
		miscGroup(q).Warlord = &OptionFilter{Option: "true"}
	}
	// Unrecognized influence names are dropped silently.
}

func ensureFilters(q *SearchQuery) *QueryFilters {
	if q.Query.Filters == nil {
		q.Query.Filters = &QueryFilters{}
	}
	return q.Query.Filters
}

func typeGroup(q *SearchQuery) *TypeFilters {
	f := ensureFilters(q)
	if f.Type == nil {
		f.Type = &TypeFilterGroup{}
	}
	return &f.Type.Filters
}

func miscGroup(q *SearchQuery) *MiscFilters {
	f := ensureFilters(q)
	if f.Misc == nil {
		f.Misc = &MiscFilterGroup{}
	}
	return &f.Misc.Filters
}

func socketGroup(q *SearchQuery) *SocketFilters {
	f := ensureFilters(q)
	if f.Socket == nil {
		f.Socket = &SocketFilterGroup{}
	}
	return &f.Socket.Filters
}

// The relaxation helpers below return edited copies; the relaxation
// state machine in client.go never mutates a query it was handed.

func (q SearchQuery) hasRarity() bool {
	return q.Query.Filters != nil && q.Query.Filters.Type != nil && q.Query.Filters.Type.Filters.Rarity != nil
}

func (q SearchQuery) withoutRarity() SearchQuery {
	if !q.hasRarity() {
		return q
	}
	f := *q.Query.Filters
	f.Type = nil
	q.Query.Filters = &f
	return q
}

func (q SearchQuery) hasStats() bool {
	return len(q.Query.Stats) > 0 && len(q.Query.Stats[0].Filters) > 0
}

func (q SearchQuery) withoutStats() SearchQuery {
	q.Query.Stats = nil
	return q
}

func (q SearchQuery) hasNumericFilters() bool {
	if q.Query.Filters == nil {
		return false
	}
	if q.Query.Filters.Socket != nil && q.Query.Filters.Socket.Filters.Links != nil {
		return true
	}
	return q.Query.Filters.Misc != nil && q.Query.Filters.Misc.Filters.ItemLevel != nil
}

func (q SearchQuery) withoutNumericFilters() SearchQuery {
	if q.Query.Filters == nil {
		return q
	}
	f := *q.Query.Filters
	f.Socket = nil
	if f.Misc != nil {
		misc := f.Misc.Filters
		misc.ItemLevel = nil
		if (misc == MiscFilters{}) {
			f.Misc = nil
		} else {
			f.Misc = &MiscFilterGroup{Filters: misc}
		}
	}
	q.Query.Filters = &f
	return q
}
