package models

// Rarity tokens accepted on ItemDescription. Unknown values are passed
// through to the upstream service lowercased rather than rejected.
const (
	RarityNormal = "Normal"
	RarityMagic  = "Magic"
	RarityRare   = "Rare"
	RarityUnique = "Unique"
)

// Aggregation modes for a price request.
const (
	ModeMedian = "median"
	ModeLowest = "lowest"
)

// ItemDescription is the untrusted inbound description of an item.
// A zero/absent field means "do not filter on this attribute".
type ItemDescription struct {
	Name         string   `json:"name,omitempty"`
	BaseType     string   `json:"baseType,omitempty"`
	Rarity       string   `json:"rarity,omitempty"`
	ItemLevel    int      `json:"itemLevel,omitempty"`
	Quality      int      `json:"quality,omitempty"`
	Links        int      `json:"links,omitempty"`
	Influences   []string `json:"influences,omitempty"`
	ImplicitMods []Mod    `json:"implicitMods,omitempty"`
	ExplicitMods []Mod    `json:"explicitMods,omitempty"`
}

// Mod is a single item modifier. StatID, when usable, is namespaced as
// "<namespace>.<rest>"; mods without a usable StatID are simply not
// filterable and never an error.
type Mod struct {
	StatID string `json:"statId,omitempty"`
	Text   string `json:"text,omitempty"`
}

type PriceRequest struct {
	League string           `json:"league"`
	Item   *ItemDescription `json:"item"`
	Mode   string           `json:"mode,omitempty"` // median (default) or lowest
}

// PriceObservation is one (amount, currency) price point taken from a
// live listing.
type PriceObservation struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// PriceSummary is the aggregated result. Min, Median and Max are either
// all present (non-empty sample) or all absent (empty sample). Sample
// carries every retained observation across all currencies; the three
// statistics reflect only the dominant currency.
type PriceSummary struct {
	Min          *PriceObservation  `json:"min,omitempty"`
	Median       *PriceObservation  `json:"median,omitempty"`
	Max          *PriceObservation  `json:"max,omitempty"`
	Sample       []PriceObservation `json:"sample"`
	TotalResults int                `json:"total_results"`
}

type PriceResponse struct {
	PriceInfo PriceSummary `json:"priceInfo"`
	SearchURL string       `json:"searchUrl"`
	Duration  string       `json:"duration,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}
