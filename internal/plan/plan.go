// Package plan holds the subscription plan policy table and the quality
// negotiation rules derived from it.
package plan

// Quality is a video rendition tier. Tiers are totally ordered:
// 480p < 720p < 1080p < 4K.
type Quality string

const (
	Quality480p  Quality = "480p"
	Quality720p  Quality = "720p"
	Quality1080p Quality = "1080p"
	Quality4K    Quality = "4K"
)

// qualityRank maps each tier to its position in the total order.
var qualityRank = map[Quality]int{
	Quality480p:  0,
	Quality720p:  1,
	Quality1080p: 2,
	Quality4K:    3,
}

// ascending order, used to build allowed-quality lists.
var qualityOrder = []Quality{Quality480p, Quality720p, Quality1080p, Quality4K}

// ParseQuality normalises a client-supplied quality string.
// Accepts "4k" as an alias for "4K". Returns ok=false for anything else.
func ParseQuality(s string) (Quality, bool) {
	switch s {
	case "480p":
		return Quality480p, true
	case "720p":
		return Quality720p, true
	case "1080p":
		return Quality1080p, true
	case "4K", "4k":
		return Quality4K, true
	}
	return "", false
}

// Rank returns the tier's position in the total order, or -1 for an
// unknown tier.
func (q Quality) Rank() int {
	r, ok := qualityRank[q]
	if !ok {
		return -1
	}
	return r
}

// Plan is immutable reference policy for a subscription tier.
// Resolution always reads the plan referenced by the subscription at
// resolution time; administrators version plans rather than mutate them.
type Plan struct {
	Slug                 string  `json:"slug"`
	Name                 string  `json:"name"`
	PriceCents           int     `json:"price_cents"`
	DurationDays         int     `json:"duration_days"`
	QualityCap           Quality `json:"quality_cap"`
	MaxDevices           int     `json:"max_devices"`
	MaxConcurrentStreams int     `json:"max_concurrent_streams"`
	AdFree               bool    `json:"ad_free"`
	DownloadAllowed      bool    `json:"download_allowed"`
}

// Features is the client-facing feature summary included in stream
// responses.
type Features struct {
	AdFree          bool `json:"adFree"`
	DownloadAllowed bool `json:"downloadAllowed"`
}

// Features returns the plan's feature summary.
func (p Plan) Features() Features {
	return Features{AdFree: p.AdFree, DownloadAllowed: p.DownloadAllowed}
}

// table is the static plan policy table. Keyed by slug.
var table = map[string]Plan{
	"basic": {
		Slug: "basic", Name: "Basic",
		PriceCents: 499, DurationDays: 30,
		QualityCap: Quality480p, MaxDevices: 1, MaxConcurrentStreams: 1,
	},
	"standard": {
		Slug: "standard", Name: "Standard",
		PriceCents: 999, DurationDays: 30,
		QualityCap: Quality720p, MaxDevices: 3, MaxConcurrentStreams: 2,
		DownloadAllowed: true,
	},
	"premium": {
		Slug: "premium", Name: "Premium",
		PriceCents: 1499, DurationDays: 30,
		QualityCap: Quality1080p, MaxDevices: 5, MaxConcurrentStreams: 4,
		AdFree: true, DownloadAllowed: true,
	},
	"ultra": {
		Slug: "ultra", Name: "Ultra",
		PriceCents: 1999, DurationDays: 30,
		QualityCap: Quality4K, MaxDevices: 10, MaxConcurrentStreams: 6,
		AdFree: true, DownloadAllowed: true,
	},
}

// BySlug looks a plan up in the policy table.
func BySlug(slug string) (Plan, bool) {
	p, ok := table[slug]
	return p, ok
}

// Negotiate resolves the serving quality for a request against the plan's
// cap. requested may be empty, meaning "best available": the cap itself.
// A request above the cap is clamped down, never rejected.
func (p Plan) Negotiate(requested Quality) Quality {
	if requested == "" || requested.Rank() < 0 {
		return p.QualityCap
	}
	if requested.Rank() > p.QualityCap.Rank() {
		return p.QualityCap
	}
	return requested
}

// AllowedQualities returns every tier at or below the plan's cap, in
// ascending order.
func (p Plan) AllowedQualities() []Quality {
	out := make([]Quality, 0, len(qualityOrder))
	for _, q := range qualityOrder {
		if q.Rank() <= p.QualityCap.Rank() {
			out = append(out, q)
		}
	}
	return out
}
