// Package domain models resolved locations and the contracts shared by the
// detection, geocoding, and resolution layers.
//
// # Candidates and Records
//
// A [LocationCandidate] is one strategy's unverified answer. The resolver
// scores candidates, sanitizes and validates the best one, and promotes it to a
// [LocationRecord], the only value downstream consumers ever see.
//
// Record invariants:
//
//	lat        ∈ [-90, 90]
//	lon        ∈ [-180, 180]
//	quality    ∈ [0, 100]   derived from validation score and source reliability
//	confidence ∈ [0, 1]
//
// # Sources
//
//	device    coordinates from a position fix, reverse geocoded (confidence 0.95)
//	ip        IP geolocation providers (confidence 0.5–0.7 by provider)
//	timezone  local timezone identifier mapped to a representative city (0.3)
//	geocode   explicit forward or reverse geocoding requests
//	fallback  static record used when every strategy comes back empty
//
// # Accuracy Labels
//
// Labels describe the granularity of a candidate, coarsest last:
//
//	precise  street or better (device fixes under ~100 m)
//	city     locality level (most IP providers)
//	region   state or province level
//	country  country level only
//
// # Selection Score
//
// Candidates are ranked by [SelectionScore]:
//
//	confidence×50 + accuracy bonus (precise 30, city 20, region 10, country 5)
//	              + completeness bonus (5 each for city, state, country, timezone)
//
// A device candidate with a full address therefore always outranks any IP
// candidate, and IP candidates outrank the timezone heuristic.
package domain
