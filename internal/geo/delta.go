package geo

// Delta penalty tiers for comparing a resolved location against the
// location baseline.
const (
	DeltaSameCity         = 0.0
	DeltaSameRegion       = 3.0
	DeltaSameCountry      = 7.0
	DeltaDifferentCountry = 12.0
	DeltaNoBaseline       = 15.0
)

// Delta reason codes
const (
	ReasonSameCity         = "geo_same_city"
	ReasonSameRegion       = "geo_same_region"
	ReasonSameCountry      = "geo_same_country"
	ReasonDifferentCountry = "geo_different_country"
	ReasonNoBaseline       = "geo_no_baseline"
)

// Delta compares the current location against a baseline location and
// returns the penalty tier plus its reason code. A nil baseline yields
// the no-baseline tier; comparison is by labels only, finest match wins.
func Delta(current, baseline *Location) (float64, string) {
	if baseline == nil {
		return DeltaNoBaseline, ReasonNoBaseline
	}

	sameCountry := current.ISOCode != "" && current.ISOCode == baseline.ISOCode
	if !sameCountry {
		return DeltaDifferentCountry, ReasonDifferentCountry
	}
	if current.City != "" && current.City == baseline.City {
		return DeltaSameCity, ReasonSameCity
	}
	if current.Region != "" && current.Region == baseline.Region {
		return DeltaSameRegion, ReasonSameRegion
	}
	return DeltaSameCountry, ReasonSameCountry
}
