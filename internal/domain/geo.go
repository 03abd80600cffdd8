package domain

// GeoInfo is the IP-derived location attached to devices and session history.
// All fields are optional; an empty GeoInfo means the lookup was unavailable.
type GeoInfo struct {
	Country   string  `json:"country,omitempty"`
	City      string  `json:"city,omitempty"`
	TimeZone  string  `json:"time_zone,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
}

// Known reports whether any location data was resolved.
func (g GeoInfo) Known() bool {
	return g.Country != "" || g.City != "" || g.TimeZone != ""
}
