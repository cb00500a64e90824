package hetzner

import (
	"sort"
)

// DefaultLocation is used for "us-east" and for any region not listed in
// the table below.
const DefaultLocation = "ash"

var regionLocations = map[string]string{
	"us-east":      "ash",
	"us-west":      "hil",
	"eu-central":   "fsn1",
	"eu-west":      "nbg1",
	"eu-north":     "hel1",
	"ap-southeast": "sin",
}

// LocationFor maps a logical region to a provider location code. Unknown
// regions fall back to DefaultLocation.
func LocationFor(region string) string {
	if loc, ok := regionLocations[region]; ok {
		return loc
	}
	return DefaultLocation
}

type Region struct {
	Name     string `json:"name"`
	Location string `json:"location"`
}

func Regions() []Region {
	out := make([]Region, 0, len(regionLocations))
	for name, loc := range regionLocations {
		out = append(out, Region{Name: name, Location: loc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
