package catalog

import "munchclub/pkg/model"

// StanfordDiningHalls is the default seed catalog.
func StanfordDiningHalls() []model.Location {
	return []model.Location{
		{ID: "arrillaga", Name: "Arrillaga Family Dining Commons", Order: 1},
		{ID: "lakeside", Name: "Lakeside Dining", Order: 2},
		{ID: "wilbur", Name: "Wilbur Dining", Order: 3},
		{ID: "stern", Name: "Stern Dining", Order: 4},
		{ID: "branner", Name: "Branner Dining", Order: 5},
		{ID: "casper", Name: "Gerhard Casper Dining Commons", Order: 6},
		{ID: "flomo", Name: "Florence Moore Dining", Order: 7},
		{ID: "evgr", Name: "EVGR Dining", Order: 8},
		{ID: "ricker", Name: "Ricker Dining", Order: 9},
		{ID: "suites", Name: "Suites Dining", Order: 10},
		{ID: "yost", Name: "Yost, Murray, EAST Dining", Order: 11},
		{ID: "row", Name: "Row (Self-Op) Dining", Order: 12},
		{ID: "coop", Name: "Co-Op Dining", Order: 13},
	}
}
