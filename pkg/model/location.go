package model

// Location is a seeded place users can be present at. Read-only to the
// presence core.
type Location struct {
	ID    string `json:"id" bson:"_id" validate:"required,max=64"`
	Name  string `json:"name" bson:"name" validate:"required,max=128"`
	Order int    `json:"order" bson:"order" validate:"min=0"`
}
