package validators

import "go.mongodb.org/mongo-driver/bson"

var LocationValidator = bson.M{
	"$jsonSchema": bson.M{
		"bsonType":             "object",
		"required":             []string{"_id", "name", "order"},
		"additionalProperties": false,
		"properties": bson.M{
			"_id":   bson.M{"bsonType": "string", "maxLength": 64},
			"name":  bson.M{"bsonType": "string", "maxLength": 128},
			"order": bson.M{"bsonType": []string{"int", "long"}, "minimum": 0},
		},
	},
}
