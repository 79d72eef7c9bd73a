package validators

import "go.mongodb.org/mongo-driver/bson"

// MembershipValidator pins the shared per-location document. Member
// entries are replaced wholesale on every write, so each must be complete.
var MembershipValidator = bson.M{
	"$jsonSchema": bson.M{
		"bsonType":             "object",
		"required":             []string{"_id", "members", "updated_at"},
		"additionalProperties": false,
		"properties": bson.M{
			"_id": bson.M{"bsonType": "string", "maxLength": 64},
			"members": bson.M{
				"bsonType": "array",
				"items": bson.M{
					"bsonType": "object",
					"required": []string{"user_id", "display_name", "joined_at", "last_heartbeat_at"},
					"properties": bson.M{
						"user_id":           bson.M{"bsonType": "string", "maxLength": 128},
						"display_name":      bson.M{"bsonType": "string", "maxLength": 64},
						"avatar_ref":        bson.M{"bsonType": "string"},
						"contact_ref":       bson.M{"bsonType": "string"},
						"joined_at":         bson.M{"bsonType": "date"},
						"last_heartbeat_at": bson.M{"bsonType": "date"},
					},
				},
			},
			"updated_at": bson.M{"bsonType": "date"},
		},
	},
}
