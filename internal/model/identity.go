package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type (
	// Identity is one local wallet key able to send and receive chat messages.
	Identity struct {
		ID        primitive.ObjectID `bson:"_id,omitempty"`
		Label     string             `bson:"label"`
		Address   string             `bson:"address"`
		KeyID     string             `bson:"key_id"`
		PrivKey   []byte             `bson:"priv_key"`
		CreatedAt time.Time          `bson:"created_at"`
	}

	// PublicKeyResponse is served by /pubkey/{address}.
	PublicKeyResponse struct {
		Address string `json:"address"`
		PubKey  []byte `json:"pub_key"`
	}
)
