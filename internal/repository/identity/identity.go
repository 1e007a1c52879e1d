package identity

import (
	"context"
	"fmt"
	"time"

	"xchat/internal/address"
	"xchat/internal/cryptographic/dh"
	"xchat/internal/model"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	IdentityRepo struct {
		collection *mongo.Collection
	}
)

func NewIdentityRepo(db *mongo.Database) *IdentityRepo {
	return &IdentityRepo{
		collection: db.Collection("identities"),
	}
}

func (r *IdentityRepo) GetByKeyID(ctx context.Context, keyID address.KeyID) (*model.Identity, error) {
	return r.findOne(ctx, bson.M{"key_id": keyID.String()})
}

func (r *IdentityRepo) GetByAddress(ctx context.Context, addr string) (*model.Identity, error) {
	return r.findOne(ctx, bson.M{"address": addr})
}

func (r *IdentityRepo) GetByLabel(ctx context.Context, label string) (*model.Identity, error) {
	return r.findOne(ctx, bson.M{"label": label})
}

func (r *IdentityRepo) Addresses(ctx context.Context) ([]string, error) {
	opts := options.Find().
		SetProjection(bson.M{"address": 1}).
		SetSort(bson.M{"created_at": 1})

	cur, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var res []string
	for cur.Next(ctx) {
		var id model.Identity
		if err := cur.Decode(&id); err != nil {
			return nil, err
		}
		res = append(res, id.Address)
	}
	return res, cur.Err()
}

func (r *IdentityRepo) Create(ctx context.Context, identity *model.Identity) (primitive.ObjectID, error) {
	res, err := r.collection.InsertOne(ctx, identity)
	if err != nil {
		return primitive.NilObjectID, err
	}

	id := res.InsertedID.(primitive.ObjectID)
	identity.ID = id
	return id, nil
}

// Generate creates and stores a fresh key.
func (r *IdentityRepo) Generate(ctx context.Context, label string) (*model.Identity, error) {
	priv, _, err := dh.NewKeyPair()
	if err != nil {
		return nil, err
	}
	defer priv.Zero()

	identity := New(label, priv, time.Now())
	if _, err := r.Create(ctx, identity); err != nil {
		return nil, err
	}
	return identity, nil
}

// PrivateKey returns the signing key for addr, or nil when the address is not
// one of ours.
func (r *IdentityRepo) PrivateKey(ctx context.Context, addr string) (*secp256k1.PrivateKey, error) {
	identity, err := r.GetByAddress(ctx, addr)
	if err != nil || identity == nil {
		return nil, err
	}
	return Key(identity)
}

func (r *IdentityRepo) findOne(ctx context.Context, filter bson.M) (*model.Identity, error) {
	var identity model.Identity
	err := r.collection.FindOne(ctx, filter).Decode(&identity)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &identity, nil
}

// New builds the keyring document for priv.
func New(label string, priv *secp256k1.PrivateKey, now time.Time) *model.Identity {
	keyID := address.FromPublicKey(priv.PubKey(), true)
	return &model.Identity{
		Label:     label,
		Address:   address.Encode(keyID),
		KeyID:     keyID.String(),
		PrivKey:   priv.Serialize(),
		CreatedAt: now.UTC(),
	}
}

// Key parses the stored private key and checks it still matches the address.
func Key(identity *model.Identity) (*secp256k1.PrivateKey, error) {
	priv, err := dh.ParsePrivateKey(identity.PrivKey)
	if err != nil {
		return nil, err
	}
	if address.FromPublicKeyString(priv.PubKey()) != identity.Address {
		priv.Zero()
		return nil, fmt.Errorf("%w: key does not match %s", dh.ErrInvalidKey, identity.Address)
	}
	return priv, nil
}
