package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cartkit/cartkit/internal/domain"
)

type MongoStore struct {
	carts    *mongo.Collection
	bindings *mongo.Collection
}

// Persistence records are kept separate from domain types: prices travel
// as strings so decimal values survive the round-trip exactly.
// SessionKey and UserKey must not carry omitempty: clearing a key to ""
// has to reach the stored document through the $set update, or a
// forgotten or logged-out cart would keep its old identity.
type cartRecord struct {
	ID         string       `bson:"_id"`
	SessionKey string       `bson:"session_key"`
	UserKey    string       `bson:"user_key"`
	State      string       `bson:"state"`
	Items      []itemRecord `bson:"items"`
	CreatedAt  time.Time    `bson:"created_at"`
	UpdatedAt  time.Time    `bson:"updated_at"`
}

// itemRecord is shared with the postgres store, which serializes lines as
// a JSON column.
type itemRecord struct {
	ID         string         `bson:"id" json:"id"`
	TypeName   string         `bson:"type_name" json:"type_name"`
	ProductID  string         `bson:"product_id" json:"product_id"`
	Quantity   int            `bson:"quantity" json:"quantity"`
	UnitPrice  string         `bson:"unit_price" json:"unit_price"`
	Attributes map[string]any `bson:"attributes,omitempty" json:"attributes,omitempty"`
	AddedAt    time.Time      `bson:"added_at" json:"added_at"`
}

type bindingRecord struct {
	Kind   string `bson:"kind"`
	Key    string `bson:"key"`
	CartID string `bson:"cart_id"`
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		carts:    db.Collection("carts"),
		bindings: db.Collection("bindings"),
	}
}

func (m *MongoStore) GetCart(ctx context.Context, cartID string) (*domain.Cart, error) {
	var record cartRecord
	err := m.carts.FindOne(ctx, bson.M{"_id": cartID}).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrCartNotFound
		}
		return nil, fmt.Errorf("failed to get cart: %w", err)
	}
	return recordToCart(&record)
}

func (m *MongoStore) GetCartBySession(ctx context.Context, sessionKey string) (*domain.Cart, error) {
	var record cartRecord
	err := m.carts.FindOne(ctx, bson.M{"session_key": sessionKey}).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrCartNotFound
		}
		return nil, fmt.Errorf("failed to get cart by session: %w", err)
	}
	return recordToCart(&record)
}

func (m *MongoStore) UpsertCart(ctx context.Context, cart *domain.Cart) error {
	now := time.Now()
	if cart.CreatedAt.IsZero() {
		cart.CreatedAt = now
	}
	cart.UpdatedAt = now

	record := cartToRecord(cart)
	filter := bson.M{"_id": cart.ID}
	update := bson.M{"$set": record}
	opts := options.Update().SetUpsert(true)

	_, err := m.carts.UpdateOne(ctx, filter, update, opts)
	if err != nil {
		return fmt.Errorf("failed to upsert cart: %w", err)
	}
	return nil
}

func (m *MongoStore) DeleteCart(ctx context.Context, cartID string) error {
	result, err := m.carts.DeleteOne(ctx, bson.M{"_id": cartID})
	if err != nil {
		return fmt.Errorf("failed to delete cart: %w", err)
	}
	if result.DeletedCount == 0 {
		return ErrCartNotFound
	}
	return nil
}

func (m *MongoStore) GetBinding(ctx context.Context, kind BindingKind, key string) (string, error) {
	var record bindingRecord
	filter := bson.M{"kind": string(kind), "key": key}
	err := m.bindings.FindOne(ctx, filter).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", ErrBindingNotFound
		}
		return "", fmt.Errorf("failed to get binding: %w", err)
	}
	return record.CartID, nil
}

func (m *MongoStore) PutBinding(ctx context.Context, kind BindingKind, key, cartID string) error {
	filter := bson.M{"kind": string(kind), "key": key}
	update := bson.M{"$set": bson.M{"cart_id": cartID}}
	opts := options.Update().SetUpsert(true)

	_, err := m.bindings.UpdateOne(ctx, filter, update, opts)
	if err != nil {
		return fmt.Errorf("failed to put binding: %w", err)
	}
	return nil
}

func (m *MongoStore) DeleteBinding(ctx context.Context, kind BindingKind, key string) error {
	_, err := m.bindings.DeleteOne(ctx, bson.M{"kind": string(kind), "key": key})
	if err != nil {
		return fmt.Errorf("failed to delete binding: %w", err)
	}
	return nil
}

// CreateIndexes sets up the binding uniqueness guarantee and the stale-cart
// TTL. Call once at startup.
func (m *MongoStore) CreateIndexes(ctx context.Context) error {
	cartIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "session_key", Value: 1}},
			Options: options.Index().SetSparse(true),
		},
		{
			Keys:    bson.D{{Key: "updated_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(90 * 24 * 60 * 60), // 90 days TTL
		},
	}
	if _, err := m.carts.Indexes().CreateMany(ctx, cartIndexes); err != nil {
		return fmt.Errorf("failed to create cart indexes: %w", err)
	}

	bindingIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "kind", Value: 1}, {Key: "key", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}
	if _, err := m.bindings.Indexes().CreateMany(ctx, bindingIndexes); err != nil {
		return fmt.Errorf("failed to create binding indexes: %w", err)
	}
	return nil
}

func cartToRecord(cart *domain.Cart) *cartRecord {
	return &cartRecord{
		ID:         cart.ID,
		SessionKey: cart.SessionKey,
		UserKey:    cart.UserKey,
		State:      string(cart.State),
		Items:      itemsToRecords(cart.Items),
		CreatedAt:  cart.CreatedAt,
		UpdatedAt:  cart.UpdatedAt,
	}
}

func recordToCart(record *cartRecord) (*domain.Cart, error) {
	items, err := recordsToItems(record.Items)
	if err != nil {
		return nil, err
	}
	return &domain.Cart{
		ID:         record.ID,
		SessionKey: record.SessionKey,
		UserKey:    record.UserKey,
		State:      domain.CartState(record.State),
		Items:      items,
		CreatedAt:  record.CreatedAt,
		UpdatedAt:  record.UpdatedAt,
	}, nil
}

func itemsToRecords(items []domain.CartItem) []itemRecord {
	records := make([]itemRecord, len(items))
	for i, item := range items {
		records[i] = itemRecord{
			ID:         item.ID,
			TypeName:   item.ProductRef.TypeName,
			ProductID:  item.ProductRef.ProductID,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice.String(),
			Attributes: item.Attributes,
			AddedAt:    item.AddedAt,
		}
	}
	return records
}

func recordsToItems(records []itemRecord) ([]domain.CartItem, error) {
	items := make([]domain.CartItem, len(records))
	for i, record := range records {
		price, err := decimal.NewFromString(record.UnitPrice)
		if err != nil {
			return nil, fmt.Errorf("invalid unit price on item %s: %w", record.ID, err)
		}
		items[i] = domain.CartItem{
			ID:         record.ID,
			ProductRef: domain.ProductRef{TypeName: record.TypeName, ProductID: record.ProductID},
			Quantity:   record.Quantity,
			UnitPrice:  price,
			Attributes: record.Attributes,
			AddedAt:    record.AddedAt,
		}
	}
	return items, nil
}
