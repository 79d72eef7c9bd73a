package client

import (
	"context"
	"errors"
	"time"

	"munchclub/pkg/logger"

	"github.com/dgraph-io/badger/v4"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Client holds the store connections a service opened at startup.
type Client struct {
	Mongo  *mongo.Client
	Badger *badger.DB
}

func NewClient() *Client {
	return &Client{}
}

func (c *Client) SetMongo(log *logger.Logger, mongoURI string, mongoConnTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), mongoConnTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURI))
	if err != nil {
		log.Fatal("Failed to connect to MongoDB", "error", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		log.Fatal("Failed to ping MongoDB", "error", err)
	}

	log.Info("Successfully connected to MongoDB")
	c.Mongo = client
}

func (c *Client) SetBadger(log *logger.Logger, path string) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		log.Fatal("Failed to open badger", "error", err, "path", path)
	}

	log.Info("Successfully opened badger", "path", path, "in_memory", path == "")
	c.Badger = db
}

// Ping checks whichever stores are open.
func (c *Client) Ping(ctx context.Context) error {
	if c.Mongo != nil {
		if err := c.Mongo.Ping(ctx, nil); err != nil {
			return err
		}
	}
	if c.Badger != nil && c.Badger.IsClosed() {
		return errors.New("badger is closed")
	}
	return nil
}

func (c *Client) GracefulShutdown(ctx context.Context) error {
	var errs []error
	if c.Mongo != nil {
		errs = append(errs, c.Mongo.Disconnect(ctx))
	}
	if c.Badger != nil {
		errs = append(errs, c.Badger.Close())
	}
	return errors.Join(errs...)
}
