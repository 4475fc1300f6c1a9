package fireview

import (
	"context"
	"fmt"
	"os"

	"cloud.google.com/go/firestore"
)

// IConnection is the Firestore handle shared by the remote store and the
// mutation writer. A connection carrying a transaction routes writes through it.
type IConnection interface {
	Validate() error
	GetClient() *firestore.Client
	GetTransaction() *firestore.Transaction
	HasTransaction() bool
	HasClient() bool
	Close() error
	SetTransaction(tx *firestore.Transaction) IConnection
	Doc(key DocumentKey) *firestore.DocumentRef
}

type Connection struct {
	client      *firestore.Client
	transaction *firestore.Transaction
}

func NewConnection(client *firestore.Client, transaction ...*firestore.Transaction) *Connection {
	c := &Connection{client: client}
	if len(transaction) > 0 && transaction[0] != nil {
		c.transaction = transaction[0]
	}
	return c
}

// Connect opens a client for the configured project and database. An
// emulator host in the config takes precedence over the environment.
func Connect(ctx context.Context, config FirestoreConfig) (*Connection, error) {
	if config.EmulatorHost != "" {
		// the firestore client only reads the emulator address from the environment
		if err := os.Setenv("FIRESTORE_EMULATOR_HOST", config.EmulatorHost); err != nil {
			return nil, err
		}
	}
	projectID := config.ProjectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	databaseID := config.DatabaseID
	if databaseID == "" {
		databaseID = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	return NewConnection(client), nil
}

func (c *Connection) Validate() error {
	if !c.HasClient() {
		return fmt.Errorf("firestore client is required")
	}
	return nil
}

func (c *Connection) GetClient() *firestore.Client {
	return c.client
}

func (c *Connection) GetTransaction() *firestore.Transaction {
	return c.transaction
}

func (c *Connection) HasTransaction() bool {
	return c.transaction != nil
}

func (c *Connection) HasClient() bool {
	return c.client != nil
}

func (c *Connection) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func (c *Connection) SetTransaction(tx *firestore.Transaction) IConnection {
	c.transaction = tx
	return c
}

// Doc resolves a document key against the client's database.
func (c *Connection) Doc(key DocumentKey) *firestore.DocumentRef {
	return c.client.Doc(key.String())
}
