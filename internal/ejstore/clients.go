package ejstore

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ejdispatch/ej/internal/ejmodel"
)

var ErrNotFound = errors.New("ejstore: not found")

// CreateClient persists a new client with zero permissions.
func (s *Store) CreateClient(name, passwordHash string) (ejmodel.Client, error) {
	c := ejmodel.Client{ID: uuid.NewString(), Name: name, PasswordHash: passwordHash}
	_, err := s.conn.Exec(`INSERT INTO clients (id, name, password_hash) VALUES (?, ?, ?)`, c.ID, c.Name, c.PasswordHash)
	if err != nil {
		return ejmodel.Client{}, fmt.Errorf("inserting client: %w", err)
	}
	return c, nil
}

// GrantPermission adds a permission to a client's set. Idempotent.
func (s *Store) GrantPermission(clientID, permission string) error {
	_, err := s.conn.Exec(
		`INSERT OR IGNORE INTO client_permissions (client_id, permission) VALUES (?, ?)`,
		clientID, permission,
	)
	if err != nil {
		return fmt.Errorf("granting permission: %w", err)
	}
	return nil
}

// GrantAllPermissions grants every recognized permission — used for
// CreateRootUser on the admin side-channel (§4.E), which creates a client
// with every permission when no client yet exists.
func (s *Store) GrantAllPermissions(clientID string) error {
	for _, p := range []string{
		ejmodel.PermBuilder, ejmodel.PermBuilderCreate, ejmodel.PermClientCreate, ejmodel.PermClientDispatch,
	} {
		if err := s.GrantPermission(clientID, p); err != nil {
			return err
		}
	}
	return nil
}

// ClientCount reports how many clients exist, used to gate CreateRootUser.
func (s *Store) ClientCount() (int, error) {
	var n int
	if err := s.conn.QueryRow(`SELECT COUNT(*) FROM clients`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting clients: %w", err)
	}
	return n, nil
}

// FetchClientByName looks up a client by its unique name.
func (s *Store) FetchClientByName(name string) (ejmodel.Client, error) {
	var c ejmodel.Client
	err := s.conn.QueryRow(`SELECT id, name, password_hash FROM clients WHERE name = ?`, name).
		Scan(&c.ID, &c.Name, &c.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return ejmodel.Client{}, ErrNotFound
	}
	if err != nil {
		return ejmodel.Client{}, fmt.Errorf("fetching client by name: %w", err)
	}
	return c, nil
}

// FetchPermissions returns the set of permission strings granted to a
// client.
func (s *Store) FetchPermissions(clientID string) ([]string, error) {
	rows, err := s.conn.Query(`SELECT permission FROM client_permissions WHERE client_id = ?`, clientID)
	if err != nil {
		return nil, fmt.Errorf("fetching permissions: %w", err)
	}
	defer rows.Close()

	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// CreateBuilder persists a new builder owned by ownerID with the given
// long-lived token.
func (s *Store) CreateBuilder(ownerID, token string) (ejmodel.Builder, error) {
	b := ejmodel.Builder{ID: uuid.NewString(), OwnerID: ownerID, Token: token}
	_, err := s.conn.Exec(`INSERT INTO builders (id, owner_id, token) VALUES (?, ?, ?)`, b.ID, b.OwnerID, b.Token)
	if err != nil {
		return ejmodel.Builder{}, fmt.Errorf("inserting builder: %w", err)
	}
	return b, nil
}

// FetchBuilder looks up a builder by id. It does not check any token; the
// caller compares the returned Token with the one presented.
func (s *Store) FetchBuilder(id string) (ejmodel.Builder, error) {
	var b ejmodel.Builder
	err := s.conn.QueryRow(`SELECT id, owner_id, token FROM builders WHERE id = ?`, id).
		Scan(&b.ID, &b.OwnerID, &b.Token)
	if errors.Is(err, sql.ErrNoRows) {
		return ejmodel.Builder{}, ErrNotFound
	}
	if err != nil {
		return ejmodel.Builder{}, fmt.Errorf("fetching builder: %w", err)
	}
	return b, nil
}
