package database

import (
	"context"
	"fmt"
	"os"
	"time"

	supabase "github.com/supabase-community/supabase-go"
)

// ============================================================================
// SUPABASE CLIENT - the out-of-scope user-management store boundary
// (spec §1, §4.6: "user identity, billing, and the relational account
// store are out of scope — the Auth Engine addresses them only through a
// lookup of user_id -> active/suspended status").
// ============================================================================

// SupabaseClient wraps the Supabase Go client with the narrow surface the
// tunnel mesh uses from the account store: looking up a user's standing,
// and the create/delete lifecycle C11's operator surface exposes to
// administrators.
type SupabaseClient struct {
	client *supabase.Client
}

// NewSupabaseClient creates a new Supabase client from the SUPABASE_URL /
// SUPABASE_SERVICE_KEY environment variables.
func NewSupabaseClient() (*SupabaseClient, error) {
	url := os.Getenv("SUPABASE_URL")
	key := os.Getenv("SUPABASE_SERVICE_KEY")

	if url == "" || key == "" {
		return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY must be set")
	}

	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}

	return &SupabaseClient{client: client}, nil
}

// ============================================================================
// DATA MODEL
// ============================================================================

// UserStatus values stored in the "status" column.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
)

// User is the single row shape the tunnel mesh cares about in the account
// store: enough to answer "is this client fingerprint allowed to mint a
// tunnel token" and to support operator-driven provisioning/removal.
type User struct {
	UserID      string `json:"user_id"`
	ClientFP    string `json:"client_fp"`
	Status      string `json:"status"`
	GroupID     string `json:"group_id,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
	SuspendedAt string `json:"suspended_at,omitempty"`
}

// ============================================================================
// USER OPERATIONS
// ============================================================================

// GetUser looks up a user by ID, returning (nil, nil) if not found.
func (sc *SupabaseClient) GetUser(ctx context.Context, userID string) (*User, error) {
	var users []User
	_, err := sc.client.From("users").
		Select("*", "", false).
		Eq("user_id", userID).
		ExecuteTo(&users)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if len(users) == 0 {
		return nil, nil
	}
	return &users[0], nil
}

// IsActive reports whether userID exists and is not suspended. The Auth
// Engine in internal/auth does not call it; token issuance there does not
// consult this store.
func (sc *SupabaseClient) IsActive(ctx context.Context, userID string) (bool, error) {
	u, err := sc.GetUser(ctx, userID)
	if err != nil {
		return false, err
	}
	if u == nil {
		return false, nil
	}
	return u.Status == StatusActive, nil
}

// CreateUser inserts a new account row, used by the C11 operator surface's
// CreateUser RPC.
func (sc *SupabaseClient) CreateUser(ctx context.Context, u *User) error {
	if u.Status == "" {
		u.Status = StatusActive
	}
	u.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	var result []User
	_, err := sc.client.From("users").
		Insert(u, false, "", "", "").
		ExecuteTo(&result)
	return err
}

// DeleteUser removes an account row, used by the C11 operator surface's
// DeleteUser RPC. Deletion, not suspension: an operator who wants to keep
// the row around for audit should suspend instead (SuspendUser).
func (sc *SupabaseClient) DeleteUser(ctx context.Context, userID string) error {
	_, _, err := sc.client.From("users").
		Delete("", "").
		Eq("user_id", userID).
		Execute()
	return err
}

// SuspendUser flips a user's status to suspended without deleting the row.
func (sc *SupabaseClient) SuspendUser(ctx context.Context, userID string) error {
	var result []User
	_, err := sc.client.From("users").
		Update(map[string]interface{}{
			"status":       StatusSuspended,
			"suspended_at": time.Now().UTC().Format(time.RFC3339),
		}, "", "").
		Eq("user_id", userID).
		ExecuteTo(&result)
	return err
}

// ListUsers returns up to limit accounts, newest first — backs the
// operator surface's user listing.
func (sc *SupabaseClient) ListUsers(ctx context.Context, limit int) ([]User, error) {
	var users []User
	_, err := sc.client.From("users").
		Select("*", "", false).
		Limit(limit, "").
		Order("created_at", nil).
		ExecuteTo(&users)
	return users, err
}
