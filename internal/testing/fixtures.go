package testing

import (
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/parcelworld/parcel/internal/database"
	"github.com/parcelworld/parcel/internal/domain"
	"github.com/parcelworld/parcel/internal/modules/lands"
	"github.com/parcelworld/parcel/internal/modules/users"
)

// SilentLogger returns a logger that discards everything.
func SilentLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

// CreateUser inserts a user with the given balance and returns it.
func CreateUser(t *testing.T, db *database.DB, username string, balance int64) *domain.User {
	t.Helper()

	repo := users.NewRepository(db.Conn(), SilentLogger())
	user := &domain.User{
		ID:       uuid.New().String(),
		Username: username,
		Balance:  balance,
	}
	if err := repo.Create(user); err != nil {
		t.Fatalf("Failed to create test user %s: %v", username, err)
	}
	return user
}

// CreateLand inserts a land parcel at (x, y) and returns it. ownerID may be
// empty for unclaimed land.
func CreateLand(t *testing.T, db *database.DB, ownerID string, x, y int, biome domain.Biome) *domain.Land {
	t.Helper()

	repo := lands.NewRepository(db.Conn(), SilentLogger())
	land := &domain.Land{
		ID:    uuid.New().String(),
		X:     x,
		Y:     y,
		Biome: biome,
	}
	if ownerID != "" {
		land.OwnerID = &ownerID
	}
	if err := repo.Create(land); err != nil {
		t.Fatalf("Failed to create test land at (%d,%d): %v", x, y, err)
	}
	return land
}

// SeedMarket inserts one biome market row with the given pool, shares and
// price.
func SeedMarket(t *testing.T, db *database.DB, biome domain.Biome, pool int64, shares float64, price int64) {
	t.Helper()

	_, err := db.Exec(
		`INSERT INTO biome_markets (biome, pool, total_shares, price, updated_at)
		 VALUES (?, ?, ?, ?, strftime('%s','now'))`,
		string(biome), pool, shares, price,
	)
	if err != nil {
		t.Fatalf("Failed to seed market %s: %v", biome, err)
	}
}
