package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lorrc/invoice-tracker/internal/core/domain"
	"github.com/lorrc/invoice-tracker/internal/core/errors"
	"github.com/lorrc/invoice-tracker/internal/core/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRepos struct {
	users     ports.UserRepository
	customers ports.CustomerRepository
	invoices  ports.InvoiceRepository
	tx        *TransactionManager
}

// newTestRepos is a helper to create repos for a test.
func newTestRepos(t *testing.T) testRepos {
	require.NotNil(t, testPool, "testPool is nil. TestMain may not have run.")

	return testRepos{
		users:     NewUserRepository(testPool),
		customers: NewCustomerRepository(testPool),
		invoices:  NewInvoiceRepository(testPool),
		tx:        NewTransactionManager(testPool),
	}
}

// createTestUser inserts a user with a unique email.
func createTestUser(t *testing.T, repo ports.UserRepository) *domain.User {
	t.Helper()
	user := &domain.User{
		ID:             uuid.New(),
		FullName:       "Test User",
		Email:          fmt.Sprintf("user-%s@example.com", uuid.NewString()),
		HashedPassword: "hashedpassword",
		IsActive:       true,
		CreatedAt:      time.Now().UTC(),
	}
	created, err := repo.Create(context.Background(), user)
	require.NoError(t, err, "Failed to create user")
	return created
}

func TestUserRepository_CreateGet(t *testing.T) {
	ctx := context.Background()
	repos := newTestRepos(t)

	// 1. Create a new user
	createdUser := createTestUser(t, repos.users)

	// 2. Get the user by email
	foundUser, err := repos.users.GetByEmail(ctx, createdUser.Email)
	require.NoError(t, err, "Failed to get user by email")

	// 3. Assert values are correct
	assert.Equal(t, createdUser.ID, foundUser.ID)
	assert.Equal(t, "Test User", foundUser.FullName)
	assert.Equal(t, "hashedpassword", foundUser.HashedPassword)
	assert.True(t, foundUser.IsActive)

	// 4. Get the user by ID
	foundUserByID, err := repos.users.GetByID(ctx, createdUser.ID)
	require.NoError(t, err, "Failed to get user by ID")
	assert.Equal(t, createdUser.Email, foundUserByID.Email)
}

func TestUserRepository_DuplicateEmail(t *testing.T) {
	ctx := context.Background()
	repos := newTestRepos(t)

	existing := createTestUser(t, repos.users)
	duplicate := &domain.User{
		ID:             uuid.New(),
		FullName:       "Someone Else",
		Email:          existing.Email,
		HashedPassword: "hashedpassword",
		CreatedAt:      time.Now().UTC(),
	}

	_, err := repos.users.Create(ctx, duplicate)
	assert.ErrorIs(t, err, errors.ErrUserExists)
}

func TestUserRepository_GetByEmail_NotFound(t *testing.T) {
	ctx := context.Background()
	repos := newTestRepos(t)

	_, err := repos.users.GetByEmail(ctx, "nonexistent@example.com")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUserNotFound)

	_, err = repos.users.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, errors.ErrUserNotFound)
}
