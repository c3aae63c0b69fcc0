package domain

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/lorrc/invoice-tracker/internal/core/errors"
	"golang.org/x/crypto/bcrypt"
)

const (
	MinPasswordLength = 8
	// bcrypt only reads the first 72 bytes.
	MaxPasswordLength = 72
	MaxFullNameLength = 255
	MaxEmailLength    = 255
)

// User is an account that owns invoices and customers.
type User struct {
	ID             uuid.UUID
	FullName       string
	Email          string
	HashedPassword string
	CreatedAt      time.Time
	IsActive       bool
}

// Registration is the sign-up form.
type Registration struct {
	FullName string
	Email    string
	Password string
}

// Validate reports every invalid field at once.
func (r Registration) Validate() error {
	errs := apperrors.NewValidationErrors()

	name := strings.TrimSpace(r.FullName)
	switch {
	case name == "":
		errs.Add("fullName", "Full name is required")
	case len(name) > MaxFullNameLength:
		errs.Add("fullName", fmt.Sprintf("Full name must be %d characters or less", MaxFullNameLength))
	}

	if !isValidEmail(r.Email) {
		errs.Add("email", "Invalid email address")
	}

	switch {
	case len(r.Password) < MinPasswordLength:
		errs.Add("password", fmt.Sprintf("Password must be at least %d characters long", MinPasswordLength))
	case len(r.Password) > MaxPasswordLength:
		errs.Add("password", fmt.Sprintf("Password must be %d bytes or less", MaxPasswordLength))
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// NewUser validates the registration and hashes its password.
func NewUser(reg Registration) (*User, error) {
	if err := reg.Validate(); err != nil {
		return nil, err
	}

	hash, err := HashPassword(reg.Password)
	if err != nil {
		return nil, err
	}

	return &User{
		ID:             uuid.New(),
		FullName:       strings.TrimSpace(reg.FullName),
		Email:          reg.Email,
		HashedPassword: hash,
		CreatedAt:      time.Now().UTC(),
		IsActive:       true,
	}, nil
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// isValidEmail accepts a bare address only, without a display name.
func isValidEmail(email string) bool {
	if len(email) > MaxEmailLength {
		return false
	}
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}

// CheckPassword reports whether password matches the stored hash.
func (u *User) CheckPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(u.HashedPassword), []byte(password)) == nil
}
