package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/lorrc/invoice-tracker/internal/core/domain"
	apperrors "github.com/lorrc/invoice-tracker/internal/core/errors"
	"github.com/lorrc/invoice-tracker/internal/core/ports"
)

// UserService provides account details for the authenticated user.
type UserService struct {
	userRepo ports.UserRepository
}

var _ ports.UserService = (*UserService)(nil)

// NewUserService creates a new UserService.
func NewUserService(userRepo ports.UserRepository) ports.UserService {
	return &UserService{
		userRepo: userRepo,
	}
}

// GetProfile returns the active user with the given ID.
func (s *UserService) GetProfile(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, apperrors.ErrUserNotFound
	}
	return user, nil
}
