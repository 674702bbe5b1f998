package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"chat-insights/internal/domain"
)

// Registry maps phone numbers to stable user ids.
type Registry struct {
	users UserStore
	log   *slog.Logger
}

func NewRegistry(users UserStore, logger *slog.Logger) (*Registry, error) {
	if users == nil {
		return nil, errors.New("usecase: user store must not be nil")
	}
	return &Registry{users: users, log: componentLogger(logger, "identity")}, nil
}

// Identify returns the user registered for phone, creating it on first sight.
func (r *Registry) Identify(ctx context.Context, phone string) (domain.User, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return domain.User{}, newError(ErrorInvalidInput, "empty_phone", nil)
	}
	user, err := r.users.GetOrCreateUser(ctx, domain.User{
		ID:          newUUID(),
		PhoneNumber: phone,
		CreatedAt:   now(),
	})
	if err != nil {
		return domain.User{}, newError(ErrorInternal, "store_user_error", err)
	}
	return user, nil
}

// Lookup returns the user registered for phone without creating one.
func (r *Registry) Lookup(ctx context.Context, phone string) (domain.User, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return domain.User{}, newError(ErrorInvalidInput, "empty_phone", nil)
	}
	user, err := r.users.FindUserByPhone(ctx, phone)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.User{}, newError(ErrorNotFound, "user_not_registered", nil)
	}
	if err != nil {
		return domain.User{}, newError(ErrorInternal, "store_user_error", err)
	}
	return user, nil
}

// DisplayName returns the phone number of userID, or nil when the id is
// unknown.
func (r *Registry) DisplayName(ctx context.Context, userID string) (*string, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, nil
	}
	user, err := r.users.GetUser(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, newError(ErrorInternal, "store_user_error", err)
	}
	phone := user.PhoneNumber
	return &phone, nil
}

func componentLogger(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return logger.With("component", component)
}
