package httpapi

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/store"
)

const (
	minUsernameLength = 4
	minPasswordLength = 6
)

var (
	errInvalidAccount = errors.New("invalid account")
	errUsernameTaken  = errors.New("username already exists")
	errDeleteSelf     = errors.New("cannot delete the signed-in account")
	errAdminProtected = errors.New("admin accounts cannot be deleted")
)

func profileOf(acct domain.UserAccount) domain.UserProfile {
	return domain.UserProfile{
		Username:  acct.Username,
		Role:      acct.Role,
		Active:    acct.Active,
		CreatedAt: acct.CreatedAt,
	}
}

func validateNewAccount(username, password string) error {
	switch {
	case len(username) < minUsernameLength:
		return fmt.Errorf("%w: username must be at least %d characters", errInvalidAccount, minUsernameLength)
	case strings.ContainsAny(username, " \t\r\n"):
		return fmt.Errorf("%w: username must not contain spaces", errInvalidAccount)
	case len(strings.TrimSpace(password)) < minPasswordLength:
		return fmt.Errorf("%w: password must be at least %d characters", errInvalidAccount, minPasswordLength)
	}
	return nil
}

// CreateCashier adds an active cashier account with a bcrypt password.
func (a *AuthManager) CreateCashier(ctx context.Context, req domain.CashierCreateRequest) (domain.UserProfile, error) {
	if a.dir == nil {
		return domain.UserProfile{}, errNoDirectory
	}
	username := canonicalUsername(req.Username)
	if err := validateNewAccount(username, req.Password); err != nil {
		return domain.UserProfile{}, err
	}
	hashed, err := hashPassword(req.Password)
	if err != nil {
		return domain.UserProfile{}, fmt.Errorf("hash password: %w", err)
	}

	acct := domain.UserAccount{
		Username:  username,
		Password:  hashed,
		Role:      domain.RoleCashier,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	ctx, cancel := context.WithTimeout(ctx, directoryTimeout)
	defer cancel()
	if err := a.dir.CreateUser(ctx, acct); err != nil {
		if errors.Is(err, store.ErrInvalidTransaction) {
			return domain.UserProfile{}, errUsernameTaken
		}
		return domain.UserProfile{}, err
	}

	log.Info().Str("username", username).Msg("cashier account created")
	return profileOf(acct), nil
}

// ListCashiers returns cashier accounts sorted by username.
func (a *AuthManager) ListCashiers(ctx context.Context) ([]domain.UserProfile, error) {
	if a.dir == nil {
		return nil, errNoDirectory
	}
	ctx, cancel := context.WithTimeout(ctx, directoryTimeout)
	defer cancel()
	accounts, err := a.dir.ListUsers(ctx)
	if err != nil {
		return nil, err
	}

	cashiers := make([]domain.UserProfile, 0, len(accounts))
	for _, acct := range accounts {
		if acct.Role == domain.RoleCashier {
			cashiers = append(cashiers, profileOf(acct))
		}
	}
	slices.SortFunc(cashiers, func(x, y domain.UserProfile) int {
		return strings.Compare(x.Username, y.Username)
	})
	return cashiers, nil
}

// DeleteUser removes a cashier account. Admins cannot remove themselves or
// another admin, so the shop always keeps an administrator.
func (a *AuthManager) DeleteUser(ctx context.Context, actor domain.Actor, username string) error {
	username = canonicalUsername(username)
	if username == canonicalUsername(actor.Username) {
		return errDeleteSelf
	}
	acct, err := a.account(ctx, username)
	if err != nil {
		return err
	}
	if acct.Role == domain.RoleAdmin {
		return errAdminProtected
	}

	ctx, cancel := context.WithTimeout(ctx, directoryTimeout)
	defer cancel()
	if err := a.dir.DeleteUser(ctx, username); err != nil {
		return err
	}
	log.Info().Str("username", username).Str("actor", actor.Username).Msg("user account deleted")
	return nil
}
