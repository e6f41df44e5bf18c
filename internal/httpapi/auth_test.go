package httpapi

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/store"
)

type directoryStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *directoryStub) GetUser(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func (s *directoryStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	if _, exists := s.users[user.Username]; exists {
		return store.ErrInvalidTransaction
	}
	s.users[user.Username] = user
	return nil
}

func (s *directoryStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *directoryStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func (s *directoryStub) DeleteUser(_ context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[username]; !ok {
		return store.ErrNotFound
	}
	delete(s.users, username)
	return nil
}

func plainAdminStore() *directoryStub {
	return &directoryStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  "admin123",
				Role:      domain.RoleAdmin,
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	dir := plainAdminStore()

	manager := NewAuthManager("test-secret", time.Hour, dir)
	if dir.updates != 0 {
		t.Fatalf("password must not be rewritten before a successful login")
	}
	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "wrong-pass"}); !errors.Is(err, errInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	_, err := manager.Login(context.Background(), domain.LoginRequest{
		Username: "admin",
		Password: "admin123",
	})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	stored, err := dir.GetUser(context.Background(), "admin")
	if err != nil {
		t.Fatalf("get user failed: %v", err)
	}
	if stored.Password == "admin123" || !strings.HasPrefix(stored.Password, "$2") {
		t.Fatalf("expected bcrypt password hash, got %s", stored.Password)
	}
	if dir.updates != 1 {
		t.Fatalf("expected a single rehash, got %d", dir.updates)
	}

	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "ADMIN ", Password: "admin123"}); err != nil {
		t.Fatalf("login against the upgraded hash failed: %v", err)
	}
	if dir.updates != 1 {
		t.Fatalf("hashed password must not be rewritten again, got %d updates", dir.updates)
	}
}

func TestCreateCashierStoresPasswordHash(t *testing.T) {
	dir := plainAdminStore()
	ctx := context.Background()

	manager := NewAuthManager("test-secret", time.Hour, dir)
	cashier, err := manager.CreateCashier(ctx, domain.CashierCreateRequest{
		Username: "Wanjiku",
		Password: "pass1234",
	})
	if err != nil {
		t.Fatalf("create cashier failed: %v", err)
	}
	if cashier.Username != "wanjiku" || cashier.Role != domain.RoleCashier {
		t.Fatalf("unexpected cashier %+v", cashier)
	}

	users, err := dir.ListUsers(ctx)
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	var found *domain.UserAccount
	for i := range users {
		if users[i].Username == "wanjiku" {
			found = &users[i]
			break
		}
	}
	if found == nil {
		t.Fatalf("expected cashier to be saved")
	}
	if !strings.HasPrefix(found.Password, "$2") {
		t.Fatalf("expected bcrypt hash prefix, got %s", found.Password)
	}

	if _, err := manager.Login(ctx, domain.LoginRequest{Username: "wanjiku", Password: "pass1234"}); err != nil {
		t.Fatalf("login with hashed cashier failed: %v", err)
	}
	if _, err := manager.CreateCashier(ctx, domain.CashierCreateRequest{Username: "wanjiku", Password: "pass1234"}); !errors.Is(err, errUsernameTaken) {
		t.Fatalf("expected duplicate cashier to be rejected, got %v", err)
	}
	if _, err := manager.CreateCashier(ctx, domain.CashierCreateRequest{Username: "abc", Password: "pass1234"}); !errors.Is(err, errInvalidAccount) {
		t.Fatalf("expected short username to be rejected, got %v", err)
	}

	cashiers, err := manager.ListCashiers(ctx)
	if err != nil {
		t.Fatalf("list cashiers: %v", err)
	}
	if len(cashiers) != 1 || cashiers[0].Username != "wanjiku" {
		t.Fatalf("expected only the new cashier to be listed, got %+v", cashiers)
	}
}

func TestParseTokenRoundTripAndRejectsForeignTokens(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, plainAdminStore())

	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.Username != "admin" || actor.Role != domain.RoleAdmin {
		t.Fatalf("unexpected actor %+v", actor)
	}

	other := NewAuthManager("another-secret", time.Hour, nil)
	if _, err := other.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}

	expired, err := manager.sign("admin", domain.RoleAdmin, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := manager.ParseToken(expired); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}

	none := jwtlib.NewWithClaims(jwtlib.SigningMethodNone, jwtlib.MapClaims{"sub": "admin", "role": "admin", "iss": "dukapos"})
	unsigned, err := none.SignedString(jwtlib.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := manager.ParseToken(unsigned); err == nil {
		t.Fatalf("expected unsigned token to be rejected")
	}
}

func TestAuthenticateFollowsDirectory(t *testing.T) {
	dir := plainAdminStore()
	ctx := context.Background()
	manager := NewAuthManager("test-secret", time.Hour, dir)

	if _, err := manager.CreateCashier(ctx, domain.CashierCreateRequest{Username: "akinyi", Password: "pass1234"}); err != nil {
		t.Fatalf("create cashier: %v", err)
	}
	resp, err := manager.Login(ctx, domain.LoginRequest{Username: "akinyi", Password: "pass1234"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	actor, err := manager.Authenticate(ctx, resp.AccessToken)
	if err != nil || actor.Username != "akinyi" || actor.Role != domain.RoleCashier {
		t.Fatalf("unexpected actor %+v (err %v)", actor, err)
	}

	dir.mu.Lock()
	acct := dir.users["akinyi"]
	acct.Active = false
	dir.users["akinyi"] = acct
	dir.mu.Unlock()
	if _, err := manager.Authenticate(ctx, resp.AccessToken); !errors.Is(err, errAccountInactive) {
		t.Fatalf("expected deactivated account to be refused, got %v", err)
	}

	if err := manager.DeleteUser(ctx, domain.Actor{Username: "admin", Role: domain.RoleAdmin}, "akinyi"); err != nil {
		t.Fatalf("delete user: %v", err)
	}
	if _, err := manager.Authenticate(ctx, resp.AccessToken); !errors.Is(err, errAccountGone) {
		t.Fatalf("expected token of deleted account to be refused, got %v", err)
	}
	if _, err := manager.ParseToken(resp.AccessToken); err != nil {
		t.Fatalf("signature alone should still verify: %v", err)
	}
}

func TestDeleteUserGuardsAdmins(t *testing.T) {
	dir := plainAdminStore()
	ctx := context.Background()
	manager := NewAuthManager("test-secret", time.Hour, dir)
	admin := domain.Actor{Username: "admin", Role: domain.RoleAdmin}

	dir.users["owner"] = domain.UserAccount{Username: "owner", Password: "$2a$placeholder", Role: domain.RoleAdmin, Active: true}

	if err := manager.DeleteUser(ctx, admin, " Admin"); !errors.Is(err, errDeleteSelf) {
		t.Fatalf("expected self delete to be refused, got %v", err)
	}
	if err := manager.DeleteUser(ctx, admin, "owner"); !errors.Is(err, errAdminProtected) {
		t.Fatalf("expected admin delete to be refused, got %v", err)
	}
	if err := manager.DeleteUser(ctx, admin, "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown user, got %v", err)
	}
	if len(dir.users) != 2 {
		t.Fatalf("refused deletes must leave accounts in place, got %d", len(dir.users))
	}
}

func TestMeOmitsPassword(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, plainAdminStore())

	profile, err := manager.Me(context.Background(), "admin")
	if err != nil {
		t.Fatalf("me: %v", err)
	}
	if profile.Username != "admin" || profile.Role != domain.RoleAdmin || !profile.Active {
		t.Fatalf("unexpected profile %+v", profile)
	}
	if _, err := manager.Me(context.Background(), "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
