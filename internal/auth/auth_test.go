package auth

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/saferemediate/lpe/internal/models"
)

type memUserStore struct {
	users map[string]*models.User
}

func (m *memUserStore) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	return m.users[email], nil
}

func (m *memUserStore) GetUserByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	for _, u := range m.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, nil
}

func (m *memUserStore) CreateUser(_ context.Context, user *models.User) error {
	m.users[user.Email] = user
	return nil
}

func newTestService() (*Service, *memUserStore) {
	store := &memUserStore{users: map[string]*models.User{}}
	svc := NewService(Config{
		JWTSecret:         "test-secret",
		AccessTokenExpiry: time.Minute,
	}, store)
	return svc, store
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if hash == "s3cret" {
		t.Fatal("hash equals plaintext")
	}
	if !CheckPassword("s3cret", hash) {
		t.Error("correct password rejected")
	}
	if CheckPassword("wrong", hash) {
		t.Error("wrong password accepted")
	}
}

func TestLoginAndValidate(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	user, err := svc.Register(ctx, "op@example.com", "hunter22", RoleOperator)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	tokens, err := svc.Login(ctx, "op@example.com", "hunter22")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		t.Fatal("empty token pair")
	}

	claims, err := svc.ValidateToken(tokens.AccessToken)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if claims.Email != "op@example.com" {
		t.Errorf("claims email = %q", claims.Email)
	}
	if claims.Role != RoleOperator {
		t.Errorf("claims role = %q, want operator", claims.Role)
	}
	if claims.UserID != user.ID.String() {
		t.Errorf("claims user_id = %q, want %s", claims.UserID, user.ID)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.Register(ctx, "op@example.com", "hunter22", RoleViewer); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := svc.Login(ctx, "op@example.com", "nope"); err == nil {
		t.Error("login with wrong password succeeded")
	}
	if _, err := svc.Login(ctx, "ghost@example.com", "hunter22"); err == nil {
		t.Error("login for unknown user succeeded")
	}
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.ValidateToken("not-a-jwt"); err == nil {
		t.Error("garbage token accepted")
	}

	ctx := context.Background()
	if _, err := svc.Register(ctx, "x@example.com", "pw123456", RoleViewer); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	tokens, err := svc.Login(ctx, "x@example.com", "pw123456")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	other := NewService(Config{JWTSecret: "different-secret"}, nil)
	if _, err := other.ValidateToken(tokens.AccessToken); err == nil {
		t.Error("token signed with another secret accepted")
	}
}
