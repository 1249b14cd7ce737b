package users

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Service-level sentinels, mapped to HTTP codes at the handler boundary.
var (
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// Service handles registration and credential checks.
type Service struct {
	repo *Repository
}

// NewService creates a service backed by a repository.
func NewService(repo *Repository) *Service {
	return &Service{repo: repo}
}

// RegisterInput is the validated registration request.
type RegisterInput struct {
	Name          string
	Email         string
	Password      string
	Role          string
	StudentNumber string
	Department    string
	Year          string
}

// Register hashes the password and creates the account.
func (s *Service) Register(ctx context.Context, in RegisterInput) (User, error) {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if in.Role == "" {
		in.Role = RoleStudent
	}
	switch in.Role {
	case RoleStudent, RoleTeacher, RoleAdmin:
	default:
		return User{}, errors.New("unknown role: " + in.Role)
	}

	if existing, err := s.repo.GetByEmail(ctx, in.Email); err != nil {
		return User{}, err
	} else if existing != nil {
		return User{}, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, err
	}

	return s.repo.Create(ctx, User{
		Name:          in.Name,
		Email:         in.Email,
		PasswordHash:  string(hash),
		Role:          in.Role,
		StudentNumber: in.StudentNumber,
		Department:    in.Department,
		Year:          in.Year,
	})
}

// Authenticate verifies email+password and returns the account.
func (s *Service) Authenticate(ctx context.Context, email, password string) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	u, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		return User{}, err
	}
	if u == nil {
		return User{}, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return User{}, ErrInvalidCredentials
	}
	return *u, nil
}
