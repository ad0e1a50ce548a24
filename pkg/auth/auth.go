//go:generate go run go.uber.org/mock/mockgen -source=auth.go -destination=mocks/mock_auth.go -package=mocks

// Package auth verifies login credentials for the relay. The relay treats
// an Authenticator as opaque: it never sees or stores password hashes.
package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidUsername    = errors.New("invalid username")
	ErrUserExists         = errors.New("user already exists")
	ErrUnknownUser        = errors.New("unknown user")
)

// Authenticator decides whether a username/secret pair may log in.
// Verify returns nil on success and an error wrapping
// ErrInvalidCredentials on rejection; any other error is an
// infrastructure failure.
type Authenticator interface {
	Verify(ctx context.Context, username, secret string) error
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, username, secret string) error

func (f AuthenticatorFunc) Verify(ctx context.Context, username, secret string) error {
	return f(ctx, username, secret)
}

// Credentials is the validated shape of a login attempt.
type Credentials struct {
	Username string `validate:"required,max=32,username"`
	Secret   string `validate:"max=256"`
}

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return usernamePattern.MatchString(fl.Field().String())
	})
	return v
}

// ValidateCredentials checks the shape of a login attempt before any
// lookup happens.
func ValidateCredentials(username, secret string) error {
	err := validate.Struct(Credentials{Username: username, Secret: secret})
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
		}
		return fmt.Errorf("%w: %s", ErrInvalidUsername, strings.Join(fields, ", "))
	}
	return err
}

// AcceptAll admits any well-formed username regardless of secret. It is the
// "open" auth mode, suited to LAN parties and tests.
type AcceptAll struct{}

func (AcceptAll) Verify(_ context.Context, username, secret string) error {
	if err := ValidateCredentials(username, secret); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	return nil
}

// HashSecret returns a bcrypt hash suitable for Static or Store.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}

func compareSecret(hash, secret string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrInvalidCredentials
		}
		return fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	return nil
}

// Static verifies against a fixed set of bcrypt hashes, typically from the
// [auth] users table of the server config.
type Static struct {
	users map[string]string
}

func NewStatic(users map[string]string) *Static {
	copied := make(map[string]string, len(users))
	for name, hash := range users {
		copied[name] = hash
	}
	return &Static{users: copied}
}

func (s *Static) Verify(_ context.Context, username, secret string) error {
	if err := ValidateCredentials(username, secret); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	hash, ok := s.users[username]
	if !ok {
		return ErrInvalidCredentials
	}
	return compareSecret(hash, secret)
}

var (
	_ Authenticator = AcceptAll{}
	_ Authenticator = (*Static)(nil)
	_ Authenticator = AuthenticatorFunc(nil)
)
