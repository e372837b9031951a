package app

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"examprep/pkg/domain"
	"examprep/pkg/store"
)

// Session is the explicit identity passed to every user-scoped operation.
type Session struct {
	User domain.User
}

// UserID is a shorthand for s.User.ID.
func (s Session) UserID() string { return s.User.ID }

// Register creates a user for email and makes it the current identity.
// Identity is trust-the-client: there are no passwords.
func (a *App) Register(ctx context.Context, email string) (Session, error) {
	email, err := validateEmail(email)
	if err != nil {
		return Session{}, err
	}
	a.registerMu.Lock()
	defer a.registerMu.Unlock()

	if _, exists, err := a.store.FindUserByEmail(ctx, email); err != nil {
		return Session{}, fmt.Errorf("lookup user: %w", err)
	} else if exists {
		return Session{}, &ValidationError{Field: "email", Message: msgEmailTaken, Conflict: true}
	}
	user, err := a.store.CreateUser(ctx, email)
	if err != nil {
		return Session{}, fmt.Errorf("create user: %w", err)
	}
	if err := a.store.SetCurrentUser(ctx, user); err != nil {
		return Session{}, err
	}
	return Session{User: user}, nil
}

// Login makes an existing user the current identity.
func (a *App) Login(ctx context.Context, email string) (Session, error) {
	email, err := validateEmail(email)
	if err != nil {
		return Session{}, err
	}
	user, ok, err := a.store.FindUserByEmail(ctx, email)
	if err != nil {
		return Session{}, fmt.Errorf("lookup user: %w", err)
	}
	if !ok {
		return Session{}, &NotFoundError{Resource: "user", Message: msgUserMissing}
	}
	if err := a.store.SetCurrentUser(ctx, user); err != nil {
		return Session{}, err
	}
	return Session{User: user}, nil
}

// Logout clears the current identity and drops the user's in-memory
// planner sessions. Persisted data is untouched.
func (a *App) Logout(ctx context.Context, sess Session) error {
	if err := a.store.ClearCurrentUser(ctx); err != nil {
		return err
	}
	a.plannersMu.Lock()
	for key := range a.planners {
		if key.userID == sess.UserID() {
			delete(a.planners, key)
		}
	}
	a.plannersMu.Unlock()
	return nil
}

// Resume returns the session stored in the current identity slot.
func (a *App) Resume(ctx context.Context) (Session, error) {
	user, ok, err := a.store.CurrentUser(ctx)
	if err != nil {
		return Session{}, err
	}
	if !ok {
		return Session{}, ErrUnauthenticated
	}
	return Session{User: user}, nil
}

// SessionFor resolves a session for an explicit user id.
func (a *App) SessionFor(ctx context.Context, userID string) (Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Session{}, ErrUnauthenticated
	}
	user, ok, err := a.store.GetUser(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	if !ok {
		return Session{}, ErrUnauthenticated
	}
	return Session{User: user}, nil
}

func validateEmail(email string) (string, error) {
	email = store.NormalizeEmail(email)
	if email == "" {
		return "", invalid("email", "email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", invalid("email", "email is invalid")
	}
	return email, nil
}
