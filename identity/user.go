package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrEmailTaken   = errors.New("email already registered")
	ErrInvalidEmail = errors.New("invalid email")
)

type User struct {
	ID        uint64    `gorm:"primaryKey" json:"id"`
	Email     string    `gorm:"size:320;uniqueIndex;not null" json:"email"`
	Name      string    `gorm:"size:255" json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

func (User) TableName() string { return "users" }

// Directory resolves users by id and email. Registration exists so a fresh
// deployment can create accounts; authentication lives elsewhere.
type Directory struct {
	db *gorm.DB
}

func New(db *gorm.DB) (*Directory, error) {
	if err := db.AutoMigrate(&User{}); err != nil {
		return nil, fmt.Errorf("migrate users: %w", err)
	}
	return &Directory{db: db}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (d *Directory) Register(ctx context.Context, email, name string) (*User, error) {
	email = normalizeEmail(email)
	at := strings.IndexByte(email, '@')
	if at < 1 || at == len(email)-1 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEmail, email)
	}
	if name = strings.TrimSpace(name); name == "" {
		name = email[:at]
	}

	if _, err := d.FindUserByEmail(ctx, email); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrEmailTaken, email)
	} else if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	u := User{Email: email, Name: name}
	if err := d.db.WithContext(ctx).Create(&u).Error; err != nil {
		return nil, fmt.Errorf("register %s: %w", email, err)
	}
	return &u, nil
}

// FindUserByEmail matches case-insensitively.
func (d *Directory) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := d.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, email)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (d *Directory) Get(ctx context.Context, id uint64) (*User, error) {
	var u User
	err := d.db.WithContext(ctx).First(&u, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrUserNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
