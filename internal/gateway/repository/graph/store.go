package graph

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("graph node not found")
)

type User struct {
	ID               string
	Email            string
	Balance          decimal.Decimal
	Earmarked        decimal.Decimal
	PromotionApplied bool
	CreatedAt        time.Time
}

// Category is owned by one user; Name is unique per user and lower case.
type Category struct {
	ID          string
	UserID      string
	Name        string
	Description string
	Colour      string
	CreatedAt   time.Time
}

// CategoryDetails is generated once, when a category is first created.
type CategoryDetails struct {
	Description string
	Colour      string
}

// Message is a UserPrompt node. It is created blank and populated when
// the workflow finishes.
type Message struct {
	ID         string
	UserID     string
	CategoryID string
	Prompt     string
	Response   string
	Time       time.Time
	Cost       decimal.Decimal
	Populated  bool
}

type MessageUpdate struct {
	Prompt     string
	Response   string
	Time       time.Time
	CategoryID string
}

type File struct {
	ID           string
	UserID       string
	CategoryID   string
	Name         string
	Size         int64
	Summary      string
	Structure    string
	Version      int
	UserPromptID string
	Time         time.Time
}

type NewFile struct {
	UserID       string
	CategoryID   string
	Name         string
	Size         int64
	Summary      string
	UserPromptID string
}

type UserTopic struct {
	UserID  string
	Name    string
	Content string
}

// Store is the persistence façade the request pipeline depends on. Balance
// and earmark updates are single atomic writes.
type Store interface {
	EnsureUser(ctx context.Context, id, email string, promotion decimal.Decimal) (User, error)
	GetUser(ctx context.Context, id string) (User, error)
	Balance(ctx context.Context, userID string) (balance, earmarked decimal.Decimal, err error)
	// Earmark moves amount from balance to earmarked if the resulting
	// balance stays at or above floor. ok is false when it would not.
	Earmark(ctx context.Context, userID string, amount, floor decimal.Decimal) (earmarked decimal.Decimal, ok bool, err error)
	// UpdateBalance adds delta to balance and subtracts release from earmarked.
	UpdateBalance(ctx context.Context, userID string, delta, release decimal.Decimal) error
	ExpenseNode(ctx context.Context, nodeID string, amount decimal.Decimal) error
	ExpenseFunctionality(ctx context.Context, userID, name string, amount decimal.Decimal) error
	FunctionalityCosts(ctx context.Context, userID string) (map[string]decimal.Decimal, error)

	CreateMessageNode(ctx context.Context, userID string) (string, error)
	PopulateMessageNode(ctx context.Context, id string, update MessageUpdate) error
	GetMessage(ctx context.Context, id string) (Message, error)

	CreateFileNode(ctx context.Context, f NewFile) (File, error)
	GetFile(ctx context.Context, id string) (File, error)
	// LatestFile returns the highest version of name in the category.
	LatestFile(ctx context.Context, categoryID, name string) (File, error)

	GetOrCreateCategory(ctx context.Context, userID, name string, details func(context.Context) (CategoryDetails, error)) (Category, bool, error)
	ListCategories(ctx context.Context, userID string) ([]Category, error)

	UpsertUserTopic(ctx context.Context, topic UserTopic) error
	ListUserTopics(ctx context.Context, userID string) ([]UserTopic, error)

	Close() error
}

// NormalizeCategory lower-cases and trims a category name.
func NormalizeCategory(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
