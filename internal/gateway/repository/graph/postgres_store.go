package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PostgresStore keeps the user graph in relational tables: nodes are rows
// and edges are foreign keys.
type PostgresStore struct {
	db         *sql.DB
	schemaOnce sync.Once
	schemaErr  error
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL DEFAULT '',
    balance NUMERIC(20, 10) NOT NULL DEFAULT 0,
    earmarked NUMERIC(20, 10) NOT NULL DEFAULT 0 CHECK (earmarked >= 0),
    promotion_applied BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS user_functionality_costs (
    user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    cost NUMERIC(20, 10) NOT NULL DEFAULT 0,
    PRIMARY KEY (user_id, name)
);
CREATE TABLE IF NOT EXISTS categories (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    colour TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
    UNIQUE(user_id, name)
);
CREATE TABLE IF NOT EXISTS user_prompts (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    category_id TEXT NOT NULL DEFAULT '',
    prompt TEXT NOT NULL DEFAULT '',
    response TEXT NOT NULL DEFAULT '',
    time TIMESTAMP WITH TIME ZONE,
    cost NUMERIC(20, 10) NOT NULL DEFAULT 0,
    populated BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE TABLE IF NOT EXISTS files (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    category_id TEXT NOT NULL,
    name TEXT NOT NULL,
    size BIGINT NOT NULL DEFAULT 0,
    summary TEXT NOT NULL DEFAULT '',
    structure TEXT NOT NULL DEFAULT '',
    version INT NOT NULL,
    user_prompt_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
    UNIQUE(category_id, name, version)
);
CREATE TABLE IF NOT EXISTS user_topics (
    user_id TEXT NOT NULL,
    name TEXT NOT NULL,
    content TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (user_id, name)
);
`

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("db is nil")
	}
	s.schemaOnce.Do(func() {
		_, s.schemaErr = s.db.ExecContext(ctx, schema)
	})
	return s.schemaErr
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) EnsureUser(ctx context.Context, id, email string, promotion decimal.Decimal) (User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return User{}, fmt.Errorf("user id is required")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return User{}, err
	}
	balance := decimal.Zero
	if promotion.IsPositive() {
		balance = promotion
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO users (id, email, balance, promotion_applied)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO NOTHING
`, id, email, balance, promotion.IsPositive())
	if err != nil {
		return User{}, err
	}
	return s.GetUser(ctx, id)
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (User, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return User{}, err
	}
	var u User
	err := s.db.QueryRowContext(ctx, `
SELECT id, email, balance, earmarked, promotion_applied, created_at FROM users WHERE id=$1
`, strings.TrimSpace(id)).Scan(&u.ID, &u.Email, &u.Balance, &u.Earmarked, &u.PromotionApplied, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return u, err
}

func (s *PostgresStore) Balance(ctx context.Context, userID string) (decimal.Decimal, decimal.Decimal, error) {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return u.Balance, u.Earmarked, nil
}

func (s *PostgresStore) Earmark(ctx context.Context, userID string, amount, floor decimal.Decimal) (decimal.Decimal, bool, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return decimal.Zero, false, err
	}
	var earmarked decimal.Decimal
	err := s.db.QueryRowContext(ctx, `
UPDATE users SET balance = balance - $2, earmarked = earmarked + $2
WHERE id = $1 AND balance - $2 >= $3
RETURNING earmarked
`, userID, amount, floor).Scan(&earmarked)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetUser(ctx, userID); getErr != nil {
			return decimal.Zero, false, getErr
		}
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	return earmarked, true, nil
}

func (s *PostgresStore) UpdateBalance(ctx context.Context, userID string, delta, release decimal.Decimal) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE users SET balance = balance + $2, earmarked = GREATEST(earmarked - $3, 0)
WHERE id = $1
`, userID, delta, release)
	return affectedOne(res, err)
}

func (s *PostgresStore) ExpenseNode(ctx context.Context, nodeID string, amount decimal.Decimal) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE user_prompts SET cost = cost + $2 WHERE id = $1`, nodeID, amount)
	return affectedOne(res, err)
}

func (s *PostgresStore) ExpenseFunctionality(ctx context.Context, userID, name string, amount decimal.Decimal) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO user_functionality_costs (user_id, name, cost)
VALUES ($1, $2, $3)
ON CONFLICT (user_id, name)
DO UPDATE SET cost = user_functionality_costs.cost + EXCLUDED.cost
`, userID, name, amount)
	return err
}

func (s *PostgresStore) FunctionalityCosts(ctx context.Context, userID string) (map[string]decimal.Decimal, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT name, cost FROM user_functionality_costs WHERE user_id=$1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]decimal.Decimal)
	for rows.Next() {
		var (
			name string
			cost decimal.Decimal
		)
		if err := rows.Scan(&name, &cost); err != nil {
			return nil, err
		}
		out[name] = cost
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateMessageNode(ctx context.Context, userID string) (string, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return "", err
	}
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `INSERT INTO user_prompts (id, user_id) VALUES ($1, $2)`, id, userID)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *PostgresStore) PopulateMessageNode(ctx context.Context, id string, update MessageUpdate) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE user_prompts SET prompt=$2, response=$3, time=$4, category_id=$5, populated=TRUE
WHERE id=$1
`, id, update.Prompt, update.Response, update.Time, update.CategoryID)
	return affectedOne(res, err)
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (Message, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return Message{}, err
	}
	var (
		m  Message
		ts sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, user_id, category_id, prompt, response, time, cost, populated FROM user_prompts WHERE id=$1
`, id).Scan(&m.ID, &m.UserID, &m.CategoryID, &m.Prompt, &m.Response, &ts, &m.Cost, &m.Populated)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if ts.Valid {
		m.Time = ts.Time
	}
	return m, err
}

// CreateFileNode derives the version in the same statement as the insert;
// the unique (category_id, name, version) key rejects a concurrent twin.
func (s *PostgresStore) CreateFileNode(ctx context.Context, f NewFile) (File, error) {
	name := strings.TrimSpace(f.Name)
	if name == "" {
		return File{}, fmt.Errorf("file name is required")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return File{}, err
	}
	out := File{
		ID:           uuid.NewString(),
		UserID:       f.UserID,
		CategoryID:   f.CategoryID,
		Name:         name,
		Size:         f.Size,
		Summary:      f.Summary,
		UserPromptID: f.UserPromptID,
		Time:         time.Now(),
	}
	err := s.db.QueryRowContext(ctx, `
INSERT INTO files (id, user_id, category_id, name, size, summary, user_prompt_id, version, created_at)
SELECT $1, $2, $3, $4, $5, $6, $7, COALESCE(MAX(version), 0) + 1, $8
FROM files WHERE category_id = $3 AND name = $4
RETURNING version
`, out.ID, out.UserID, out.CategoryID, out.Name, out.Size, out.Summary, out.UserPromptID, out.Time).Scan(&out.Version)
	if err != nil {
		return File{}, err
	}
	return out, nil
}

const fileColumns = `id, user_id, category_id, name, size, summary, structure, version, user_prompt_id, created_at`

func scanFile(row *sql.Row) (File, error) {
	var f File
	err := row.Scan(&f.ID, &f.UserID, &f.CategoryID, &f.Name, &f.Size, &f.Summary, &f.Structure, &f.Version, &f.UserPromptID, &f.Time)
	if errors.Is(err, sql.ErrNoRows) {
		return File{}, ErrNotFound
	}
	return f, err
}

func (s *PostgresStore) GetFile(ctx context.Context, id string) (File, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return File{}, err
	}
	return scanFile(s.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE id=$1`, id))
}

func (s *PostgresStore) LatestFile(ctx context.Context, categoryID, name string) (File, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return File{}, err
	}
	return scanFile(s.db.QueryRowContext(ctx, `
SELECT `+fileColumns+` FROM files WHERE category_id=$1 AND name=$2 ORDER BY version DESC LIMIT 1
`, categoryID, strings.TrimSpace(name)))
}

func (s *PostgresStore) getCategory(ctx context.Context, userID, name string) (Category, error) {
	var c Category
	err := s.db.QueryRowContext(ctx, `
SELECT id, user_id, name, description, colour, created_at FROM categories WHERE user_id=$1 AND name=$2
`, userID, name).Scan(&c.ID, &c.UserID, &c.Name, &c.Description, &c.Colour, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Category{}, ErrNotFound
	}
	return c, err
}

func (s *PostgresStore) GetOrCreateCategory(ctx context.Context, userID, name string, details func(context.Context) (CategoryDetails, error)) (Category, bool, error) {
	name = NormalizeCategory(name)
	if name == "" {
		return Category{}, false, fmt.Errorf("category name is required")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return Category{}, false, err
	}
	c, err := s.getCategory(ctx, userID, name)
	if err == nil {
		return c, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Category{}, false, err
	}

	var d CategoryDetails
	if details != nil {
		if d, err = details(ctx); err != nil {
			return Category{}, false, err
		}
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO categories (id, user_id, name, description, colour)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (user_id, name) DO NOTHING
`, uuid.NewString(), userID, name, d.Description, d.Colour)
	if err != nil {
		return Category{}, false, err
	}
	n, _ := res.RowsAffected()
	c, err = s.getCategory(ctx, userID, name)
	return c, n == 1, err
}

func (s *PostgresStore) ListCategories(ctx context.Context, userID string) ([]Category, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, name, description, colour, created_at FROM categories WHERE user_id=$1 ORDER BY name
`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Category
	for rows.Next() {
		var c Category
		if err := rows.Scan(&c.ID, &c.UserID, &c.Name, &c.Description, &c.Colour, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertUserTopic(ctx context.Context, topic UserTopic) error {
	name := strings.TrimSpace(topic.Name)
	if name == "" {
		return fmt.Errorf("topic name is required")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO user_topics (user_id, name, content) VALUES ($1, $2, $3)
ON CONFLICT (user_id, name) DO UPDATE SET content=EXCLUDED.content
`, topic.UserID, name, topic.Content)
	return err
}

func (s *PostgresStore) ListUserTopics(ctx context.Context, userID string) ([]UserTopic, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT name, content FROM user_topics WHERE user_id=$1 ORDER BY name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UserTopic
	for rows.Next() {
		t := UserTopic{UserID: userID}
		if err := rows.Scan(&t.Name, &t.Content); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
