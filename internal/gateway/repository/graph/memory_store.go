package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type MemoryStore struct {
	mu         sync.RWMutex
	users      map[string]*User
	costs      map[string]map[string]decimal.Decimal
	categories map[string]*Category
	messages   map[string]*Message
	files      map[string]*File
	topics     map[string]map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      make(map[string]*User),
		costs:      make(map[string]map[string]decimal.Decimal),
		categories: make(map[string]*Category),
		messages:   make(map[string]*Message),
		files:      make(map[string]*File),
		topics:     make(map[string]map[string]string),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) EnsureUser(_ context.Context, id, email string, promotion decimal.Decimal) (User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return User{}, fmt.Errorf("user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		return *u, nil
	}
	u := &User{ID: id, Email: email, CreatedAt: time.Now()}
	if promotion.IsPositive() {
		u.Balance = promotion
		u.PromotionApplied = true
	}
	s.users[id] = u
	return *u, nil
}

// SetBalance overwrites a user's balance, creating the user if needed.
func (s *MemoryStore) SetBalance(id string, balance decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		u = &User{ID: id, CreatedAt: time.Now()}
		s.users[id] = u
	}
	u.Balance = balance
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[strings.TrimSpace(id)]
	if !ok {
		return User{}, ErrNotFound
	}
	return *u, nil
}

func (s *MemoryStore) Balance(ctx context.Context, userID string) (decimal.Decimal, decimal.Decimal, error) {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return u.Balance, u.Earmarked, nil
}

func (s *MemoryStore) Earmark(_ context.Context, userID string, amount, floor decimal.Decimal) (decimal.Decimal, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return decimal.Zero, false, ErrNotFound
	}
	if u.Balance.Sub(amount).LessThan(floor) {
		return u.Earmarked, false, nil
	}
	u.Balance = u.Balance.Sub(amount)
	u.Earmarked = u.Earmarked.Add(amount)
	return u.Earmarked, true, nil
}

func (s *MemoryStore) UpdateBalance(_ context.Context, userID string, delta, release decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Balance = u.Balance.Add(delta)
	u.Earmarked = u.Earmarked.Sub(release)
	if u.Earmarked.IsNegative() {
		u.Earmarked = decimal.Zero
	}
	return nil
}

func (s *MemoryStore) ExpenseNode(_ context.Context, nodeID string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[nodeID]
	if !ok {
		return ErrNotFound
	}
	m.Cost = m.Cost.Add(amount)
	return nil
}

func (s *MemoryStore) ExpenseFunctionality(_ context.Context, userID, name string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return ErrNotFound
	}
	byName, ok := s.costs[userID]
	if !ok {
		byName = make(map[string]decimal.Decimal)
		s.costs[userID] = byName
	}
	byName[name] = byName[name].Add(amount)
	return nil
}

func (s *MemoryStore) FunctionalityCosts(_ context.Context, userID string) (map[string]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(s.costs[userID]))
	for k, v := range s.costs[userID] {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) CreateMessageNode(_ context.Context, userID string) (string, error) {
	id := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[id] = &Message{ID: id, UserID: userID}
	return id, nil
}

func (s *MemoryStore) PopulateMessageNode(_ context.Context, id string, update MessageUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	m.Prompt = update.Prompt
	m.Response = update.Response
	m.Time = update.Time
	m.CategoryID = update.CategoryID
	m.Populated = true
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id string) (Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return *m, nil
}

func (s *MemoryStore) CreateFileNode(_ context.Context, f NewFile) (File, error) {
	name := strings.TrimSpace(f.Name)
	if name == "" {
		return File{}, fmt.Errorf("file name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	version := 1
	for _, existing := range s.files {
		if existing.CategoryID == f.CategoryID && existing.Name == name && existing.Version >= version {
			version = existing.Version + 1
		}
	}
	out := &File{
		ID:           uuid.NewString(),
		UserID:       f.UserID,
		CategoryID:   f.CategoryID,
		Name:         name,
		Size:         f.Size,
		Summary:      f.Summary,
		Version:      version,
		UserPromptID: f.UserPromptID,
		Time:         time.Now(),
	}
	s.files[out.ID] = out
	return *out, nil
}

func (s *MemoryStore) GetFile(_ context.Context, id string) (File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[id]
	if !ok {
		return File{}, ErrNotFound
	}
	return *f, nil
}

func (s *MemoryStore) LatestFile(_ context.Context, categoryID, name string) (File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *File
	for _, f := range s.files {
		if f.CategoryID != categoryID || f.Name != name {
			continue
		}
		if best == nil || f.Version > best.Version {
			best = f
		}
	}
	if best == nil {
		return File{}, ErrNotFound
	}
	return *best, nil
}

func (s *MemoryStore) findCategory(userID, name string) *Category {
	for _, c := range s.categories {
		if c.UserID == userID && c.Name == name {
			return c
		}
	}
	return nil
}

func (s *MemoryStore) GetOrCreateCategory(ctx context.Context, userID, name string, details func(context.Context) (CategoryDetails, error)) (Category, bool, error) {
	name = NormalizeCategory(name)
	if name == "" {
		return Category{}, false, fmt.Errorf("category name is required")
	}
	s.mu.RLock()
	if c := s.findCategory(userID, name); c != nil {
		s.mu.RUnlock()
		return *c, false, nil
	}
	s.mu.RUnlock()

	var d CategoryDetails
	if details != nil {
		var err error
		if d, err = details(ctx); err != nil {
			return Category{}, false, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.findCategory(userID, name); c != nil {
		return *c, false, nil
	}
	c := &Category{
		ID:          uuid.NewString(),
		UserID:      userID,
		Name:        name,
		Description: d.Description,
		Colour:      d.Colour,
		CreatedAt:   time.Now(),
	}
	s.categories[c.ID] = c
	return *c, true, nil
}

func (s *MemoryStore) ListCategories(_ context.Context, userID string) ([]Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Category, 0, 8)
	for _, c := range s.categories {
		if c.UserID == userID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) UpsertUserTopic(_ context.Context, topic UserTopic) error {
	name := strings.TrimSpace(topic.Name)
	if name == "" {
		return fmt.Errorf("topic name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byName, ok := s.topics[topic.UserID]
	if !ok {
		byName = make(map[string]string)
		s.topics[topic.UserID] = byName
	}
	byName[name] = topic.Content
	return nil
}

func (s *MemoryStore) ListUserTopics(_ context.Context, userID string) ([]UserTopic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]UserTopic, 0, len(s.topics[userID]))
	for name, content := range s.topics[userID] {
		out = append(out, UserTopic{UserID: userID, Name: name, Content: content})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
