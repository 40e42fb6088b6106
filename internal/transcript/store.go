// Package transcript persists conversations for the CLI.
//
// The engine never writes history itself; callers append the messages a turn
// produced. Each conversation is a JSONL file of messages under
// conversations/<id>/messages.jsonl, with titles and timestamps kept in
// conversations/index.json.
package transcript

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/gopherchat/pkg/llm"
)

// ErrNotFound is returned for an unknown conversation ID.
var ErrNotFound = errors.New("conversation not found")

// maxLineSize bounds one stored message; tool results can be large.
const maxLineSize = 8 << 20

// Conversation is the index entry for one conversation.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Model     string    `json:"model,omitempty"`
	Messages  int       `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is a file-backed transcript store. Appends to one conversation are
// serialized; different conversations proceed independently.
type Store struct {
	root  string
	mu    sync.Mutex
	index sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{root: dir, locks: make(map[string]*sync.Mutex)}
}

// NewID returns a fresh conversation ID.
func NewID() string {
	return uuid.NewString()
}

func (s *Store) lock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[id]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[id] = l
	return l
}

func (s *Store) dir() string {
	return filepath.Join(s.root, "conversations")
}

func (s *Store) messagesPath(id string) string {
	return filepath.Join(s.dir(), id, "messages.jsonl")
}

func (s *Store) indexPath() string {
	return filepath.Join(s.dir(), "index.json")
}

func validID(id string) error {
	if id == "" || id == "." || id == ".." || filepath.Base(id) != id {
		return fmt.Errorf("invalid conversation id %q", id)
	}
	return nil
}

// Append adds msgs to the conversation, creating it on first use.
func (s *Store) Append(_ context.Context, id string, msgs ...llm.Message) error {
	if err := validID(id); err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	path := s.messagesPath(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create conversation dir: %w", err)
	}

	var data []byte
	for _, m := range msgs {
		line, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		data = append(data, line...)
		data = append(data, '\n')
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open messages file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write messages: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close messages file: %w", err)
	}

	return s.updateIndex(id, func(c *Conversation) {
		c.Messages += len(msgs)
	})
}

// Load returns every message of the conversation in append order.
func (s *Store) Load(_ context.Context, id string) ([]llm.Message, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	f, err := os.Open(s.messagesPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open messages file: %w", err)
	}
	defer f.Close()

	var msgs []llm.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64<<10), maxLineSize)
	for scanner.Scan() {
		var m llm.Message
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan messages file: %w", err)
	}
	return msgs, nil
}

// Tail returns the last limit messages of the conversation.
func (s *Store) Tail(ctx context.Context, id string, limit int) ([]llm.Message, error) {
	msgs, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// SetTitle records a title for the conversation.
func (s *Store) SetTitle(_ context.Context, id, title string) error {
	if err := validID(id); err != nil {
		return err
	}
	return s.updateIndex(id, func(c *Conversation) { c.Title = title })
}

// SetModel records the model last used in the conversation.
func (s *Store) SetModel(_ context.Context, id, model string) error {
	if err := validID(id); err != nil {
		return err
	}
	return s.updateIndex(id, func(c *Conversation) { c.Model = model })
}

// Get returns the index entry for id.
func (s *Store) Get(_ context.Context, id string) (*Conversation, error) {
	s.index.Lock()
	defer s.index.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	c, ok := index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c, nil
}

// List returns all conversations, most recently updated first.
func (s *Store) List(_ context.Context) ([]*Conversation, error) {
	s.index.Lock()
	defer s.index.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	out := make([]*Conversation, 0, len(index))
	for _, c := range index {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *Store) updateIndex(id string, fn func(*Conversation)) error {
	s.index.Lock()
	defer s.index.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return err
	}
	now := time.Now()
	c, ok := index[id]
	if !ok {
		c = &Conversation{ID: id, CreatedAt: now}
		index[id] = c
	}
	fn(c)
	c.UpdatedAt = now
	return s.saveIndex(index)
}

func (s *Store) loadIndex() (map[string]*Conversation, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]*Conversation), nil
		}
		return nil, fmt.Errorf("read conversation index: %w", err)
	}
	var list []*Conversation
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("unmarshal conversation index: %w", err)
	}
	index := make(map[string]*Conversation, len(list))
	for _, c := range list {
		index[c.ID] = c
	}
	return index, nil
}

// saveIndex writes the index atomically via a temp file rename.
func (s *Store) saveIndex(index map[string]*Conversation) error {
	list := make([]*Conversation, 0, len(index))
	for _, c := range index {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal conversation index: %w", err)
	}
	if err := os.MkdirAll(s.dir(), 0o755); err != nil {
		return fmt.Errorf("create conversations dir: %w", err)
	}
	tmp := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp index: %w", err)
	}
	if err := os.Rename(tmp, s.indexPath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp index: %w", err)
	}
	return nil
}
