// Package imaptest provides an in-memory store implementing imap.Dialer and
// imap.Conn, with hooks to break connections, fail or stall operations, and a
// manual clock for the reconnect loop.
package imaptest

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/emersion/go-message/textproto"
	"github.com/vdavid/mailgate/internal/imap"
	"github.com/vdavid/mailgate/internal/models"
)

// ErrNoSuchFolder is returned by Select and Append for unknown folders.
var ErrNoSuchFolder = errors.New("NO no such mailbox")

// Message is a stored message.
type Message struct {
	UID   uint32
	Raw   []byte
	Flags []string
	Date  time.Time
}

// Header parses the stored message's header.
func (m Message) Header() *textproto.Header {
	h, _ := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(m.Raw)))
	return &h
}

type folder struct {
	messages []*Message
	uidNext  uint32
}

// Store is a fake IMAP server shared by every connection it dials.
type Store struct {
	mu       sync.Mutex
	folders  map[string]*folder
	conns    []*Conn
	dials    int
	dialErr  error
	failures map[string]error
	breaks   map[string]bool
	hangs    map[string]chan struct{}
	calls    []string
}

// NewStore creates a store containing the given (empty) folders.
func NewStore(folders ...string) *Store {
	s := &Store{
		folders:  make(map[string]*folder),
		failures: make(map[string]error),
		breaks:   make(map[string]bool),
		hangs:    make(map[string]chan struct{}),
	}
	for _, name := range folders {
		s.folders[name] = &folder{uidNext: 1}
	}
	return s
}

// Add stores a raw message in a folder, creating the folder if needed, and
// returns its UID.
func (s *Store) Add(folderName string, raw []byte, flags ...string) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(folderName, raw, flags, time.Now())
}

func (s *Store) addLocked(folderName string, raw []byte, flags []string, date time.Time) uint32 {
	f, ok := s.folders[folderName]
	if !ok {
		f = &folder{uidNext: 1}
		s.folders[folderName] = f
	}
	uid := f.uidNext
	f.uidNext++
	f.messages = append(f.messages, &Message{
		UID:   uid,
		Raw:   append([]byte(nil), raw...),
		Flags: append([]string(nil), flags...),
		Date:  date,
	})
	return uid
}

// Messages returns a copy of a folder's messages in UID order.
func (s *Store) Messages(folderName string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.folders[folderName]
	if !ok {
		return nil
	}
	out := make([]Message, 0, len(f.messages))
	for _, m := range f.messages {
		out = append(out, Message{
			UID:   m.UID,
			Raw:   append([]byte(nil), m.Raw...),
			Flags: append([]string(nil), m.Flags...),
			Date:  m.Date,
		})
	}
	return out
}

// Dial implements imap.Dialer.
func (s *Store) Dial(ctx context.Context, _ models.Account) (imap.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.dials++
	if s.dialErr != nil {
		return nil, s.dialErr
	}
	c := &Conn{store: s, alive: true}
	s.conns = append(s.conns, c)
	return c, nil
}

// Dials returns the number of Dial calls so far.
func (s *Store) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// SetDialError makes every following Dial fail with err. Pass nil to recover.
func (s *Store) SetDialError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialErr = err
}

// Break kills every open connection: each reports !Alive and its operations
// fail with io.EOF.
func (s *Store) Break() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.alive = false
	}
}

// LiveConns returns the number of connections that are still alive.
func (s *Store) LiveConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.conns {
		if c.alive {
			n++
		}
	}
	return n
}

// FailNext makes the next call of op ("SELECT", "SEARCH", "FETCH", "STORE",
// "CLOSE", "UNSELECT", "LIST", "APPEND") fail with err on a live connection.
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = err
}

// BreakOn makes the next call of op kill its connection and fail with io.EOF,
// as if the network dropped in the middle of the exchange.
func (s *Store) BreakOn(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breaks[op] = true
}

// Hang makes the next call of op block until the returned function is called.
func (s *Store) Hang(op string) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{})
	s.hangs[op] = ch
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Calls returns the protocol operations performed so far, e.g. "SELECT Drafts"
// or "STORE 3 \Deleted".
func (s *Store) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// ResetCalls clears the operation log.
func (s *Store) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

// Conn is one fake connection.
type Conn struct {
	store    *Store
	alive    bool
	selected string
}

// begin records op and applies injected hangs and failures. It returns with
// the store lock held when err is nil.
func (c *Conn) begin(op, detail string) error {
	s := c.store
	s.mu.Lock()
	hang, ok := s.hangs[op]
	if ok {
		delete(s.hangs, op)
		s.mu.Unlock()
		<-hang
		s.mu.Lock()
	}

	if s.breaks[op] {
		delete(s.breaks, op)
		c.alive = false
	}
	if !c.alive {
		s.mu.Unlock()
		return io.EOF
	}
	call := op
	if detail != "" {
		call += " " + detail
	}
	s.calls = append(s.calls, call)

	if err, ok := s.failures[op]; ok {
		delete(s.failures, op)
		s.mu.Unlock()
		return err
	}
	return nil
}

func (c *Conn) selectedFolder() (*folder, error) {
	f, ok := c.store.folders[c.selected]
	if c.selected == "" || !ok {
		return nil, errors.New("BAD no mailbox selected")
	}
	return f, nil
}

func (c *Conn) Select(name string) error {
	if err := c.begin("SELECT", name); err != nil {
		return err
	}
	defer c.store.mu.Unlock()

	if _, ok := c.store.folders[name]; !ok {
		return ErrNoSuchFolder
	}
	c.selected = name
	return nil
}

// Search supports the header, flag and UID criteria; an empty criteria matches
// everything. Header matches are case-insensitive substrings, as in IMAP.
func (c *Conn) Search(criteria *goimap.SearchCriteria) ([]uint32, error) {
	if err := c.begin("SEARCH", ""); err != nil {
		return nil, err
	}
	defer c.store.mu.Unlock()

	f, err := c.selectedFolder()
	if err != nil {
		return nil, err
	}

	var uids []uint32
	for _, m := range f.messages {
		if matches(m, criteria) {
			uids = append(uids, m.UID)
		}
	}
	return uids, nil
}

func matches(m *Message, criteria *goimap.SearchCriteria) bool {
	if criteria == nil {
		return true
	}
	if criteria.Uid != nil && !criteria.Uid.Contains(m.UID) {
		return false
	}
	for _, flag := range criteria.WithFlags {
		if !hasFlag(m.Flags, flag) {
			return false
		}
	}
	for _, flag := range criteria.WithoutFlags {
		if hasFlag(m.Flags, flag) {
			return false
		}
	}
	if len(criteria.Header) > 0 {
		h := m.Header()
		for key, values := range criteria.Header {
			got := strings.ToLower(h.Get(key))
			for _, want := range values {
				if got == "" || !strings.Contains(got, strings.ToLower(want)) {
					return false
				}
			}
		}
	}
	return true
}

func (c *Conn) Fetch(uids []uint32, items []goimap.FetchItem) ([]*goimap.Message, error) {
	if err := c.begin("FETCH", fmt.Sprint(uids)); err != nil {
		return nil, err
	}
	defer c.store.mu.Unlock()

	f, err := c.selectedFolder()
	if err != nil {
		return nil, err
	}

	wanted := make(map[uint32]bool, len(uids))
	for _, uid := range uids {
		wanted[uid] = true
	}

	var out []*goimap.Message
	for i, m := range f.messages {
		if !wanted[m.UID] {
			continue
		}
		msg := goimap.NewMessage(uint32(i+1), items)
		msg.Uid = m.UID
		msg.Flags = append([]string(nil), m.Flags...)
		for _, item := range items {
			section, err := goimap.ParseBodySectionName(item)
			if err != nil {
				continue
			}
			msg.Body[section] = bytes.NewBuffer(sectionBytes(m.Raw, section))
		}
		out = append(out, msg)
	}
	return out, nil
}

func sectionBytes(raw []byte, section *goimap.BodySectionName) []byte {
	header, text := splitMessage(raw)
	switch section.Specifier {
	case goimap.HeaderSpecifier:
		if len(section.Fields) == 0 {
			return header
		}
		h, _ := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(header)))
		var filtered textproto.Header
		for _, field := range section.Fields {
			if v := h.Get(field); v != "" {
				filtered.Add(field, v)
			}
		}
		var buf bytes.Buffer
		_ = textproto.WriteHeader(&buf, filtered)
		return buf.Bytes()
	case goimap.TextSpecifier:
		return text
	}
	return raw
}

// splitMessage splits a raw message after the blank line ending the header.
func splitMessage(raw []byte) (header, text []byte) {
	for _, sep := range [][]byte{[]byte("\r\n\r\n"), []byte("\n\n")} {
		if i := bytes.Index(raw, sep); i >= 0 {
			return raw[:i+len(sep)], raw[i+len(sep):]
		}
	}
	return raw, nil
}

func (c *Conn) AddFlags(uid uint32, flags ...string) error {
	if err := c.begin("STORE", fmt.Sprintf("%d %s", uid, strings.Join(flags, " "))); err != nil {
		return err
	}
	defer c.store.mu.Unlock()

	f, err := c.selectedFolder()
	if err != nil {
		return err
	}
	for _, m := range f.messages {
		if m.UID != uid {
			continue
		}
		for _, flag := range flags {
			if !hasFlag(m.Flags, flag) {
				m.Flags = append(m.Flags, flag)
			}
		}
	}
	return nil
}

func (c *Conn) CloseFolder(expunge bool) error {
	op := "UNSELECT"
	if expunge {
		op = "CLOSE"
	}
	if err := c.begin(op, ""); err != nil {
		return err
	}
	defer c.store.mu.Unlock()

	f, err := c.selectedFolder()
	if err != nil {
		return err
	}
	if expunge {
		kept := f.messages[:0]
		for _, m := range f.messages {
			if !hasFlag(m.Flags, goimap.DeletedFlag) {
				kept = append(kept, m)
			}
		}
		f.messages = kept
	}
	c.selected = ""
	return nil
}

func (c *Conn) List() ([]string, error) {
	if err := c.begin("LIST", ""); err != nil {
		return nil, err
	}
	defer c.store.mu.Unlock()

	names := make([]string, 0, len(c.store.folders))
	for name := range c.store.folders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (c *Conn) Append(folderName string, flags []string, date time.Time, msg []byte) error {
	if err := c.begin("APPEND", folderName); err != nil {
		return err
	}
	defer c.store.mu.Unlock()

	if _, ok := c.store.folders[folderName]; !ok {
		return ErrNoSuchFolder
	}
	c.store.addLocked(folderName, msg, flags, date)
	return nil
}

func (c *Conn) Alive() bool {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	return c.alive
}

func (c *Conn) Logout() error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.alive = false
	return nil
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}
