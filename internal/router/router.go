// Package router maps inbound prompt content to roles via configured regex
// rules, and coalesces bursts of short messages on one thread into a single
// dispatch.
package router

import (
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dispatchd/internal/types"
)

type rule struct {
	re   *regexp.Regexp
	role string
	cwd  string
}

// Router resolves roles from prompt content. Rules are evaluated in order;
// the first case-insensitive match wins, else the default role.
type Router struct {
	rules       []rule
	defaultRole string
}

// New compiles the configured rules. Rules that fail to compile are logged
// and dropped.
func New(rules []types.RoutingRule, defaultRole string) *Router {
	r := &Router{defaultRole: defaultRole}
	for _, cfg := range rules {
		pattern := cfg.Pattern
		if !strings.HasPrefix(pattern, "(?i)") {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			log.Printf("[router] drop rule %q: %v", cfg.Pattern, err)
			continue
		}
		r.rules = append(r.rules, rule{re: re, role: cfg.Role, cwd: cfg.CWD})
	}
	return r
}

// ResolveRole returns the role for the content.
func (r *Router) ResolveRole(content string) string {
	for _, rule := range r.rules {
		if rule.re.MatchString(content) {
			return rule.role
		}
	}
	return r.defaultRole
}

// ResolveCWD returns the matching rule's working-directory override, or "".
func (r *Router) ResolveCWD(content string) string {
	for _, rule := range r.rules {
		if rule.re.MatchString(content) {
			return rule.cwd
		}
	}
	return ""
}

// Debouncer groups messages arriving in quick succession on the same thread
// key. The timer restarts on every message; on fire the batch is flushed
// with the metadata of its first message.
type Debouncer struct {
	Window time.Duration
	Flush  func(first types.InboundMessage, contents []string)

	mu      sync.Mutex
	batches map[string]*batch
}

type batch struct {
	first    types.InboundMessage
	contents []string
	timer    *time.Timer
}

func NewDebouncer(window time.Duration, flush func(first types.InboundMessage, contents []string)) *Debouncer {
	return &Debouncer{
		Window:  window,
		Flush:   flush,
		batches: make(map[string]*batch),
	}
}

// Add queues a message on its thread key. Messages without a thread key are
// flushed immediately.
func (d *Debouncer) Add(msg types.InboundMessage) {
	if msg.ThreadKey == "" || d.Window <= 0 {
		d.Flush(msg, []string{msg.Content})
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.batches[msg.ThreadKey]
	if !ok {
		b = &batch{first: msg}
		d.batches[msg.ThreadKey] = b
		b.timer = time.AfterFunc(d.Window, func() { d.fire(msg.ThreadKey) })
	} else {
		b.timer.Reset(d.Window)
	}
	b.contents = append(b.contents, msg.Content)
}

func (d *Debouncer) fire(key string) {
	d.mu.Lock()
	b, ok := d.batches[key]
	if ok {
		delete(d.batches, key)
	}
	d.mu.Unlock()
	if ok {
		d.Flush(b.first, b.contents)
	}
}

// Stop cancels all pending batches without flushing them.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, b := range d.batches {
		b.timer.Stop()
		delete(d.batches, key)
	}
}
