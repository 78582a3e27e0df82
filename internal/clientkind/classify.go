package clientkind

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Rule maps request evidence to a kind. A rule matches when any of its
// User-Agent substrings is present (case-insensitive) or any of its
// headers is set on the request.
type Rule struct {
	Kind      Kind     `yaml:"kind"`
	UserAgent []string `yaml:"user_agent"`
	Headers   []string `yaml:"headers"`
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// DefaultRules is the built-in table, evaluated top to bottom.
var DefaultRules = []Rule{
	{Kind: AndroidTV, UserAgent: []string{"AndroidTV", "Android TV", "Shield"}},
	{Kind: PlexDVR, UserAgent: []string{"Lavf"}},
	{Kind: PlexLive, UserAgent: []string{"Plex"}, Headers: []string{"X-Plex-Product", "X-Plex-Client-Identifier"}},
	{Kind: VLC, UserAgent: []string{"VLC", "LibVLC"}},
	{Kind: WebBrowser, UserAgent: []string{"Mozilla"}},
}

// Result is the outcome of classifying one request.
type Result struct {
	Kind      Kind
	Resilient *bool  // explicit ?resilient= override, nil when absent
	Rule      string // what matched, for logs
}

// Classifier classifies requests with a rule table that can be reloaded
// from a YAML file while the process runs.
type Classifier struct {
	path  string
	rules atomic.Pointer[[]Rule]
	log   zerolog.Logger
}

// NewClassifier returns a classifier using DefaultRules. When path is set
// the file is loaded immediately; a broken file is an error.
func NewClassifier(path string, log zerolog.Logger) (*Classifier, error) {
	c := &Classifier{path: path, log: log}
	rules := append([]Rule(nil), DefaultRules...)
	c.rules.Store(&rules)
	if path != "" {
		if err := c.Reload(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Rules returns the active table.
func (c *Classifier) Rules() []Rule {
	return *c.rules.Load()
}

// Reload re-reads the rule file. On error the active table is kept.
func (c *Classifier) Reload() error {
	if c.path == "" {
		return nil
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read client rules: %w", err)
	}
	rules, err := ParseRules(data)
	if err != nil {
		return fmt.Errorf("parse client rules %s: %w", c.path, err)
	}
	c.rules.Store(&rules)
	c.log.Info().Str("path", c.path).Int("rules", len(rules)).Msg("client rules loaded")
	return nil
}

// ParseRules decodes and validates a YAML rule table.
func ParseRules(data []byte) ([]Rule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("no rules")
	}
	for i, r := range f.Rules {
		k, ok := Parse(string(r.Kind))
		if !ok {
			return nil, fmt.Errorf("rule %d: unknown kind %q", i, r.Kind)
		}
		if len(r.UserAgent) == 0 && len(r.Headers) == 0 {
			return nil, fmt.Errorf("rule %d (%s): needs user_agent or headers", i, k)
		}
		f.Rules[i].Kind = k
	}
	return f.Rules, nil
}

// Classify inspects the query override, then the rule table. Anything
// unmatched is Generic.
func (c *Classifier) Classify(r *http.Request) Result {
	q := r.URL.Query()
	var res Result
	if v := strings.TrimSpace(q.Get("resilient")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			res.Resilient = &b
		}
	}
	if k, ok := Parse(q.Get("client")); ok {
		res.Kind = k
		res.Rule = "query:client"
		return res
	}
	ua := strings.ToLower(r.UserAgent())
	for _, rule := range c.Rules() {
		for _, sub := range rule.UserAgent {
			if sub != "" && strings.Contains(ua, strings.ToLower(sub)) {
				res.Kind = rule.Kind
				res.Rule = "ua:" + sub
				return res
			}
		}
		for _, h := range rule.Headers {
			if r.Header.Get(h) != "" {
				res.Kind = rule.Kind
				res.Rule = "header:" + h
				return res
			}
		}
	}
	res.Kind = Generic
	res.Rule = "default"
	return res
}

// Watch reloads the rule file on change until ctx is done. The parent
// directory is watched so editors that replace the file are seen.
func (c *Classifier) Watch(ctx context.Context) error {
	if c.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(c.path)); err != nil {
		return fmt.Errorf("watch client rules: %w", err)
	}
	target := filepath.Clean(c.path)
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(300*time.Millisecond, func() {
				if err := c.Reload(); err != nil {
					c.log.Warn().Err(err).Msg("client rules reload failed; keeping previous table")
				}
			})
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			c.log.Warn().Err(err).Msg("client rules watcher error")
		}
	}
}
