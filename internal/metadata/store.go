// Package metadata keeps the deployment and monitor metadata documents: small
// YAML files stored as assets in the deployment space.
package metadata

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

var (
	// ErrNotFound is returned when the document or an entry does not exist.
	ErrNotFound = errors.New("not found")
	// ErrKeyExists is returned when adding an entry whose key is taken.
	ErrKeyExists = errors.New("key already exists")
	// ErrConflict is returned by a Backend when the stored document changed
	// since it was read.
	ErrConflict = errors.New("metadata document was modified concurrently")
	// ErrAmbiguous is returned when a lookup matches more than one entry.
	ErrAmbiguous = errors.New("multiple entries match")
)

// Document is the raw content of a stored file and an opaque version
// identifying that revision.
type Document struct {
	Data    []byte
	Version string
}

// Backend persists whole documents.
type Backend interface {
	// Get returns ErrNotFound when the document does not exist.
	Get(ctx context.Context, name string) (Document, error)
	// Put replaces the document and returns the new version. It returns
	// ErrConflict when the stored version no longer matches version; an
	// empty version means the caller saw no document.
	Put(ctx context.Context, name string, data []byte, version string) (string, error)
}

// Store reads and writes one metadata document with entries of type T.
type Store[T any] struct {
	backend  Backend
	kind     Kind
	name     string
	attempts uint
	delay    time.Duration
}

type Option func(*options)

type options struct {
	name     string
	attempts uint
	delay    time.Duration
}

// WithName overrides the document name.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithConflictRetry sets how often a conflicting write is retried.
func WithConflictRetry(attempts uint, delay time.Duration) Option {
	return func(o *options) {
		o.attempts = attempts
		o.delay = delay
	}
}

func newStore[T any](backend Backend, kind Kind, opts []Option) *Store[T] {
	o := &options{name: kind.File(), attempts: 3, delay: time.Second}
	for _, opt := range opts {
		opt(o)
	}
	return &Store[T]{backend: backend, kind: kind, name: o.name, attempts: max(o.attempts, 1), delay: o.delay}
}

// NewDeploymentStore creates a store for the deployment metadata document.
func NewDeploymentStore(backend Backend, opts ...Option) *Store[Deployment] {
	return newStore[Deployment](backend, KindDeployment, opts)
}

// NewMonitorStore creates a store for the monitor metadata document.
func NewMonitorStore(backend Backend, opts ...Option) *Store[Monitor] {
	return newStore[Monitor](backend, KindMonitor, opts)
}

// Name returns the document name.
func (s *Store[T]) Name() string {
	return s.name
}

// Kind returns the document kind.
func (s *Store[T]) Kind() Kind {
	return s.kind
}

// Initialize writes an empty document, replacing any existing one.
func (s *Store[T]) Initialize(ctx context.Context) error {
	doc, err := s.backend.Get(ctx, s.name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to read %s: %w", s.name, err)
	}

	data, err := Encode(map[string]T{})
	if err != nil {
		return err
	}

	if _, err := s.backend.Put(ctx, s.name, data, doc.Version); err != nil {
		return fmt.Errorf("failed to initialize %s: %w", s.name, err)
	}

	log.Info("initialized metadata document", "name", s.name)
	return nil
}

// Load returns every entry of the document.
func (s *Store[T]) Load(ctx context.Context) (map[string]T, error) {
	entries, _, err := s.read(ctx)
	return entries, err
}

// Get returns a single entry.
func (s *Store[T]) Get(ctx context.Context, key string) (T, error) {
	var zero T

	entries, err := s.Load(ctx)
	if err != nil {
		return zero, err
	}

	entry, ok := entries[key]
	if !ok {
		return zero, fmt.Errorf("cannot find key %s in %s: %w", key, s.name, ErrNotFound)
	}
	return entry, nil
}

// Add inserts entries, creating the document when it does not exist yet.
// Existing keys are replaced when overwrite is set and rejected otherwise.
func (s *Store[T]) Add(ctx context.Context, entries map[string]T, overwrite bool) error {
	return s.update(ctx, true, func(existing map[string]T) ([]string, error) {
		replaced := make([]string, 0, len(entries))
		for key, entry := range entries {
			if _, ok := existing[key]; ok {
				if !overwrite {
					return nil, fmt.Errorf("key %s in %s: %w", key, s.name, ErrKeyExists)
				}
				log.Info("key already exists, updating the values", "key", key, "name", s.name)
			}
			existing[key] = entry
			replaced = append(replaced, key)
		}
		return replaced, nil
	})
}

// Modify applies fn to an existing entry and writes the document back.
// Only the fields fn changed are rewritten.
func (s *Store[T]) Modify(ctx context.Context, key string, fn func(*T) error) error {
	return s.update(ctx, false, func(existing map[string]T) ([]string, error) {
		entry, ok := existing[key]
		if !ok {
			return nil, fmt.Errorf("cannot find key %s in %s: %w", key, s.name, ErrNotFound)
		}
		if err := fn(&entry); err != nil {
			return nil, err
		}
		existing[key] = entry
		return nil, nil
	})
}

// Delete removes keys from the document. Missing keys are ignored.
func (s *Store[T]) Delete(ctx context.Context, keys ...string) error {
	return s.update(ctx, false, func(existing map[string]T) ([]string, error) {
		for _, key := range keys {
			delete(existing, key)
		}
		return nil, nil
	})
}

func (s *Store[T]) read(ctx context.Context) (map[string]T, Document, error) {
	doc, err := s.backend.Get(ctx, s.name)
	if errors.Is(err, ErrNotFound) {
		return nil, Document{}, fmt.Errorf("cannot find existing metadata file %s: %w", s.name, ErrNotFound)
	} else if err != nil {
		return nil, Document{}, fmt.Errorf("failed to read %s: %w", s.name, err)
	}

	entries, err := Decode[T](doc.Data)
	if err != nil {
		return nil, Document{}, fmt.Errorf("failed to parse %s: %w", s.name, err)
	}
	return entries, doc, nil
}

// update runs a read-modify-write cycle and repeats it when another writer
// replaced the document in between. fn returns the keys it replaced
// wholesale; every other change is applied field by field to the stored
// document so fields the entry type does not know survive.
func (s *Store[T]) update(ctx context.Context, create bool, fn func(map[string]T) ([]string, error)) error {
	return retry.Do(
		func() error {
			entries, doc, err := s.read(ctx)
			if errors.Is(err, ErrNotFound) && create {
				log.Info("initializing metadata document", "name", s.name)
				entries, doc, err = map[string]T{}, Document{}, nil
			}
			if err != nil {
				return err
			}

			raw, err := decodeNode(doc.Data)
			if err != nil {
				return fmt.Errorf("failed to parse %s: %w", s.name, err)
			}
			before, err := encodeNode(entries)
			if err != nil {
				return err
			}

			replaced, err := fn(entries)
			if err != nil {
				return err
			}

			after, err := encodeNode(entries)
			if err != nil {
				return err
			}
			for _, key := range replaced {
				removeKey(raw, key)
				removeKey(before, key)
			}
			data, err := renderNode(mergeNode(raw, before, after))
			if err != nil {
				return err
			}

			if _, err := s.backend.Put(ctx, s.name, data, doc.Version); err != nil {
				return fmt.Errorf("failed to write %s: %w", s.name, err)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(s.attempts),
		retry.Delay(s.delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, ErrConflict)
		}),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("metadata document changed while updating, retrying", "name", s.name, "attempt", n+1)
		}),
	)
}

// Decode parses a document. An empty document has no entries.
func Decode[T any](data []byte) (map[string]T, error) {
	entries := map[string]T{}
	if len(bytes.TrimSpace(data)) == 0 {
		return entries, nil
	}
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	if entries == nil {
		entries = map[string]T{}
	}
	return entries, nil
}

// DecodeRaw parses a document without applying an entry type, for
// validation.
func DecodeRaw(data []byte) (map[string]any, error) {
	doc := map[string]any{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse yaml: %w", err)
	}
	return doc, nil
}

// Encode renders entries in key order.
func Encode[T any](entries map[string]T) ([]byte, error) {
	var node yaml.Node
	if err := node.Encode(entries); err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return renderNode(&node)
}

// SortedKeys returns the keys of entries in order.
func SortedKeys[T any](entries map[string]T) []string {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
