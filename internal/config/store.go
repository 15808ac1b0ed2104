package config

import (
	"bytes"
	"encoding/json"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/metercam/log2"
)

var (
	ErrStorageUnavailable = errors.New("config storage unavailable")
	ErrConfigMissing      = errors.New("config missing")
	ErrConfigCorrupt      = errors.New("config corrupt")
)

// IsConfigError reports whether err belongs to config load/persist taxonomy.
func IsConfigError(err error) bool {
	switch errors.Cause(err) {
	case ErrStorageUnavailable, ErrConfigMissing, ErrConfigCorrupt:
		return true
	}
	return false
}

// Store binds Document to durable Storage.
// Store is not safe for concurrent use, the node has single thread of control.
type Store struct {
	log     *log2.Log
	storage Storage
}

func NewStore(log *log2.Log, storage Storage) *Store {
	if storage == nil {
		panic("code error config storage nil")
	}
	return &Store{log: log, storage: storage}
}

func (s *Store) Load() (*Document, error) {
	b, err := s.read()
	if err != nil {
		return nil, err
	}
	doc, err := Parse(b)
	if err != nil {
		return nil, errors.Annotatef(err, "%s", s.storage)
	}
	s.log.Debugf("config loaded from %s %s", s.storage, doc)
	return doc, nil
}

// PersistIdentity sets only `uuid` and writes the full document back.
// Unknown keys of JSON documents are preserved.
func (s *Store) PersistIdentity(identity string) error {
	if identity == "" {
		return errors.NotValidf("identity empty")
	}
	b, err := s.read()
	if err != nil {
		return errors.Annotate(err, "persist identity")
	}
	if _, err = Parse(b); err != nil {
		return errors.Annotatef(err, "persist identity %s", s.storage)
	}
	out, err := rewriteIdentity(b, identity)
	if err != nil {
		return errors.Annotate(err, "persist identity")
	}
	if err = s.storage.WriteAll(out); err != nil {
		return errors.Annotate(err, "persist identity")
	}
	s.log.Infof("config identity=%s persisted to %s", identity, s.storage)
	return nil
}

// Import replaces stored document with src, which must parse.
// Required fields are not checked here, Validate() result is up to the caller.
func (s *Store) Import(src []byte) (*Document, error) {
	doc, err := Parse(src)
	if err != nil {
		return nil, errors.Annotate(err, "import")
	}
	if err = s.storage.WriteAll(src); err != nil {
		return nil, errors.Annotate(err, "import")
	}
	s.log.Infof("config imported to %s %s", s.storage, doc)
	return doc, nil
}

func (s *Store) read() ([]byte, error) {
	b, err := s.storage.ReadAll()
	if err != nil {
		if !IsConfigError(err) {
			err = errors.Wrapf(err, ErrStorageUnavailable, "%s: %v", s.storage, err)
		}
		return nil, err
	}
	if b == nil {
		return nil, errors.Annotatef(ErrConfigMissing, "%s", s.storage)
	}
	return b, nil
}

// Parse accepts JSON document or equivalent HCL. Absent fields keep defaults.
func Parse(b []byte) (*Document, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, errors.Annotate(ErrConfigCorrupt, "empty document")
	}
	doc := NewDocument()
	if err := hcl.Unmarshal(b, doc); err != nil {
		return nil, errors.Wrapf(err, ErrConfigCorrupt, "unmarshal: %v", err)
	}
	return doc, nil
}

func rewriteIdentity(b []byte, identity string) ([]byte, error) {
	var m map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&m); err == nil && m != nil {
		m["uuid"] = identity
		return json.MarshalIndent(m, "", "  ")
	}

	// hand written HCL source is replaced with JSON form
	doc, err := Parse(b)
	if err != nil {
		return nil, err
	}
	doc.UUID = identity
	return json.MarshalIndent(doc, "", "  ")
}
