package config

import (
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/extremofile"
	"github.com/temoto/metercam/log2"
)

// Storage contract:
// - ReadAll returns nil,nil when the document does not exist
// - unusable medium errors have ErrStorageUnavailable cause
// - detected damage has ErrConfigCorrupt cause
// - WriteAll replaces the whole document
type Storage interface {
	ReadAll() ([]byte, error)
	WriteAll(b []byte) error
	String() string
}

// OsStorage keeps the document as plain file.
type OsStorage struct {
	path string
}

func NewOsStorage(path string) (*OsStorage, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Annotatef(err, "filepath.Abs() path=%s", path)
	}
	return &OsStorage{path: abs}, nil
}

func (self *OsStorage) String() string { return "file:" + self.path }

func (self *OsStorage) ReadAll() ([]byte, error) {
	// directory missing means filesystem is not there, unlike missing file
	if _, err := os.Stat(filepath.Dir(self.path)); err != nil {
		return nil, errors.Wrapf(err, ErrStorageUnavailable, "%s: %v", self, err)
	}
	f, err := os.Open(self.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, ErrStorageUnavailable, "%s: %v", self, err)
	}
	defer f.Close()
	b, err := ioutil.ReadAll(f)
	if err != nil {
		return nil, errors.Wrapf(err, ErrStorageUnavailable, "%s read: %v", self, err)
	}
	return b, nil
}

// WriteAll writes temporary file next to target and renames over it.
func (self *OsStorage) WriteAll(b []byte) error {
	dir := filepath.Dir(self.path)
	tmp, err := ioutil.TempFile(dir, filepath.Base(self.path)+".tmp")
	if err != nil {
		return errors.Wrapf(err, ErrStorageUnavailable, "%s: %v", self, err)
	}
	tmpName := tmp.Name()
	_, err = tmp.Write(b)
	if err == nil {
		err = tmp.Sync()
	}
	if errClose := tmp.Close(); err == nil {
		err = errClose
	}
	if err == nil {
		err = os.Chmod(tmpName, 0644)
	}
	if err == nil {
		err = os.Rename(tmpName, self.path)
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrapf(err, ErrStorageUnavailable, "%s write: %v", self, err)
	}
	return nil
}

type extremo interface {
	Read() ([]byte, error)
	io.Writer
}

// ExtremoStorage keeps checksummed main and backup copies in a directory,
// so a torn write is detected and the other copy is used.
type ExtremoStorage struct {
	dir string
	log *log2.Log
	e   extremo
}

func NewExtremoStorage(dir string, log *log2.Log) *ExtremoStorage {
	return &ExtremoStorage{
		dir: dir,
		log: log,
		e: extremofile.New(extremofile.Config{
			Dir:        dir,
			FilePrefix: "config.",
			DirPerm:    0755,
			FilePerm:   0644,
		}),
	}
}

func (self *ExtremoStorage) String() string { return "extremofile:" + self.dir }

func (self *ExtremoStorage) ReadAll() ([]byte, error) {
	b, err := self.e.Read()
	if b != nil {
		if err != nil {
			self.log.Errorf("%s ignore non-critical storage err=%v", self, err)
		}
		return b, nil
	}
	switch {
	case err == nil:
		return nil, nil
	case extremofile.IsCorrupt(err):
		return nil, errors.Wrapf(err, ErrConfigCorrupt, "%s: %v", self, err)
	default:
		return nil, errors.Wrapf(err, ErrStorageUnavailable, "%s: %v", self, err)
	}
}

// WriteAll pads b with trailing newlines up to the stored document length.
// extremofile overwrites files in place without truncation, a shorter
// payload would leave stale bytes after the new checksum.
func (self *ExtremoStorage) WriteAll(b []byte) error {
	size := len(b)
	if old, _ := self.e.Read(); len(old) > size {
		size = len(old)
	}
	// extremofile appends checksum to the slice it is given
	own := make([]byte, size, size+16)
	copy(own, b)
	for i := len(b); i < size; i++ {
		own[i] = '\n'
	}
	if _, err := self.e.Write(own); err != nil {
		return errors.Wrapf(err, ErrStorageUnavailable, "%s write: %v", self, err)
	}
	return nil
}

// MockStorage is in-memory Storage for tests.
type MockStorage struct {
	sync.Mutex
	Data     []byte // nil = document does not exist
	ReadErr  error
	WriteErr error
	Writes   int
}

func NewMockStorage(doc string) *MockStorage {
	return &MockStorage{Data: []byte(doc)}
}

func (self *MockStorage) String() string { return "mock" }

func (self *MockStorage) ReadAll() ([]byte, error) {
	self.Lock()
	defer self.Unlock()
	if self.ReadErr != nil {
		return nil, self.ReadErr
	}
	if self.Data == nil {
		return nil, nil
	}
	b := make([]byte, len(self.Data))
	copy(b, self.Data)
	return b, nil
}

func (self *MockStorage) WriteAll(b []byte) error {
	self.Lock()
	defer self.Unlock()
	if self.WriteErr != nil {
		return self.WriteErr
	}
	self.Data = make([]byte, len(b))
	copy(self.Data, b)
	self.Writes++
	return nil
}

func (self *MockStorage) Bytes() []byte {
	self.Lock()
	defer self.Unlock()
	return self.Data
}
