package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/mmdatafocus/bookkeeping_core/config"
)

const (
	ProviderLocal = "local"
	ProviderGCS   = "gcs"
)

var ErrInvalidLink = errors.New("document link cannot be resolved to an archive object")

// Store answers whether a document link points at an archived object.
type Store interface {
	Exists(ctx context.Context, link string) (bool, error)
}

// ObjectName maps a document link to the archive object name. Accepted forms
// are gs://bucket/name, http(s) URLs, /archive/name and bare names.
func ObjectName(link string) (string, error) {
	link = strings.TrimSpace(link)
	if link == "" {
		return "", ErrInvalidLink
	}
	name := link
	if u, err := url.Parse(link); err == nil && u.Scheme != "" {
		switch u.Scheme {
		case "gs":
			name = u.Path
		case "http", "https":
			name = u.Path
			if u.Host == "storage.googleapis.com" {
				// path is /<bucket>/<object>
				parts := strings.SplitN(strings.TrimPrefix(name, "/"), "/", 2)
				if len(parts) == 2 {
					name = parts[1]
				}
			}
		default:
			return "", fmt.Errorf("%w: scheme %q", ErrInvalidLink, u.Scheme)
		}
	}
	name = strings.TrimPrefix(name, "/")
	name = strings.TrimPrefix(name, "archive/")
	name = path.Clean("/" + name)[1:]
	if name == "" || name == "." {
		return "", ErrInvalidLink
	}
	return name, nil
}

// LocalStore looks documents up below Root on the local filesystem.
type LocalStore struct {
	Root string
}

func NewLocalStore(root string) *LocalStore {
	return &LocalStore{Root: root}
}

func (s *LocalStore) Exists(_ context.Context, link string) (bool, error) {
	name, err := ObjectName(link)
	if err != nil {
		return false, nil
	}
	info, err := os.Stat(filepath.Join(s.Root, filepath.FromSlash(name)))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !info.IsDir(), nil
}

// New picks the archive backend from settings.
func New(ctx context.Context, settings config.Settings) (Store, error) {
	switch settings.ArchiveProvider {
	case ProviderGCS:
		return NewGCSStore(ctx, settings.GCSBucket)
	case ProviderLocal, "":
		return NewLocalStore(settings.ArchiveRoot), nil
	default:
		return nil, fmt.Errorf("unknown ARCHIVE_PROVIDER %q", settings.ArchiveProvider)
	}
}
