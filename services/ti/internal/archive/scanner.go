// Package archive iterates over directories of gzip-compressed tar archives
// of indicator documents, resuming where the previous run stopped.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	apperrors "github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/errors"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/checkpoint"
)

// Suffix selects the archive files of a directory.
const Suffix = ".tar.gz"

// Consumed is the file_path of a cursor whose archive was fully read.
const Consumed = "*"

// maxEntrySize bounds a single indicator document.
const maxEntrySize = 64 << 20

// Cursor is the persisted resume position.
type Cursor struct {
	ArchivePath string `json:"archive_path"`
	FilePath    string `json:"file_path"`
}

// Entry is one regular file of an archive.
type Entry struct {
	ArchivePath string
	FilePath    string
	Data        []byte
}

// Scanner enumerates the archives of one directory.
type Scanner struct {
	dir    string
	key    string
	store  checkpoint.Store
	logger *slog.Logger
}

// NewScanner creates a scanner persisting its cursor under key.
func NewScanner(dir, key string, store checkpoint.Store, logger *slog.Logger) *Scanner {
	return &Scanner{
		dir:    dir,
		key:    key,
		store:  store,
		logger: logger.With("component", "archive-scanner", "directory", dir),
	}
}

type archiveFile struct {
	path    string
	modTime time.Time
}

// Archives lists the archive files ordered by modification time, then name.
// Files without the archive suffix are ignored.
func (s *Scanner) Archives() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeConfig, "read archive directory").WithDetail("directory", s.dir)
	}

	var files []archiveFile
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.HasSuffix(e.Name(), Suffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// removed between listing and stat
			continue
		}
		files = append(files, archiveFile{path: filepath.Join(s.dir, e.Name()), modTime: info.ModTime()})
	}

	sort.Slice(files, func(i, j int) bool {
		if !files[i].modTime.Equal(files[j].modTime) {
			return files[i].modTime.Before(files[j].modTime)
		}
		return files[i].path < files[j].path
	})

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
	}
	return paths, nil
}

// Cursor reads the persisted cursor. ok is false when there is none.
func (s *Scanner) Cursor(ctx context.Context) (Cursor, bool, error) {
	raw, ok, err := s.store.Get(ctx, s.key)
	if err != nil || !ok {
		return Cursor{}, false, err
	}
	var c Cursor
	if err := json.Unmarshal([]byte(raw), &c); err != nil || c.ArchivePath == "" {
		s.logger.Warn("ignoring unreadable cursor", "cursor", raw, "error", err)
		return Cursor{}, false, nil
	}
	return c, true, nil
}

func (s *Scanner) saveCursor(ctx context.Context, c Cursor) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.store.Put(ctx, s.key, string(data))
}

// Open plans the iteration from the persisted cursor:
//   - no cursor: every archive from its first entry
//   - (A, E): archive A from entry E included, then the following archives
//   - (A, "*"): the archives following A
//
// A cursor naming an archive that no longer exists restarts from the first
// archive.
func (s *Scanner) Open(ctx context.Context) (*Iterator, error) {
	archives, err := s.Archives()
	if err != nil {
		return nil, err
	}
	cursor, ok, err := s.Cursor(ctx)
	if err != nil {
		return nil, err
	}

	it := &Iterator{scanner: s, archives: archives}
	if !ok {
		return it, nil
	}

	idx := indexOf(archives, cursor.ArchivePath)
	if idx < 0 {
		s.logger.Warn("cursor archive not found, restarting from the first archive",
			"archive_path", cursor.ArchivePath)
		return it, nil
	}

	if cursor.FilePath == Consumed {
		it.archives = archives[idx+1:]
	} else {
		it.archives = archives[idx:]
		it.resumeAt = cursor.FilePath
	}
	s.logger.Debug("resuming scan",
		"archive_path", cursor.ArchivePath,
		"file_path", cursor.FilePath,
		"remaining_archives", len(it.archives),
	)
	return it, nil
}

func indexOf(archives []string, path string) int {
	for i, a := range archives {
		if a == path {
			return i
		}
	}
	// the directory may have been mounted elsewhere since the cursor was written
	for i, a := range archives {
		if filepath.Base(a) == filepath.Base(path) {
			return i
		}
	}
	return -1
}

// Iterator yields the remaining entries. It is not safe for concurrent use.
type Iterator struct {
	scanner  *Scanner
	archives []string
	resumeAt string

	current string
	file    *os.File
	gz      *gzip.Reader
	tr      *tar.Reader
	skipped bool // resumeAt was never found in the current archive
}

// Next returns the next entry, or io.EOF once every archive was read. The
// cursor is saved as (archive, entry) before the entry is returned and as
// (archive, "*") once the archive is exhausted.
func (it *Iterator) Next(ctx context.Context) (*Entry, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if it.tr == nil {
			if len(it.archives) == 0 {
				return nil, io.EOF
			}
			if err := it.openArchive(it.archives[0]); err != nil {
				return nil, err
			}
			it.archives = it.archives[1:]
		}

		hdr, err := it.tr.Next()
		if errors.Is(err, io.EOF) {
			if it.resumeAt != "" && !it.skipped {
				// the cursor entry is gone: read the archive again from the start
				it.scanner.logger.Warn("cursor entry not found, rescanning archive",
					"archive_path", it.current, "file_path", it.resumeAt)
				it.skipped = true
				archive := it.current
				it.closeArchive()
				it.archives = append([]string{archive}, it.archives...)
				continue
			}
			if err := it.finishArchive(ctx); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, apperrors.Upstream(err, "corrupt archive").
				WithDetail("archive_path", it.current)
		}

		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if it.resumeAt != "" && !it.skipped {
			if hdr.Name != it.resumeAt {
				continue
			}
			it.resumeAt = ""
		}

		data, err := io.ReadAll(io.LimitReader(it.tr, maxEntrySize))
		if err != nil {
			return nil, apperrors.Upstream(err, "read archive entry").
				WithDetail("archive_path", it.current).WithDetail("file_path", hdr.Name)
		}

		if err := it.scanner.saveCursor(ctx, Cursor{ArchivePath: it.current, FilePath: hdr.Name}); err != nil {
			return nil, err
		}
		return &Entry{ArchivePath: it.current, FilePath: hdr.Name, Data: data}, nil
	}
}

func (it *Iterator) openArchive(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return apperrors.Upstream(err, "open archive").WithDetail("archive_path", path)
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return apperrors.Upstream(err, "open gzip stream").WithDetail("archive_path", path)
	}
	it.current = path
	it.file = f
	it.gz = gz
	it.tr = tar.NewReader(gz)
	it.scanner.logger.Debug("reading archive", "archive_path", path)
	return nil
}

func (it *Iterator) finishArchive(ctx context.Context) error {
	archive := it.current
	it.closeArchive()
	it.resumeAt = ""
	it.skipped = false
	if err := it.scanner.saveCursor(ctx, Cursor{ArchivePath: archive, FilePath: Consumed}); err != nil {
		return fmt.Errorf("finalize cursor of %s: %w", archive, err)
	}
	it.scanner.logger.Info("archive consumed", "archive_path", archive)
	return nil
}

func (it *Iterator) closeArchive() {
	if it.gz != nil {
		it.gz.Close()
	}
	if it.file != nil {
		it.file.Close()
	}
	it.file, it.gz, it.tr = nil, nil, nil
}

// Close releases the archive being read. The cursor is left as is.
func (it *Iterator) Close() error {
	it.closeArchive()
	return nil
}
