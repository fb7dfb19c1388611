// Package checkpoint implements the append-only journal of terminal outcomes that
// makes a batch run resumable.
//
// Journal format: one JSON-encoded tasks.Outcome per line, in completion order.
//
// Resume modes:
//   - ResumeRetryFailed: failed outcomes are dropped so they are retried; the journal is
//     rewritten through a temp file and an atomic rename, keeping only successes
//   - ResumeSkipAll: every identifier in the journal is done, failures included;
//     the journal is left as is
//   - ResumeOff: an existing journal is refused unless Overwrite is set
package checkpoint

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"github.com/guido-cesarano/batchq/pkg/tasks"
)

// ResumeMode selects how an existing journal is treated on Open.
type ResumeMode string

const (
	ResumeOff         ResumeMode = "off"
	ResumeRetryFailed ResumeMode = "retry_failed"
	ResumeSkipAll     ResumeMode = "skip_all"
)

// ParseResumeMode accepts the mode names plus the "resume" / "resume_no_retry" aliases.
func ParseResumeMode(s string) (ResumeMode, error) {
	switch s {
	case "off", "false", "":
		return ResumeOff, nil
	case "retry_failed", "resume", "true":
		return ResumeRetryFailed, nil
	case "skip_all", "resume_no_retry":
		return ResumeSkipAll, nil
	}
	return "", fmt.Errorf("unknown resume mode %q", s)
}

var (
	// ErrCheckpointExists is returned by Open in ResumeOff mode when the journal
	// already exists and Overwrite is not set.
	ErrCheckpointExists = errors.New("checkpoint file already exists")
	// ErrCorruptCheckpoint is returned when a journal line cannot be decoded.
	ErrCorruptCheckpoint = errors.New("corrupt checkpoint")
)

// Options configure Open.
type Options struct {
	Mode ResumeMode
	// Overwrite truncates an existing journal when Mode is ResumeOff.
	Overwrite bool
}

// Report summarizes what the resume scan found.
type Report struct {
	// Completed identifiers treated as done.
	Completed int
	// PreviouslyFailed outcomes seen. They are dropped in ResumeRetryFailed
	// and kept (and skipped) in ResumeSkipAll.
	PreviouslyFailed int
	// Duplicates are repeated successes for one identifier, dropped on rewrite.
	Duplicates int
}

// Store is the journal. It has a single writer and is not safe for concurrent use.
type Store struct {
	path   string
	file   *os.File
	done   map[string]struct{}
	report Report
}

// Open scans an existing journal according to opts and opens it for appending.
// A journal line that fails to decode aborts Open and leaves the file untouched.
func Open(path string, opts Options) (*Store, error) {
	s := &Store{
		path: path,
		done: make(map[string]struct{}),
	}

	_, err := os.Stat(path)
	exists := err == nil
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat checkpoint: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if exists {
		switch opts.Mode {
		case ResumeRetryFailed:
			if err := s.rewriteWithoutFailures(); err != nil {
				return nil, err
			}
		case ResumeSkipAll:
			if err := s.loadAll(); err != nil {
				return nil, err
			}
		case ResumeOff:
			if !opts.Overwrite {
				return nil, fmt.Errorf("%w: %s", ErrCheckpointExists, path)
			}
			flags |= os.O_TRUNC
		default:
			return nil, fmt.Errorf("unknown resume mode %q", opts.Mode)
		}
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	s.file = f
	return s, nil
}

// rewriteWithoutFailures keeps only the first success per identifier and
// atomically replaces the journal with the kept lines.
func (s *Store) rewriteWithoutFailures() error {
	pending, err := renameio.NewPendingFile(s.path,
		renameio.WithTempDir(filepath.Dir(s.path)),
		renameio.WithPermissions(0o644),
	)
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	defer pending.Cleanup()

	w := bufio.NewWriter(pending)
	err = s.scan(func(line []byte, o tasks.Outcome) error {
		if o.Failed() {
			s.report.PreviouslyFailed++
			return nil
		}
		if _, seen := s.done[o.Identifier.Key()]; seen {
			s.report.Duplicates++
			return nil
		}
		s.done[o.Identifier.Key()] = struct{}{}
		s.report.Completed++
		if _, err := w.Write(line); err != nil {
			return err
		}
		return w.WriteByte('\n')
	})
	if err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return nil
}

func (s *Store) loadAll() error {
	return s.scan(func(_ []byte, o tasks.Outcome) error {
		if o.Failed() {
			s.report.PreviouslyFailed++
		}
		if _, seen := s.done[o.Identifier.Key()]; seen {
			s.report.Duplicates++
			return nil
		}
		s.done[o.Identifier.Key()] = struct{}{}
		s.report.Completed++
		return nil
	})
}

// scan calls fn with every non-blank line of the journal and its decoded outcome.
func (s *Store) scan(fn func(line []byte, o tasks.Outcome) error) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open checkpoint: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for lineNo := 1; ; lineNo++ {
		line, readErr := r.ReadBytes('\n')
		if readErr != nil && readErr != io.EOF {
			return fmt.Errorf("read checkpoint: %w", readErr)
		}

		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			var o tasks.Outcome
			if err := json.Unmarshal(line, &o); err != nil {
				return fmt.Errorf("%w: %s line %d: %v", ErrCorruptCheckpoint, s.path, lineNo, err)
			}
			if err := o.Validate(); err != nil {
				return fmt.Errorf("%w: %s line %d: %v", ErrCorruptCheckpoint, s.path, lineNo, err)
			}
			if err := fn(line, o); err != nil {
				return err
			}
		}

		if readErr == io.EOF {
			return nil
		}
	}
}

// Done reports whether id already has a terminal outcome that should not be redone.
func (s *Store) Done(id tasks.Identifier) bool {
	_, ok := s.done[id.Key()]
	return ok
}

// Report returns what the resume scan found.
func (s *Store) Report() Report {
	return s.report
}

// Path returns the journal path.
func (s *Store) Path() string {
	return s.path
}

// Append writes one outcome as a single line. Nothing is buffered in the process,
// so the line reaches the OS before Append returns.
func (s *Store) Append(o tasks.Outcome) error {
	if err := o.Validate(); err != nil {
		return fmt.Errorf("append outcome: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(o); err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	if _, err := s.file.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("append outcome: %w", err)
	}
	s.done[o.Identifier.Key()] = struct{}{}
	return nil
}

// Sync commits the journal to stable storage.
func (s *Store) Sync() error {
	return s.file.Sync()
}

// Close syncs and closes the journal.
func (s *Store) Close() error {
	if s.file == nil {
		return nil
	}
	syncErr := s.file.Sync()
	closeErr := s.file.Close()
	s.file = nil
	return errors.Join(syncErr, closeErr)
}
