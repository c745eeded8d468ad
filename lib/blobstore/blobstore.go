// Copyright 2026 The Coffer Authors
// SPDX-License-Identifier: Apache-2.0

// Package blobstore maps record IDs to encrypted files under a storage
// root, with crash-safe replacement and a one-slot backup.
//
// Each record occupies up to three sibling names in the root:
//
//	<id>.enc      MAIN    current authoritative ciphertext
//	<id>.enc.bak  BACKUP  prior ciphertext, kept for rollback/recovery
//	<id>.enc.tmp  TEMP    staging file, visible only inside a store
//	                      operation or after a crash
//
// A record exists iff MAIN or BACKUP exists. Store atomically replaces
// MAIN and demotes the old MAIN to BACKUP; Retrieve falls back to
// BACKUP when MAIN is unreadable or fails authentication, and heals
// MAIN from the backup's raw ciphertext as a side effect. For any
// interruption point in Store, at least one of MAIN/BACKUP survives
// with either the new or the previous ciphertext.
//
// The store holds no in-memory record index: the directory is the
// state. In-memory state is the derived master key (in an mlock'd
// secret.Buffer) and configuration.
//
// A Store is not internally synchronized. Callers must serialize
// access; the directory watcher runs concurrently but never mutates
// store state.
package blobstore

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/coffer-project/coffer/lib/blobcrypt"
	"github.com/coffer-project/coffer/lib/deviceid"
	"github.com/coffer-project/coffer/lib/errcode"
	"github.com/coffer-project/coffer/lib/fsutil"
	"github.com/coffer-project/coffer/lib/keyderive"
	"github.com/coffer-project/coffer/lib/secret"
)

// Slot filename suffixes. The on-disk contract: these are the only
// names the store gives meaning to; everything else in the root is
// ignored.
const (
	mainSuffix   = ".enc"
	backupSuffix = ".enc.bak"
	tempSuffix   = ".enc.tmp"
)

// Config holds the parameters for opening a store.
type Config struct {
	// Root is the storage directory. Created (with parents) if
	// missing. Required.
	Root string

	// Identity supplies the device-bound identity that the master
	// key is derived from. Required.
	Identity deviceid.Provider

	// Salt and Info override the HKDF parameters. Nil selects the
	// library defaults; overriding Info gives key separation between
	// application contexts sharing one device.
	Salt []byte
	Info []byte

	// Personalization labels this store's codec in diagnostics.
	Personalization string

	// Logger receives operational messages. Nil discards them.
	Logger *slog.Logger
}

// Store is the record state machine over a storage root. Open with
// [New]; all methods on a closed Store return
// errcode.ErrNotInitialized.
type Store struct {
	root      string
	masterKey *secret.Buffer
	codec     *blobcrypt.Codec
	logger    *slog.Logger
	closed    bool
}

// New opens a store: validates the root, creates it if missing,
// derives the 32-byte master key from the device identity, and builds
// the codec. Every failure is returned — a Store is never handed out
// half-initialized.
func New(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if cfg.Root == "" {
		return nil, fmt.Errorf("store root is empty: %w", errcode.ErrInvalidArgument)
	}
	if cfg.Identity == nil {
		return nil, fmt.Errorf("store needs an identity provider: %w", errcode.ErrInvalidArgument)
	}

	root := filepath.Clean(cfg.Root)
	if err := fsutil.EnsureDir(root); err != nil {
		return nil, fmt.Errorf("preparing storage root %s: %w", root, err)
	}

	deriver, err := keyderive.NewDeriver(cfg.Identity, cfg.Salt, cfg.Info)
	if err != nil {
		return nil, err
	}
	keyBytes, err := deriver.Key(blobcrypt.KeySize)
	if err != nil {
		return nil, fmt.Errorf("deriving master key: %w", err)
	}

	// NewFromBytes moves the key into locked memory and scrubs the
	// heap copy, on success and failure alike.
	masterKey, err := secret.NewFromBytes(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("protecting master key: %w: %v", errcode.ErrOperationFailed, err)
	}

	store := &Store{
		root:      root,
		masterKey: masterKey,
		codec:     blobcrypt.New(cfg.Personalization, logger),
		logger:    logger,
	}
	logger.Info("blob store opened", "root", root)
	return store, nil
}

// Close zeroes the master key and latches the store shut. Idempotent.
// All subsequent operations return errcode.ErrNotInitialized.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.masterKey.Close()
	s.logger.Info("blob store closed", "root", s.root)
	return err
}

// Root returns the storage root directory.
func (s *Store) Root() string {
	return s.root
}

// mainPath returns the MAIN slot path for a record.
func (s *Store) mainPath(id string) string {
	return filepath.Join(s.root, id+mainSuffix)
}

// backupPath returns the BACKUP slot path for a record.
func (s *Store) backupPath(id string) string {
	return filepath.Join(s.root, id+backupSuffix)
}

// tempPath returns the TEMP slot path for a record.
func (s *Store) tempPath(id string) string {
	return filepath.Join(s.root, id+tempSuffix)
}

// ValidateID checks a record ID: non-empty, no path separators, no
// ".." sequence. Violations are errcode.ErrInvalidArgument.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("record id is empty: %w", errcode.ErrInvalidArgument)
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fmt.Errorf("record id %q contains forbidden characters: %w",
			id, errcode.ErrInvalidArgument)
	}
	return nil
}

// checkOpen gates every operation on the initialization latch.
func (s *Store) checkOpen() error {
	if s == nil || s.closed {
		return errcode.ErrNotInitialized
	}
	return nil
}

// Store encrypts plaintext and durably replaces the record's content.
// The previous MAIN, if any, becomes BACKUP. Empty plaintext is legal.
//
// Failure handling follows the recovery-first policy: a failed
// MAIN→BACKUP demotion is a warning (the new MAIN is about to become
// the source of truth); a failed final rename attempts to restore
// BACKUP to MAIN before reporting errcode.ErrFileRenameFailed.
func (s *Store) Store(id string, plaintext []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := ValidateID(id); err != nil {
		return err
	}

	blob, err := s.codec.Encrypt(plaintext, s.masterKey.Bytes(), nil)
	if err != nil {
		return fmt.Errorf("encrypting record %q: %w", id, err)
	}

	mainFile := s.mainPath(id)
	backupFile := s.backupPath(id)
	tempFile := s.tempPath(id)

	// Stage the new ciphertext next to its destination. This also
	// cleans any stray temp left by a crashed prior store (the write
	// truncates it).
	if err := fsutil.AtomicWrite(tempFile, blob, s.logger); err != nil {
		if removeErr := fsutil.Delete(tempFile); removeErr != nil {
			s.logger.Warn("cleaning staging file after failed write",
				"record", id, "error", removeErr)
		}
		return fmt.Errorf("staging record %q: %w", id, err)
	}

	// Demote the current MAIN to BACKUP. Both failure modes here are
	// survivable — the staged file still becomes the new MAIN — so
	// they are logged and the operation continues.
	if fsutil.Exists(mainFile) {
		if fsutil.Exists(backupFile) {
			if err := fsutil.Delete(backupFile); err != nil {
				s.logger.Warn("deleting old backup before demotion; old backup may persist",
					"record", id, "error", err)
			}
		}
		if err := fsutil.Rename(mainFile, backupFile); err != nil {
			s.logger.Warn("demoting main to backup failed; proceeding to replace main",
				"record", id, "error", err)
		}
	}

	// Commit: the staged ciphertext becomes MAIN.
	if err := fsutil.Rename(tempFile, mainFile); err != nil {
		s.logger.Error("committing staged record failed",
			"record", id, "error", err)

		// The demotion above may have left the record with neither
		// slot. Restore the previous version if possible.
		if !fsutil.Exists(mainFile) && fsutil.Exists(backupFile) {
			if restoreErr := fsutil.Rename(backupFile, mainFile); restoreErr != nil {
				s.logger.Error("restoring backup to main after failed commit",
					"record", id, "error", restoreErr)
			} else {
				s.logger.Info("restored previous version after failed commit", "record", id)
			}
		}
		if removeErr := fsutil.Delete(tempFile); removeErr != nil {
			s.logger.Warn("cleaning staging file after failed commit",
				"record", id, "error", removeErr)
		}
		return fmt.Errorf("committing record %q: %w", id, errcode.ErrFileRenameFailed)
	}

	s.logger.Debug("record stored", "record", id, "bytes", len(plaintext))
	return nil
}

// Retrieve decrypts and returns the record's plaintext. MAIN is tried
// first; if it is missing, unreadable, or fails authentication, the
// BACKUP slot is tried. A successful backup read heals MAIN by
// rewriting it with the backup's raw ciphertext — same nonce and tag,
// no re-encryption — so the healed MAIN stays authenticable. Heal
// failures are logged, not returned: the caller still gets the
// recovered plaintext.
//
// A record with no readable slot at all is errcode.ErrDataNotFound.
// Authentication failures are never masked: if MAIN read but failed to
// decrypt and no BACKUP can recover it, MAIN's decrypt error is
// returned; a BACKUP that reads but fails to decrypt propagates its
// own decrypt error.
func (s *Store) Retrieve(id string) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	mainFile := s.mainPath(id)
	backupFile := s.backupPath(id)

	var mainDecryptErr error
	mainRaw, mainReadErr := fsutil.ReadAll(mainFile)
	if mainReadErr == nil {
		var plaintext []byte
		plaintext, mainDecryptErr = s.codec.Decrypt(mainRaw, s.masterKey.Bytes(), nil)
		if mainDecryptErr == nil {
			return plaintext, nil
		}
		s.logger.Warn("main slot failed to decrypt; trying backup",
			"record", id, "error", mainDecryptErr)

		// MAIN is corrupt. Remove it so a future read (or a partial
		// crash during healing) cannot resurrect bad ciphertext.
		if err := fsutil.Delete(mainFile); err != nil {
			s.logger.Warn("deleting corrupt main slot", "record", id, "error", err)
		}
	} else {
		s.logger.Debug("main slot unreadable; trying backup",
			"record", id, "error", mainReadErr)
	}

	backupRaw, backupReadErr := fsutil.ReadAll(backupFile)
	if backupReadErr != nil {
		// No backup to recover from. A main that read but would not
		// decrypt is a tamper/wrong-key condition, not a missing
		// record — surface its decrypt error verbatim.
		if mainDecryptErr != nil {
			return nil, fmt.Errorf("record %q: no backup after main failed to decrypt: %w",
				id, mainDecryptErr)
		}
		return nil, fmt.Errorf("record %q: %w", id, errcode.ErrDataNotFound)
	}

	plaintext, decryptErr := s.codec.Decrypt(backupRaw, s.masterKey.Bytes(), nil)
	if decryptErr != nil {
		return nil, fmt.Errorf("decrypting backup of record %q: %w", id, decryptErr)
	}

	s.logger.Info("record recovered from backup", "record", id)

	// Heal MAIN with the backup's raw ciphertext.
	if err := fsutil.AtomicWrite(mainFile, backupRaw, s.logger); err != nil {
		s.logger.Warn("healing main from backup failed; main stays absent until next store",
			"record", id, "error", err)
	}

	return plaintext, nil
}

// Delete removes the record's MAIN and BACKUP slots. Absent slots are
// not errors; Delete is idempotent. Stray TEMP files are left for the
// next Store on the same id to truncate.
func (s *Store) Delete(id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := ValidateID(id); err != nil {
		return err
	}

	// Both slots are attempted regardless of the other's outcome: a
	// failure on MAIN (a real error — absence is success) must not
	// leave a stale BACKUP that was deletable. MAIN's error is
	// reported preferentially.
	mainErr := fsutil.Delete(s.mainPath(id))
	backupErr := fsutil.Delete(s.backupPath(id))
	if mainErr != nil {
		return fmt.Errorf("deleting main slot of %q: %w", id, mainErr)
	}
	if backupErr != nil {
		return fmt.Errorf("deleting backup slot of %q: %w", id, backupErr)
	}

	s.logger.Debug("record deleted", "record", id)
	return nil
}

// Exists reports whether the record has a MAIN or BACKUP slot on disk.
// No decryption is attempted: a record whose only slot is a tampered
// MAIN still exists. Note the asymmetry with List, which reports only
// records with a MAIN slot.
func (s *Store) Exists(id string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	if err := ValidateID(id); err != nil {
		return false, err
	}
	return fsutil.Exists(s.mainPath(id)) || fsutil.Exists(s.backupPath(id)), nil
}

// List returns the IDs of all records with a MAIN slot, sorted
// lexicographically. BACKUP-only records are excluded (asymmetric with
// Exists — callers that must see mid-recovery records use Exists).
// Files whose names do not parse to a valid record ID are skipped with
// a warning.
func (s *Store) List() ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	names, err := fsutil.ListRegular(s.root)
	if err != nil {
		return nil, fmt.Errorf("listing storage root: %w", err)
	}

	ids := make([]string, 0, len(names))
	for _, name := range names {
		// MAIN slots only: ".enc" excludes ".enc.bak", ".enc.tmp",
		// and the atomic-write staging suffix by construction.
		if !strings.HasSuffix(name, mainSuffix) {
			continue
		}
		id := strings.TrimSuffix(name, mainSuffix)
		if err := ValidateID(id); err != nil {
			s.logger.Warn("ignoring file that does not map to a record id", "name", name)
			continue
		}
		ids = append(ids, id)
	}

	sort.Strings(ids)
	return ids, nil
}
