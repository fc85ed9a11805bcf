package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Settings keys.
const (
	settingPaused       = "paused"
	settingDenyDomains  = "deny_domains"
	settingAllowDomains = "allow_domains"
	settingSuccesses    = "successes"
	settingFailures     = "failures"
	settingPendingWipe  = "pending_wipe"
)

// GetSetting returns the raw value for key, or ErrNotFound.
func (s *Store) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return value, err
}

// SetSetting upserts a raw setting value.
func (s *Store) SetSetting(key, value string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now,
	)
	return err
}

func (s *Store) deleteSetting(key string) error {
	_, err := s.db.Exec("DELETE FROM settings WHERE key = ?", key)
	return err
}

// Paused reports whether background ingestion is paused. Missing setting
// means not paused.
func (s *Store) Paused() (bool, error) {
	raw, err := s.GetSetting(settingPaused)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("parsing paused setting: %w", err)
	}
	return b, nil
}

// SetPaused flips the ingestion pause flag.
func (s *Store) SetPaused(paused bool) error {
	return s.SetSetting(settingPaused, strconv.FormatBool(paused))
}

// Domains returns the deny and allow host lists. Missing settings mean
// empty lists.
func (s *Store) Domains() (deny, allow []string, err error) {
	deny, err = s.domainList(settingDenyDomains)
	if err != nil {
		return nil, nil, err
	}
	allow, err = s.domainList(settingAllowDomains)
	if err != nil {
		return nil, nil, err
	}
	return deny, allow, nil
}

func (s *Store) domainList(key string) ([]string, error) {
	raw, err := s.GetSetting(key)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", key, err)
	}
	return list, nil
}

// SetDomains replaces both host lists.
func (s *Store) SetDomains(deny, allow []string) error {
	if deny == nil {
		deny = []string{}
	}
	if allow == nil {
		allow = []string{}
	}
	denyJSON, err := json.Marshal(deny)
	if err != nil {
		return err
	}
	allowJSON, err := json.Marshal(allow)
	if err != nil {
		return err
	}
	if err := s.SetSetting(settingDenyDomains, string(denyJSON)); err != nil {
		return fmt.Errorf("saving deny list: %w", err)
	}
	if err := s.SetSetting(settingAllowDomains, string(allowJSON)); err != nil {
		return fmt.Errorf("saving allow list: %w", err)
	}
	return nil
}

// Counters returns the cumulative success/failure totals.
func (s *Store) Counters() (Counters, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return Counters{}, fmt.Errorf("beginning counters transaction: %w", err)
	}
	defer tx.Rollback()

	successes, err := counterValue(tx, settingSuccesses)
	if err != nil {
		return Counters{}, err
	}
	failures, err := counterValue(tx, settingFailures)
	if err != nil {
		return Counters{}, err
	}
	return Counters{Successes: successes, Failures: failures}, tx.Commit()
}

// PendingWipe returns the persisted wipe intent, or nil if none is set.
func (s *Store) PendingWipe() (*WipeIntent, error) {
	raw, err := s.GetSetting(settingPendingWipe)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var intent WipeIntent
	if err := json.Unmarshal([]byte(raw), &intent); err != nil {
		return nil, fmt.Errorf("parsing pending wipe: %w", err)
	}
	return &intent, nil
}

// SetPendingWipe persists a deferred wipe intent.
func (s *Store) SetPendingWipe(intent WipeIntent) error {
	raw, err := json.Marshal(intent)
	if err != nil {
		return err
	}
	return s.SetSetting(settingPendingWipe, string(raw))
}

// ClearPendingWipe removes any persisted wipe intent.
func (s *Store) ClearPendingWipe() error {
	return s.deleteSetting(settingPendingWipe)
}
