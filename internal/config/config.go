package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// Settings is the full mutable configuration document. It is persisted as a
// single JSON file shared by both front-end processes; every accessor reads
// the file again so that an admin change made by the other process is visible
// on the very next call.
type Settings struct {
	Teams         map[string]string  `json:"teams"`          // slot ("team1"/"team2") -> display name
	Coefficients  map[string]float64 `json:"coefficients"`   // slot -> payout multiplier
	TeamEmojis    map[string]string  `json:"team_emojis"`    // slot -> emoji, presentation only
	ExchangeRates map[string]float64 `json:"exchange_rates"` // currency code -> rate to reference
	MaxBet        float64            `json:"max_bet_uah"`
	MinBet        float64            `json:"min_bet_uah"`
	MaxBalance    float64            `json:"max_balance_uah"`
	MaxDeposit    float64            `json:"max_deposit_uah"`
}

// Limits groups the scalar limits for validation paths.
type Limits struct {
	MaxBet     float64
	MinBet     float64
	MaxBalance float64
	MaxDeposit float64
}

// Defaults returns the built-in configuration used to seed a fresh
// installation and to backfill keys missing from an older settings file.
func Defaults() Settings {
	return Settings{
		Teams: map[string]string{
			"team1": "Sovkamax",
			"team2": "Faze",
		},
		Coefficients: map[string]float64{
			"team1": 1.82,
			"team2": 2.22,
		},
		TeamEmojis: map[string]string{
			"team1": "🧑‍💼",
			"team2": "🦅",
		},
		ExchangeRates: map[string]float64{
			"USD": 41.18,
			"EUR": 47.87,
			"UAH": 1.0,
			"BTC": 4526731.0,
			"ETH": 152462.0,
		},
		MaxBet:     100_000,
		MinBet:     10,
		MaxBalance: 500_000,
		MaxDeposit: 10_000,
	}
}

// Store reads and writes the settings file. Reads never cache: a Snapshot
// taken now and one taken a moment later may legitimately differ if an admin
// changed a value in between, and callers must tolerate that.
type Store struct {
	mu   sync.Mutex
	path string
	log  zerolog.Logger
}

func NewStore(path string, log zerolog.Logger) *Store {
	return &Store{path: path, log: log}
}

// Snapshot loads the current settings from disk. A missing file yields the
// defaults; keys absent from the file are backfilled from the defaults so an
// old settings file keeps working after new keys are introduced.
func (s *Store) Snapshot() (Settings, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Defaults(), nil
		}
		return Defaults(), fmt.Errorf("read settings %s: %w", s.path, err)
	}

	settings := Defaults()
	if err := json.Unmarshal(data, &settings); err != nil {
		return Defaults(), fmt.Errorf("parse settings %s: %w", s.path, err)
	}
	backfill(&settings)
	return settings, nil
}

func backfill(settings *Settings) {
	def := Defaults()
	if len(settings.Teams) == 0 {
		settings.Teams = def.Teams
	}
	if len(settings.Coefficients) == 0 {
		settings.Coefficients = def.Coefficients
	}
	if len(settings.TeamEmojis) == 0 {
		settings.TeamEmojis = def.TeamEmojis
	}
	if len(settings.ExchangeRates) == 0 {
		settings.ExchangeRates = def.ExchangeRates
	}
	if settings.MaxBet <= 0 {
		settings.MaxBet = def.MaxBet
	}
	if settings.MinBet <= 0 {
		settings.MinBet = def.MinBet
	}
	if settings.MaxBalance <= 0 {
		settings.MaxBalance = def.MaxBalance
	}
	if settings.MaxDeposit <= 0 {
		settings.MaxDeposit = def.MaxDeposit
	}
}

// WriteError wraps a settings-file write failure. It separates storage
// trouble from validation rejections so callers can report the former as a
// server-side fault.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("settings write: %v", e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// save writes the settings atomically (temp file + rename). On any failure
// the file on disk is left untouched and the error is returned to the caller.
func (s *Store) save(settings Settings) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".settings-*.json")
	if err != nil {
		return fmt.Errorf("create temp settings: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close settings: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace settings %s: %w", s.path, err)
	}
	return nil
}

// Get returns a single value by section and key. Sections "teams",
// "coefficients", "team_emojis" and "exchange_rates" are keyed maps; section
// "limits" exposes the scalar limits by their JSON names.
func (s *Store) Get(section, key string) (any, error) {
	settings, err := s.Snapshot()
	if err != nil {
		return nil, err
	}

	switch section {
	case "teams":
		if v, ok := settings.Teams[key]; ok {
			return v, nil
		}
	case "coefficients":
		if v, ok := settings.Coefficients[key]; ok {
			return v, nil
		}
	case "team_emojis":
		if v, ok := settings.TeamEmojis[key]; ok {
			return v, nil
		}
	case "exchange_rates":
		if v, ok := settings.ExchangeRates[key]; ok {
			return v, nil
		}
	case "limits":
		switch key {
		case "max_bet_uah":
			return settings.MaxBet, nil
		case "min_bet_uah":
			return settings.MinBet, nil
		case "max_balance_uah":
			return settings.MaxBalance, nil
		case "max_deposit_uah":
			return settings.MaxDeposit, nil
		}
	default:
		return nil, fmt.Errorf("unknown settings section %q", section)
	}
	return nil, fmt.Errorf("unknown settings key %q in section %q", key, section)
}

// Set updates a single value and durably persists the whole document. If the
// write fails nothing changes and the error must be propagated by the caller
// rather than papered over with a default.
func (s *Store) Set(section, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings, err := s.Snapshot()
	if err != nil {
		return err
	}

	switch section {
	case "teams":
		v, err := asString(value)
		if err != nil {
			return fmt.Errorf("teams.%s: %w", key, err)
		}
		settings.Teams[key] = v
	case "coefficients":
		v, err := asFloat(value)
		if err != nil {
			return fmt.Errorf("coefficients.%s: %w", key, err)
		}
		if v < 1.0 {
			return fmt.Errorf("coefficients.%s: multiplier %v below 1.0", key, v)
		}
		settings.Coefficients[key] = v
	case "team_emojis":
		v, err := asString(value)
		if err != nil {
			return fmt.Errorf("team_emojis.%s: %w", key, err)
		}
		settings.TeamEmojis[key] = v
	case "exchange_rates":
		v, err := asFloat(value)
		if err != nil {
			return fmt.Errorf("exchange_rates.%s: %w", key, err)
		}
		if v <= 0 {
			return fmt.Errorf("exchange_rates.%s: rate %v must be positive", key, v)
		}
		settings.ExchangeRates[key] = v
	case "limits":
		v, err := asFloat(value)
		if err != nil {
			return fmt.Errorf("limits.%s: %w", key, err)
		}
		if v <= 0 {
			return fmt.Errorf("limits.%s: limit %v must be positive", key, v)
		}
		switch key {
		case "max_bet_uah":
			settings.MaxBet = v
		case "min_bet_uah":
			settings.MinBet = v
		case "max_balance_uah":
			settings.MaxBalance = v
		case "max_deposit_uah":
			settings.MaxDeposit = v
		default:
			return fmt.Errorf("unknown limit %q", key)
		}
	default:
		return fmt.Errorf("unknown settings section %q", section)
	}

	if err := s.save(settings); err != nil {
		s.log.Error().Err(err).Str("section", section).Str("key", key).
			Msg("settings write failed, in-memory value discarded")
		return &WriteError{Err: err}
	}

	s.log.Info().Str("section", section).Str("key", key).
		Interface("value", value).Msg("setting updated")
	return nil
}

func asString(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %T", v)
	}
	return s, nil
}

func asFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	}
	return 0, fmt.Errorf("expected number, got %T", v)
}

// TeamNames returns the display names of the two round participants.
func (s *Store) TeamNames() (string, string, error) {
	settings, err := s.Snapshot()
	if err != nil {
		return "", "", err
	}
	return settings.Teams["team1"], settings.Teams["team2"], nil
}

// Coefficients returns payout multipliers keyed by team display name, which
// is the form every validation and settlement path wants.
func (s *Store) Coefficients() (map[string]float64, error) {
	settings, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(settings.Teams))
	for slot, name := range settings.Teams {
		out[name] = settings.Coefficients[slot]
	}
	return out, nil
}

// TeamEmojis returns emojis keyed by team display name.
func (s *Store) TeamEmojis() (map[string]string, error) {
	settings, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(settings.Teams))
	for slot, name := range settings.Teams {
		out[name] = settings.TeamEmojis[slot]
	}
	return out, nil
}

// ExchangeRates returns the currency-code -> reference-rate map.
func (s *Store) ExchangeRates() (map[string]float64, error) {
	settings, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	return settings.ExchangeRates, nil
}

// Limits returns the scalar bet/deposit/balance limits.
func (s *Store) Limits() (Limits, error) {
	settings, err := s.Snapshot()
	if err != nil {
		return Limits{}, err
	}
	return Limits{
		MaxBet:     settings.MaxBet,
		MinBet:     settings.MinBet,
		MaxBalance: settings.MaxBalance,
		MaxDeposit: settings.MaxDeposit,
	}, nil
}
