// Package providerbalance tracks the operator's remaining credit balance at
// the upstream compute provider, so the team hears about a draining balance
// before dispatches start failing with billing errors.
package providerbalance

import (
	"context"
	"fmt"
	"strconv"
)

// Settings is the key/value store holding the counter and thresholds.
// Implemented by repository.SettingsRepo.
type Settings interface {
	Get(ctx context.Context, key, fallback string) (string, error)
	Set(ctx context.Context, key, value string) error
}

const (
	keyBalance    = "provider_balance_credits"
	keyWarnGreen  = "provider_warn_green"
	keyWarnYellow = "provider_warn_yellow"
	keyWarnRed    = "provider_warn_red"
	keyWarnLevel  = "provider_warn_level"
)

// Alert describes a threshold crossing that should reach the admins.
type Alert struct {
	Level   string
	Balance int64
	Green   int64
	Yellow  int64
	Red     int64
}

func (a Alert) String() string {
	return fmt.Sprintf("provider balance dropped to %s: %d credits (thresholds green=%d yellow=%d red=%d)",
		a.Level, a.Balance, a.Green, a.Yellow, a.Red)
}

var levelOrder = map[string]int{"ok": 0, "green": 1, "yellow": 2, "red": 3}

type Service struct {
	settings Settings
}

func NewService(settings Settings) *Service {
	return &Service{settings: settings}
}

func (s *Service) Balance(ctx context.Context) (int64, error) {
	return s.getInt(ctx, keyBalance, 0)
}

// Add records a top-up of the provider balance.
func (s *Service) Add(ctx context.Context, amount int64) (int64, error) {
	if amount <= 0 {
		return s.Balance(ctx)
	}
	current, err := s.Balance(ctx)
	if err != nil {
		return 0, err
	}
	balance := current + amount
	if err := s.settings.Set(ctx, keyBalance, strconv.FormatInt(balance, 10)); err != nil {
		return 0, err
	}
	level, err := s.level(ctx, balance)
	if err != nil {
		return 0, err
	}
	if err := s.settings.Set(ctx, keyWarnLevel, level); err != nil {
		return 0, err
	}
	return balance, nil
}

// Spend decrements the balance by the provider cost of a dispatched job.
// It returns a non-nil Alert only when the warning level escalated, so
// admins are pinged once per crossing instead of once per job.
func (s *Service) Spend(ctx context.Context, amount int64) (*Alert, error) {
	if amount <= 0 {
		return nil, nil
	}
	current, err := s.Balance(ctx)
	if err != nil {
		return nil, err
	}
	balance := current - amount
	if err := s.settings.Set(ctx, keyBalance, strconv.FormatInt(balance, 10)); err != nil {
		return nil, err
	}

	green, yellow, red, err := s.thresholds(ctx)
	if err != nil {
		return nil, err
	}
	level := calcLevel(balance, green, yellow, red)
	last, err := s.settings.Get(ctx, keyWarnLevel, "ok")
	if err != nil {
		return nil, err
	}
	if last == "" {
		last = "ok"
	}
	if err := s.settings.Set(ctx, keyWarnLevel, level); err != nil {
		return nil, err
	}
	if levelOrder[level] <= levelOrder[last] {
		return nil, nil
	}
	return &Alert{Level: level, Balance: balance, Green: green, Yellow: yellow, Red: red}, nil
}

func (s *Service) level(ctx context.Context, balance int64) (string, error) {
	green, yellow, red, err := s.thresholds(ctx)
	if err != nil {
		return "", err
	}
	return calcLevel(balance, green, yellow, red), nil
}

func (s *Service) thresholds(ctx context.Context) (green, yellow, red int64, err error) {
	if green, err = s.getInt(ctx, keyWarnGreen, 1000); err != nil {
		return
	}
	if yellow, err = s.getInt(ctx, keyWarnYellow, 500); err != nil {
		return
	}
	red, err = s.getInt(ctx, keyWarnRed, 200)
	return
}

func (s *Service) getInt(ctx context.Context, key string, fallback int64) (int64, error) {
	raw, err := s.settings.Get(ctx, key, strconv.FormatInt(fallback, 10))
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback, nil
	}
	return n, nil
}

func calcLevel(balance, green, yellow, red int64) string {
	switch {
	case balance <= red:
		return "red"
	case balance <= yellow:
		return "yellow"
	case balance <= green:
		return "green"
	default:
		return "ok"
	}
}
