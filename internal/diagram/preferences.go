package diagram

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/jkaninda/archdraw/internal/domain"
	"github.com/jkaninda/archdraw/internal/llm"
	"github.com/jkaninda/archdraw/internal/providers"
	"github.com/jkaninda/archdraw/internal/storage"
)

// target is the provider, model and key a session runs with.
type target struct {
	provider string
	model    string
	apiKey   string // Empty = the registry's configured key.
}

// Preferences returns the saved preferences, or an empty record for a new requester.
func (s *Service) Preferences(ctx context.Context, requesterID string) (*domain.Preferences, error) {
	prefs, err := s.store.Preferences().Get(ctx, requesterID)
	if errors.Is(err, storage.ErrNotFound) {
		return &domain.Preferences{RequesterID: requesterID}, nil
	}
	if err != nil {
		return nil, err
	}
	return prefs, nil
}

// Profile returns the effective provider, model and key status.
func (s *Service) Profile(ctx context.Context, requesterID string) (Profile, error) {
	t, err := s.target(ctx, requesterID, "", "")
	if err != nil {
		return Profile{}, err
	}
	return Profile{
		RequesterID:  requesterID,
		Provider:     t.provider,
		Model:        t.model,
		HasOwnKey:    t.apiKey != "",
		HasServerKey: s.registry.ServerKey(t.provider) != "",
	}, nil
}

// SetAPIKey verifies key against provider and saves it. An empty provider
// keeps the current one. Switching provider clears the saved model.
func (s *Service) SetAPIKey(ctx context.Context, requesterID, provider, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("%w: key is empty", ErrInvalidAPIKey)
	}
	prefs, err := s.Preferences(ctx, requesterID)
	if err != nil {
		return err
	}
	if provider == "" {
		provider = s.providerOf(prefs)
	}
	if !slices.Contains(s.registry.Names(), provider) {
		return fmt.Errorf("%w: %q", providers.ErrUnknownProvider, provider)
	}

	if err := s.registry.Check(ctx, provider, key); err != nil {
		var apiErr *llm.APIError
		if errors.As(err, &apiErr) && (apiErr.StatusCode == 401 || apiErr.StatusCode == 403) {
			return fmt.Errorf("%w: %s", ErrInvalidAPIKey, apiErr.Body)
		}
		return fmt.Errorf("checking API key: %w", err)
	}

	if prefs.Provider != provider {
		prefs.Model = ""
	}
	prefs.Provider = provider
	prefs.APIKey = key
	return s.store.Preferences().Upsert(ctx, prefs)
}

// SetModel saves the model used for the requester's provider.
func (s *Service) SetModel(ctx context.Context, requesterID, model string) error {
	model = strings.TrimSpace(model)
	if model == "" {
		return ErrEmptyModel
	}
	prefs, err := s.Preferences(ctx, requesterID)
	if err != nil {
		return err
	}
	prefs.Provider = s.providerOf(prefs)
	prefs.Model = model
	return s.store.Preferences().Upsert(ctx, prefs)
}

// SetProvider switches provider. The saved key and model belong to the old
// provider and are cleared.
func (s *Service) SetProvider(ctx context.Context, requesterID, provider string) error {
	if !slices.Contains(s.registry.Names(), provider) {
		return fmt.Errorf("%w: %q", providers.ErrUnknownProvider, provider)
	}
	prefs, err := s.Preferences(ctx, requesterID)
	if err != nil {
		return err
	}
	if s.providerOf(prefs) == provider {
		return nil
	}
	prefs.Provider = provider
	prefs.Model = ""
	prefs.APIKey = ""
	return s.store.Preferences().Upsert(ctx, prefs)
}

// History returns the requester's runs, newest first.
func (s *Service) History(ctx context.Context, requesterID string, limit int) ([]*domain.DiagramRun, error) {
	return s.store.Runs().List(ctx, requesterID, limit)
}

// Models lists the models available to the requester.
func (s *Service) Models(ctx context.Context, requesterID string) ([]llm.Model, error) {
	t, err := s.resolve(ctx, requesterID, "", "")
	if err != nil {
		return nil, err
	}
	return s.registry.Models(ctx, t.provider, t.apiKey)
}

// resolve is target plus the key requirement.
func (s *Service) resolve(ctx context.Context, requesterID, provider, model string) (target, error) {
	t, err := s.target(ctx, requesterID, provider, model)
	if err != nil {
		return target{}, err
	}
	if t.apiKey == "" && s.registry.ServerKey(t.provider) == "" && providers.RequiresKey(t.provider) {
		return target{}, fmt.Errorf("%s: %w", t.provider, ErrNoAPIKey)
	}
	return t, nil
}

// target merges request overrides, saved preferences and defaults. A saved
// key or model only applies to the provider it was saved for.
func (s *Service) target(ctx context.Context, requesterID, provider, model string) (target, error) {
	prefs, err := s.Preferences(ctx, requesterID)
	if err != nil {
		return target{}, err
	}
	t := target{provider: provider}
	if t.provider == "" {
		t.provider = s.providerOf(prefs)
	}
	if prefs.Provider == "" || prefs.Provider == t.provider {
		t.apiKey = prefs.APIKey
		t.model = prefs.Model
	}
	if model != "" {
		t.model = model
	}
	if t.model == "" {
		t.model = s.registry.DefaultModel(t.provider)
	}
	return t, nil
}

func (s *Service) providerOf(prefs *domain.Preferences) string {
	if prefs.Provider != "" {
		return prefs.Provider
	}
	return s.registry.Default()
}
