package tracking

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/radiusdt/shoptraffic/internal/codegen"
	"github.com/radiusdt/shoptraffic/internal/models"
	"github.com/radiusdt/shoptraffic/internal/storage"
	"go.uber.org/zap"
)

// LinkService issues tracking links and records conversions against them.
type LinkService struct {
	subjects    storage.SubjectStore
	conversions storage.ConversionStore
	generator   *codegen.Generator
	logger      *zap.Logger
}

// NewLinkService creates a LinkService.
func NewLinkService(subjects storage.SubjectStore, conversions storage.ConversionStore, gen *codegen.Generator, logger *zap.Logger) *LinkService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LinkService{subjects: subjects, conversions: conversions, generator: gen, logger: logger}
}

const (
	maxLinkNameLen = 100
	defaultTarget  = "/"
)

// LinkUpdate carries the fields to change on a link. Nil fields are left
// alone.
type LinkUpdate struct {
	Name      *string `json:"name"`
	TargetURL *string `json:"targetUrl"`
	IsActive  *bool   `json:"isActive"`
}

// Create issues a new active link. An empty target sends visitors to the
// site root. A code lost to a concurrent insert triggers a fresh
// generation, at most MaxAttempts times.
func (s *LinkService) Create(ctx context.Context, name, targetURL string) (*models.TrackingLink, error) {
	name, err := validateName(name)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(targetURL) == "" {
		targetURL = defaultTarget
	}
	if targetURL, err = validateTarget(targetURL); err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= s.generator.MaxAttempts(); attempt++ {
		code, err := s.generator.Generate(ctx)
		if err != nil {
			return nil, err
		}

		link := &models.TrackingLink{Code: code, Name: name, TargetURL: targetURL, IsActive: true}
		err = s.subjects.CreateLink(ctx, link)
		if errors.Is(err, models.ErrCodeConflict) {
			s.logger.Debug("attribution code taken concurrently", zap.String("code", code), zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", models.ErrStoreUnavailable, err)
		}

		s.logger.Info("tracking link created", zap.String("code", code), zap.Int64("id", link.ID))
		return link, nil
	}
	return nil, fmt.Errorf("create link: %w", models.ErrCodeGenerationExhausted)
}

// Update changes the name, target or active flag of the link with code.
// Reactivating a deactivated link goes through here.
func (s *LinkService) Update(ctx context.Context, code string, u LinkUpdate) (*models.TrackingLink, error) {
	link, err := s.Get(ctx, code)
	if err != nil {
		return nil, err
	}

	if u.Name != nil {
		if link.Name, err = validateName(*u.Name); err != nil {
			return nil, err
		}
	}
	if u.TargetURL != nil {
		target := *u.TargetURL
		if strings.TrimSpace(target) == "" {
			target = defaultTarget
		}
		if link.TargetURL, err = validateTarget(target); err != nil {
			return nil, err
		}
	}
	if u.IsActive != nil {
		link.IsActive = *u.IsActive
	}

	if err := s.subjects.UpdateLink(ctx, link); err != nil {
		if errors.Is(err, models.ErrSubjectNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", models.ErrStoreUnavailable, err)
	}
	s.logger.Info("tracking link updated", zap.String("code", code), zap.Bool("active", link.IsActive))
	return link, nil
}

// Deactivate soft-disables a link. Its code stays reserved.
func (s *LinkService) Deactivate(ctx context.Context, code string) error {
	return s.subjects.SetLinkActive(ctx, code, false)
}

// Get returns a link by code or ErrSubjectNotFound.
func (s *LinkService) Get(ctx context.Context, code string) (*models.TrackingLink, error) {
	link, err := s.subjects.GetLinkByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrStoreUnavailable, err)
	}
	if link == nil {
		return nil, fmt.Errorf("link %q: %w", code, models.ErrSubjectNotFound)
	}
	return link, nil
}

// RecordConversion attributes a downstream action to the link with code.
func (s *LinkService) RecordConversion(ctx context.Context, code string, kind models.ConversionKind) error {
	if kind != models.ConversionInquiry && kind != models.ConversionSignup {
		return fmt.Errorf("conversion kind %q: %w", kind, models.ErrInvalidInput)
	}
	link, err := s.Get(ctx, code)
	if err != nil {
		return err
	}
	if err := s.conversions.AddConversion(ctx, &models.Conversion{LinkID: link.ID, Kind: kind}); err != nil {
		return fmt.Errorf("%w: %w", models.ErrStoreUnavailable, err)
	}
	return nil
}

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("name is required: %w", models.ErrInvalidInput)
	}
	if len([]rune(name)) > maxLinkNameLen {
		return "", fmt.Errorf("name longer than %d characters: %w", maxLinkNameLen, models.ErrInvalidInput)
	}
	return name, nil
}

// validateTarget accepts an absolute http(s) URL or a path on this site.
// Protocol-relative targets ("//host") are rejected.
func validateTarget(raw string) (string, error) {
	target := strings.TrimSpace(raw)
	invalid := fmt.Errorf("target url %q: %w", raw, models.ErrInvalidInput)

	u, err := url.Parse(target)
	if err != nil {
		return "", invalid
	}
	if strings.HasPrefix(target, "/") {
		if strings.HasPrefix(target, "//") || strings.Contains(target, `\`) || u.Host != "" {
			return "", invalid
		}
		return target, nil
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", invalid
	}
	return target, nil
}
