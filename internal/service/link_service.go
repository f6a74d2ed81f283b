package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/zhejian/shortlink/internal/config"
	"github.com/zhejian/shortlink/internal/model"
	"github.com/zhejian/shortlink/internal/observability"
	"github.com/zhejian/shortlink/internal/repository"
	"github.com/zhejian/shortlink/internal/visitlog"
)

// LinkServiceInterface defines the contract for creating and resolving short links
type LinkServiceInterface interface {
	Create(ctx context.Context, req *model.CreateLinkRequest) (*model.Link, error)
	Resolve(ctx context.Context, code string) (*model.Link, error)
	Redirect(ctx context.Context, code string, client model.ClientInfo) (*model.Link, error)
	ShortURL(code string) string
}

// LinkService handles business logic for short links
type LinkService struct {
	repo      repository.LinkRepositoryInterface
	visits    visitlog.Recorder
	generator CodeGenerator
	baseURL   string
	retries   int
	minAlias  int
	maxAlias  int
	now       func() time.Time
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// NewLinkService creates a new link service
func NewLinkService(
	repo repository.LinkRepositoryInterface,
	visits visitlog.Recorder,
	generator CodeGenerator,
	cfg config.AppConfig,
	logger *slog.Logger,
	metrics *observability.Metrics,
) *LinkService {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NoopMetrics()
	}
	return &LinkService{
		repo:      repo,
		visits:    visits,
		generator: generator,
		baseURL:   cfg.BaseURL,
		retries:   cfg.ShortCodeRetries,
		minAlias:  cfg.MinAliasLen,
		maxAlias:  cfg.MaxAliasLen,
		now:       time.Now,
		logger:    logger,
		metrics:   metrics,
	}
}

// Create validates req and stores a new link under a custom or generated code
func (s *LinkService) Create(ctx context.Context, req *model.CreateLinkRequest) (*model.Link, error) {
	originalURL, err := ValidateURL(req.URL)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	expiresAt, err := parseExpiry(req.ExpiresAt, req.ExpiresIn, now)
	if err != nil {
		return nil, err
	}

	link := &model.Link{
		OriginalURL: originalURL,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
	}

	if req.CustomCode != "" {
		if err := validateCustomCode(req.CustomCode, s.minAlias, s.maxAlias); err != nil {
			return nil, err
		}
		link.Code = req.CustomCode
		if err := s.repo.Create(ctx, link); err != nil {
			if errors.Is(err, repository.ErrCodeConflict) {
				return nil, ErrCodeTaken
			}
			return nil, storageError("create link", err)
		}
		s.metrics.LinkCreated(ctx, "custom")
		return link, nil
	}

	// The insert is the uniqueness check: a conflict means the candidate was
	// taken, so draw another one.
	for attempt := 1; attempt <= s.retries; attempt++ {
		link.Code = s.generator.Generate()
		err := s.repo.Create(ctx, link)
		if err == nil {
			s.metrics.LinkCreated(ctx, "generated")
			return link, nil
		}
		if !errors.Is(err, repository.ErrCodeConflict) {
			return nil, storageError("create link", err)
		}
		s.metrics.CodeCollision(ctx)
		s.logger.DebugContext(ctx, "generated code collided",
			slog.String("code", link.Code),
			slog.Int("attempt", attempt),
		)
	}

	s.logger.ErrorContext(ctx, "short code generation exhausted", slog.Int("attempts", s.retries))
	return nil, ErrGenerationExhausted
}

// Resolve returns the link for code unless it is unknown or expired
func (s *LinkService) Resolve(ctx context.Context, code string) (*model.Link, error) {
	link, err := s.lookup(ctx, code)
	if err != nil {
		return nil, err
	}
	if link.IsExpired(s.now()) {
		return nil, ErrExpired
	}
	return link, nil
}

// Redirect resolves code and records a visit. Recording is best effort:
// a failure is logged and never returned.
func (s *LinkService) Redirect(ctx context.Context, code string, client model.ClientInfo) (*model.Link, error) {
	link, err := s.Resolve(ctx, code)
	if err != nil {
		s.metrics.Redirect(ctx, string(KindOf(err)))
		return nil, err
	}

	visit := &model.Visit{
		EventID:   uuid.New(),
		Code:      link.Code,
		IPAddress: optional(client.IPAddress),
		UserAgent: optional(client.UserAgent),
		VisitedAt: s.clock(),
	}
	if err := s.visits.Record(ctx, visit); err != nil {
		s.logger.WarnContext(ctx, "visit not recorded",
			slog.String("code", link.Code),
			slog.String("error", err.Error()),
		)
	}

	s.metrics.Redirect(ctx, "success")
	return link, nil
}

// ShortURL builds the public URL for code
func (s *LinkService) ShortURL(code string) string {
	return s.baseURL + "/" + code
}

// lookup fetches a link regardless of expiry
func (s *LinkService) lookup(ctx context.Context, code string) (*model.Link, error) {
	if !isResolvableCode(code) {
		return nil, ErrNotFound
	}
	link, err := s.repo.GetByCode(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, storageError("get link", err)
	}
	return link, nil
}

// clock returns now in UTC at the precision both storage engines keep
func (s *LinkService) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Ensure LinkService implements LinkServiceInterface at compile time
var _ LinkServiceInterface = (*LinkService)(nil)
