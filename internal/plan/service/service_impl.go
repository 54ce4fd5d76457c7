package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/rebill/internal/cache"
	"github.com/smallbiznis/rebill/internal/plan/domain"
	"github.com/smallbiznis/rebill/pkg/db"
	"github.com/smallbiznis/rebill/pkg/db/option"
	"github.com/smallbiznis/rebill/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Cache cache.PlanCache `optional:"true"`
}

type Service struct {
	log      *zap.Logger
	genID    *snowflake.Node
	planrepo repository.Repository[domain.Plan]
	cache    cache.PlanCache
}

func New(p Params) domain.Service {
	return &Service{
		log:      p.Log.Named("plan.service"),
		genID:    p.GenID,
		planrepo: repository.ProvideStore[domain.Plan](p.DB),
		cache:    p.Cache,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreatePlanRequest) (domain.Plan, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Plan{}, domain.ErrInvalidName
	}
	if req.Amount <= 0 {
		return domain.Plan{}, domain.ErrInvalidAmount
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if len(currency) != 3 {
		return domain.Plan{}, domain.ErrInvalidCurrency
	}
	interval := domain.Interval(strings.ToLower(strings.TrimSpace(req.Interval)))
	if !interval.Valid() {
		return domain.Plan{}, domain.ErrInvalidInterval
	}

	code := strings.TrimSpace(req.Code)
	if code == "" {
		code = name
	}
	code = slug.Make(code)
	if code == "" {
		return domain.Plan{}, domain.ErrInvalidName
	}

	now := time.Now().UTC()
	plan := domain.Plan{
		ID:        s.genID.Generate(),
		Code:      code,
		Name:      name,
		Amount:    req.Amount,
		Currency:  currency,
		Interval:  interval,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.planrepo.Create(ctx, &plan); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return domain.Plan{}, domain.ErrCodeTaken
		}
		return domain.Plan{}, err
	}

	s.log.Info("plan created", zap.String("plan_id", plan.ID.String()), zap.String("code", plan.Code))
	return plan, nil
}

func (s *Service) Get(ctx context.Context, ref string) (domain.Plan, error) {
	ref = strings.ToLower(strings.TrimSpace(ref))
	if ref == "" {
		return domain.Plan{}, domain.ErrInvalidRef
	}
	if s.cache != nil {
		if plan, ok := s.cache.Get(ref); ok {
			return plan, nil
		}
	}

	query := &domain.Plan{Code: ref}
	if id, err := snowflake.ParseString(ref); err == nil && id != 0 {
		query = &domain.Plan{ID: id}
	}

	plan, err := s.planrepo.FindOne(ctx, query)
	if err != nil {
		return domain.Plan{}, err
	}
	if plan == nil {
		return domain.Plan{}, domain.ErrNotFound
	}
	if s.cache != nil {
		s.cache.Set(*plan)
	}
	return *plan, nil
}

func (s *Service) List(ctx context.Context, req domain.ListPlanRequest) ([]domain.Plan, error) {
	opts := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{Field: "created_at", Desc: false}),
	}
	if req.ActiveOnly {
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "active", Operator: option.EQ, Value: true}))
	}

	items, err := s.planrepo.Find(ctx, nil, opts...)
	if err != nil {
		return nil, err
	}

	plans := make([]domain.Plan, 0, len(items))
	for _, item := range items {
		if item != nil {
			plans = append(plans, *item)
		}
	}
	return plans, nil
}
