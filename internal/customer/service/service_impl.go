package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rebill/internal/customer/domain"
	"github.com/smallbiznis/rebill/pkg/db"
	"github.com/smallbiznis/rebill/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  domain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("customer.service"),
		genID: p.GenID,
		repo:  p.Repo,
	}
}

// ResolveOrCreate returns the customer with the normalized email, inserting it when absent.
// A concurrent insert of the same email resolves to the row that won.
func (s *Service) ResolveOrCreate(ctx context.Context, req domain.ResolveCustomerRequest) (domain.Customer, error) {
	email := NormalizeEmail(req.Email)
	if email == "" || !strings.Contains(email, "@") {
		return domain.Customer{}, domain.ErrInvalidEmail
	}

	existing, err := s.repo.FindByEmail(ctx, s.db, email)
	if err != nil {
		return domain.Customer{}, err
	}
	if existing != nil {
		return *existing, nil
	}

	now := time.Now().UTC()
	customer := domain.Customer{
		ID:        s.genID.Generate(),
		Email:     email,
		FirstName: strings.TrimSpace(req.FirstName),
		LastName:  strings.TrimSpace(req.LastName),
		Phone:     strings.TrimSpace(req.Phone),
		Metadata:  datatypes.JSONMap{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.repo.Insert(ctx, s.db, &customer); err != nil {
		if !db.IsDuplicateKeyErr(err) {
			return domain.Customer{}, err
		}
		winner, findErr := s.repo.FindByEmail(ctx, s.db, email)
		if findErr != nil {
			return domain.Customer{}, findErr
		}
		if winner == nil {
			return domain.Customer{}, err
		}
		return *winner, nil
	}

	s.log.Debug("customer created", zap.String("customer_id", customer.ID.String()))
	return customer, nil
}

func (s *Service) AttachVaultRef(ctx context.Context, id snowflake.ID, ref string) error {
	ref = strings.TrimSpace(ref)
	if id == 0 || ref == "" {
		return domain.ErrInvalidID
	}
	return s.repo.UpdateVaultRef(ctx, s.db, id, ref)
}

func (s *Service) List(ctx context.Context, req domain.ListCustomerRequest) (domain.ListCustomerResponse, error) {
	filter := domain.ListCustomerFilter{
		Email:       NormalizeEmail(req.Email),
		CreatedFrom: req.CreatedFrom,
		CreatedTo:   req.CreatedTo,
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	items, err := s.repo.List(ctx, s.db, filter, pagination.Pagination{
		PageToken: req.PageToken,
		PageSize:  int(pageSize),
	})
	if err != nil {
		return domain.ListCustomerResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(customer *domain.Customer) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        customer.ID.String(),
			CreatedAt: customer.CreatedAt.Format(time.RFC3339),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > int(pageSize) {
		items = items[:pageSize]
	}

	customers := make([]domain.Customer, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		customers = append(customers, *item)
	}

	resp := domain.ListCustomerResponse{Customers: customers}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}

	return resp, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (domain.Customer, error) {
	customerID, err := s.parseID(id)
	if err != nil {
		return domain.Customer{}, err
	}

	item, err := s.repo.FindByID(ctx, s.db, customerID)
	if err != nil {
		return domain.Customer{}, err
	}
	if item == nil {
		return domain.Customer{}, domain.ErrNotFound
	}

	return *item, nil
}

func (s *Service) parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, domain.ErrInvalidID
	}
	return id, nil
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
