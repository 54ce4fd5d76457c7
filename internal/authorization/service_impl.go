package authorization

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	_ "embed"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"github.com/smallbiznis/rebill/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectSubscription = "subscription"
	ObjectCustomer     = "customer"
	ObjectPlan         = "plan"
	ObjectBillingRun   = "billing_run"
	ObjectAnalytics    = "analytics"
)

const (
	ActionSubscriptionView       = "subscription.view"
	ActionSubscriptionCreate     = "subscription.create"
	ActionSubscriptionCharge     = "subscription.charge"
	ActionSubscriptionPause      = "subscription.pause"
	ActionSubscriptionResume     = "subscription.resume"
	ActionSubscriptionCancel     = "subscription.cancel"
	ActionSubscriptionCredential = "subscription.credential"

	ActionCustomerView = "customer.view"

	ActionPlanView   = "plan.view"
	ActionPlanCreate = "plan.create"

	ActionBillingRunExecute = "billing_run.execute"

	ActionAnalyticsView = "analytics.view"
)

const systemActor = "system"

type Params struct {
	fx.In

	Log      *zap.Logger
	Cfg      config.Config
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	keys     []apiKey
}

type apiKey struct {
	secret    []byte
	principal Principal
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

// NewService binds every configured operator key to its role in the enforcer.
func NewService(p Params) (Service, error) {
	s := &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}

	secrets := make([]string, 0, len(p.Cfg.OperatorAPIKeys))
	for secret := range p.Cfg.OperatorAPIKeys {
		secrets = append(secrets, secret)
	}
	sort.Strings(secrets)

	for _, secret := range secrets {
		role := strings.ToLower(strings.TrimSpace(p.Cfg.OperatorAPIKeys[secret]))
		if !validRole(role) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
		}
		principal := Principal{Subject: apiKeySubject(secret), Role: role}
		if err := s.ensureGrouping(principal.Subject, roleName(role)); err != nil {
			return nil, err
		}
		s.keys = append(s.keys, apiKey{secret: []byte(secret), principal: principal})
	}
	if len(s.keys) == 0 {
		s.log.Warn("no operator api keys configured, every api request will be rejected")
	}
	return s, nil
}

func (s *ServiceImpl) Authenticate(ctx context.Context, raw string) (Principal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Principal{}, ErrUnknownAPIKey
	}
	candidate := []byte(raw)
	var (
		match Principal
		found bool
	)
	// every key is compared so timing does not reveal which one matched
	for _, key := range s.keys {
		if subtle.ConstantTimeCompare(key.secret, candidate) == 1 {
			match = key.principal
			found = true
		}
	}
	if !found {
		return Principal{}, ErrUnknownAPIKey
	}
	return match, nil
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor string, object string, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	if actor != systemActor && !strings.HasPrefix(actor, "api_key:") {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	allowed, err := s.enforcer.Enforce(actor, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Warn("authorization denied",
			zap.String("actor", actor),
			zap.String("object", object),
			zap.String("action", action),
		)
		return ErrForbidden
	}
	return nil
}

func (s *ServiceImpl) ensureGrouping(subject string, role string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 || rule[1] == role {
			continue
		}
		params := make([]interface{}, 0, len(rule))
		for _, value := range rule {
			params = append(params, value)
		}
		if _, err := s.enforcer.RemoveGroupingPolicy(params...); err != nil {
			return err
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, role)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, role)
	return err
}

// apiKeySubject derives a stable casbin subject without storing the key itself.
func apiKeySubject(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return "api_key:" + hex.EncodeToString(sum[:])[:16]
}

func roleName(role string) string {
	return "role:" + role
}

func validRole(role string) bool {
	switch role {
	case RoleAdmin, RoleOperator, RoleAnalyst:
		return true
	default:
		return false
	}
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Analyst permissions (read-only)
		{roleName(RoleAnalyst), ObjectSubscription, ActionSubscriptionView},
		{roleName(RoleAnalyst), ObjectCustomer, ActionCustomerView},
		{roleName(RoleAnalyst), ObjectPlan, ActionPlanView},
		{roleName(RoleAnalyst), ObjectAnalytics, ActionAnalyticsView},

		// Operator permissions
		{roleName(RoleOperator), ObjectSubscription, ActionSubscriptionCreate},
		{roleName(RoleOperator), ObjectSubscription, ActionSubscriptionCharge},
		{roleName(RoleOperator), ObjectSubscription, ActionSubscriptionPause},
		{roleName(RoleOperator), ObjectSubscription, ActionSubscriptionResume},
		{roleName(RoleOperator), ObjectSubscription, ActionSubscriptionCancel},
		{roleName(RoleOperator), ObjectSubscription, ActionSubscriptionCredential},

		// Admin permissions
		{roleName(RoleAdmin), ObjectPlan, ActionPlanCreate},
		{roleName(RoleAdmin), ObjectBillingRun, ActionBillingRunExecute},
	}
	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}

	// admin inherits operator, operator inherits analyst
	groupings := [][]string{
		{roleName(RoleAdmin), roleName(RoleOperator)},
		{roleName(RoleOperator), roleName(RoleAnalyst)},
		{systemActor, roleName(RoleAdmin)},
	}
	for _, grouping := range groupings {
		if _, err := enforcer.AddGroupingPolicy(grouping); err != nil {
			return err
		}
	}
	return nil
}
