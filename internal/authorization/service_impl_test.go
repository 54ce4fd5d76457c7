package authorization

import (
	"context"
	"testing"

	"github.com/smallbiznis/rebill/internal/config"
	"github.com/smallbiznis/rebill/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T, keys map[string]string) Service {
	t.Helper()
	conn, err := db.NewTest()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	enforcer, err := NewEnforcer(conn)
	if err != nil {
		t.Fatalf("enforcer: %v", err)
	}
	svc, err := NewService(Params{
		Log:      zap.NewNop(),
		Cfg:      config.Config{OperatorAPIKeys: keys},
		Enforcer: enforcer,
	})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	return svc
}

func TestAuthenticate(t *testing.T) {
	svc := newTestService(t, map[string]string{"adm-key": "admin", "ops-key": "operator"})

	p, err := svc.Authenticate(context.Background(), "ops-key")
	require.NoError(t, err)
	assert.Equal(t, RoleOperator, p.Role)
	assert.Equal(t, apiKeySubject("ops-key"), p.Subject)
	assert.NotContains(t, p.Subject, "ops-key")

	_, err = svc.Authenticate(context.Background(), "nope")
	require.ErrorIs(t, err, ErrUnknownAPIKey)
	_, err = svc.Authenticate(context.Background(), "  ")
	require.ErrorIs(t, err, ErrUnknownAPIKey)
}

func TestAuthorizeRoles(t *testing.T) {
	svc := newTestService(t, map[string]string{
		"adm-key": "admin",
		"ops-key": "operator",
		"ro-key":  "analyst",
	})
	admin := apiKeySubject("adm-key")
	operator := apiKeySubject("ops-key")
	analyst := apiKeySubject("ro-key")

	cases := []struct {
		name    string
		actor   string
		object  string
		action  string
		allowed bool
	}{
		{"analyst reads analytics", analyst, ObjectAnalytics, ActionAnalyticsView, true},
		{"analyst reads subscription", analyst, ObjectSubscription, ActionSubscriptionView, true},
		{"analyst cannot charge", analyst, ObjectSubscription, ActionSubscriptionCharge, false},
		{"operator charges", operator, ObjectSubscription, ActionSubscriptionCharge, true},
		{"operator inherits analyst", operator, ObjectAnalytics, ActionAnalyticsView, true},
		{"operator cannot run billing", operator, ObjectBillingRun, ActionBillingRunExecute, false},
		{"operator cannot create plans", operator, ObjectPlan, ActionPlanCreate, false},
		{"admin runs billing", admin, ObjectBillingRun, ActionBillingRunExecute, true},
		{"admin inherits operator", admin, ObjectSubscription, ActionSubscriptionCancel, true},
		{"system runs billing", "system", ObjectBillingRun, ActionBillingRunExecute, true},
		{"unknown key", apiKeySubject("other"), ObjectAnalytics, ActionAnalyticsView, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := svc.Authorize(context.Background(), tc.actor, tc.object, tc.action)
			if tc.allowed {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrForbidden)
		})
	}
}

func TestAuthorizeRejectsMalformedInput(t *testing.T) {
	svc := newTestService(t, map[string]string{"adm-key": "admin"})
	ctx := context.Background()

	require.ErrorIs(t, svc.Authorize(ctx, "", ObjectPlan, ActionPlanView), ErrInvalidActor)
	require.ErrorIs(t, svc.Authorize(ctx, "user:1", ObjectPlan, ActionPlanView), ErrInvalidActor)
	require.ErrorIs(t, svc.Authorize(ctx, "system", " ", ActionPlanView), ErrInvalidObject)
	require.ErrorIs(t, svc.Authorize(ctx, "system", ObjectPlan, ""), ErrInvalidAction)
}

func TestNewServiceRejectsUnknownRole(t *testing.T) {
	conn, err := db.NewTest()
	require.NoError(t, err)
	enforcer, err := NewEnforcer(conn)
	require.NoError(t, err)

	_, err = NewService(Params{
		Log:      zap.NewNop(),
		Cfg:      config.Config{OperatorAPIKeys: map[string]string{"k": "owner"}},
		Enforcer: enforcer,
	})
	require.ErrorIs(t, err, ErrInvalidRole)
}
