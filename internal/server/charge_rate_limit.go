package server

import (
	"context"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/rebill/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/rebill/internal/observability/metrics"
	"go.uber.org/zap"
)

const rateLimitReasonSubscriptionRate = "subscription-rate"

// ManualChargeRateLimit throttles operator-triggered charges per subscription.
func (s *Server) ManualChargeRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.chargeLimiter == nil {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		subscriptionID := strings.TrimSpace(c.Param("id"))
		result, err := s.chargeLimiter.Allow(ctx, subscriptionID)
		if err != nil {
			logger.FromContext(ctx).Warn("manual charge rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !result.Allowed {
			retryAfter := int(result.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			denyManualCharge(c, retryAfter, s.obsMetrics)
			return
		}
		c.Next()
	}
}

func denyManualCharge(c *gin.Context, retryAfter int, metrics *obsmetrics.Metrics) {
	ctx := c.Request.Context()
	logger.FromContext(ctx).Warn("manual charge rate limit exceeded",
		zap.String("reason", rateLimitReasonSubscriptionRate),
		zap.String("subscription_id", c.Param("id")),
	)
	recordRateLimitDenied(ctx, c.FullPath(), rateLimitReasonSubscriptionRate, metrics)

	c.Header("Retry-After", strconv.Itoa(retryAfter))
	c.Header("X-Rate-Limited-Reason", rateLimitReasonSubscriptionRate)
	AbortWithError(c, ErrRateLimited)
}

func recordRateLimitDenied(ctx context.Context, endpoint, reason string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitDenied(ctx, endpoint, reason)
}
