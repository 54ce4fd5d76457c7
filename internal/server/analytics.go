package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	analyticsdomain "github.com/smallbiznis/rebill/internal/analytics/domain"
)

func (s *Server) AnalyticsOverview(c *gin.Context) {
	serveAnalytics(c, s.analyticsSvc.Overview)
}

func (s *Server) AnalyticsDeclines(c *gin.Context) {
	serveAnalytics(c, s.analyticsSvc.DeclineDistribution)
}

func (s *Server) AnalyticsRetries(c *gin.Context) {
	serveAnalytics(c, s.analyticsSvc.RetrySuccessByAttempt)
}

func (s *Server) AnalyticsBrands(c *gin.Context) {
	serveAnalytics(c, s.analyticsSvc.CardBrandPerformance)
}

func (s *Server) AnalyticsRevenue(c *gin.Context) {
	serveAnalytics(c, s.analyticsSvc.RevenueSeries)
}

func (s *Server) AnalyticsInsights(c *gin.Context) {
	serveAnalytics(c, s.analyticsSvc.DeclineInsights)
}

func (s *Server) AnalyticsSeries(c *gin.Context) {
	var query analyticsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	f, err := query.filter()
	if err != nil {
		AbortWithError(c, err)
		return
	}

	bucket := analyticsdomain.Bucket(strings.ToLower(strings.TrimSpace(query.Bucket)))
	if bucket == "" {
		bucket = analyticsdomain.BucketDay
	}

	points, err := s.analyticsSvc.ApprovalSeries(c.Request.Context(), f, bucket)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respond(c, http.StatusOK, "", points)
}

func serveAnalytics[T any](c *gin.Context, fn func(context.Context, analyticsdomain.Filter) (T, error)) {
	var query analyticsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	f, err := query.filter()
	if err != nil {
		AbortWithError(c, err)
		return
	}

	out, err := fn(c.Request.Context(), f)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respond(c, http.StatusOK, "", out)
}
