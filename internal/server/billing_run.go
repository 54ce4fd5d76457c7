package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	billingrundomain "github.com/smallbiznis/rebill/internal/billingrun/domain"
)

func (s *Server) RunDueSubscriptions(c *gin.Context) {
	s.runBilling(c, s.billingRun.RunDueSubscriptions)
}

func (s *Server) RunDueRetries(c *gin.Context) {
	s.runBilling(c, s.billingRun.RunDueRetries)
}

// runBilling executes the run on the request goroutine. A disconnecting client stops
// the run between subscriptions, never mid-charge.
func (s *Server) runBilling(c *gin.Context, fn func(context.Context) (billingrundomain.Summary, error)) {
	summary, err := fn(c.Request.Context())
	if err != nil && summary.Total == 0 {
		AbortWithError(c, err)
		return
	}

	message := fmt.Sprintf("processed %d subscriptions: %d approved, %d declined, %d errors, %d skipped",
		summary.Total, summary.Successful, summary.Failed, summary.Errors, summary.Skipped)
	if err != nil {
		message = message + " (stopped early)"
	}
	respond(c, http.StatusOK, message, summary)
}
