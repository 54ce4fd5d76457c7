package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	plandomain "github.com/smallbiznis/rebill/internal/plan/domain"
)

func (s *Server) CreatePlan(c *gin.Context) {
	var req plandomain.CreatePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	plan, err := s.planSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	respond(c, http.StatusCreated, "plan created", plan)
}

func (s *Server) ListPlans(c *gin.Context) {
	activeOnly, err := parseOptionalBool(c.Query("active"))
	if err != nil {
		AbortWithError(c, newValidationError("active", "invalid_active", "invalid active"))
		return
	}

	req := plandomain.ListPlanRequest{}
	if activeOnly != nil {
		req.ActiveOnly = *activeOnly
	}
	plans, err := s.planSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	respond(c, http.StatusOK, "", plans)
}
