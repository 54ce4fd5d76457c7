package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	customerdomain "github.com/smallbiznis/rebill/internal/customer/domain"
)

func (s *Server) ListCustomers(c *gin.Context) {
	pageSize, err := parseOptionalInt(c.Query("page_size"))
	if err != nil || (pageSize != nil && (*pageSize < 1 || *pageSize > 250)) {
		AbortWithError(c, newValidationError("page_size", "invalid_page_size", "page_size must be between 1 and 250"))
		return
	}
	createdFrom, err := parseOptionalTime(c.Query("created_from"), false)
	if err != nil {
		AbortWithError(c, newValidationError("created_from", "invalid_created_from", "invalid created_from"))
		return
	}
	createdTo, err := parseOptionalTime(c.Query("created_to"), true)
	if err != nil {
		AbortWithError(c, newValidationError("created_to", "invalid_created_to", "invalid created_to"))
		return
	}

	req := customerdomain.ListCustomerRequest{
		PageToken:   c.Query("page_token"),
		Email:       c.Query("email"),
		CreatedFrom: createdFrom,
		CreatedTo:   createdTo,
	}
	if pageSize != nil {
		req.PageSize = int32(*pageSize)
	}

	resp, err := s.customerSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respond(c, http.StatusOK, "", resp)
}

func (s *Server) GetCustomerByID(c *gin.Context) {
	customer, err := s.customerSvc.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respond(c, http.StatusOK, "", customer)
}
