package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/dealerdesk/crm-backend/pkg/auth"
	"github.com/dealerdesk/crm-backend/pkg/models"
)

// Identity middleware extracts the caller's identity claims from a Bearer
// token and stores them on the request context. Requests without a token
// pass through untagged; a present but invalid token is rejected. No
// authorization decisions are made here, the values only feed creator
// stamps and organization scoping.
func Identity(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			if header == "" {
				return next(c)
			}

			token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer"))
			if token == "" {
				return next(c)
			}

			claims, err := auth.ValidateJWT(token, secret)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, models.ErrorResponse{
					Error:   "unauthorized",
					Message: "Invalid or expired token",
				})
			}

			c.Set("user_id", claims.UserID)
			c.Set("username", claims.Username)
			c.Set("name", claims.Name)
			c.Set("organization_id", claims.OrganizationID)

			return next(c)
		}
	}
}

// UserID returns the authenticated user id stored on the context, if any.
func UserID(c echo.Context) string {
	id, _ := c.Get("user_id").(string)
	return id
}

// Username returns the authenticated username stored on the context, if any.
func Username(c echo.Context) string {
	username, _ := c.Get("username").(string)
	return username
}

// OrganizationID returns the caller's organization stored on the context,
// if any.
func OrganizationID(c echo.Context) string {
	org, _ := c.Get("organization_id").(string)
	return org
}
