package httpapi

import (
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"horse.fit/incidentdedup/internal/auth"
)

const (
	operatorHeader     = "X-Operator"
	operatorContextKey = "auth.operator"
	defaultOperator    = "operator"
	authRealm          = "incidentdedup"
)

// requireOperator admits requests bearing the operator token. Without a
// configured hash every write is refused.
func (s *Server) requireOperator() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if s.opts.OperatorTokenHash == "" {
				return failForbidden(c, "Write endpoints are disabled")
			}

			token, ok := bearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if !ok || !auth.VerifyToken(token, s.opts.OperatorTokenHash) {
				return failUnauthorized(c, authRealm)
			}

			operator := auth.NormalizeOperator(c.Request().Header.Get(operatorHeader))
			if operator == "" {
				operator = defaultOperator
			}
			c.Set(operatorContextKey, operator)
			return next(c)
		}
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func operatorFromContext(c echo.Context) (string, bool) {
	if c == nil {
		return "", false
	}
	operator, ok := c.Get(operatorContextKey).(string)
	return operator, ok
}

func isUUID(value string) bool {
	_, err := uuid.Parse(strings.TrimSpace(value))
	return err == nil
}
