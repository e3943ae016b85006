package gateway

import (
	"crypto/subtle"
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/MEKXH/tether/internal/metrics"
)

const (
	requestIDHeader = "X-Request-ID"

	localRequestID = "request_id"
	localOperator  = "operator"
)

func requestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		rid := strings.TrimSpace(c.Get(requestIDHeader))
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Locals(localRequestID, rid)
		c.Set(requestIDHeader, rid)
		return c.Next()
	}
}

// getRequestID returns the id assigned by requestID.
func getRequestID(c *fiber.Ctx) string {
	if rid, ok := c.Locals(localRequestID).(string); ok {
		return rid
	}
	return ""
}

func requestMetrics() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Path() == "/metrics" {
			return c.Next()
		}
		err := c.Next()
		status := c.Response().StatusCode()
		if err != nil {
			status = statusFor(err)
		}
		// Route templates keep ids out of the label values.
		metrics.HTTPRequestsTotal.WithLabelValues(c.Method(), c.Route().Path, strconv.Itoa(status)).Inc()
		return err
	}
}

// authenticate accepts the static token or an HS256 JWT. A JWT's subject
// becomes the operator identity for the request. With neither configured
// the API is open.
func authenticate(token, jwtSecret string) fiber.Handler {
	token = strings.TrimSpace(token)
	jwtSecret = strings.TrimSpace(jwtSecret)

	return func(c *fiber.Ctx) error {
		if token == "" && jwtSecret == "" {
			return c.Next()
		}

		header := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			return errUnauthorized("missing or invalid bearer token")
		}
		bearer := strings.TrimSpace(strings.TrimPrefix(header, prefix))

		if token != "" && subtle.ConstantTimeCompare([]byte(bearer), []byte(token)) == 1 {
			return c.Next()
		}
		if jwtSecret == "" {
			return errUnauthorized("missing or invalid bearer token")
		}

		subject, err := verifyJWT(bearer, jwtSecret)
		if err != nil {
			return errUnauthorized(err.Error())
		}
		c.Locals(localOperator, subject)
		return c.Next()
	}
}

func verifyJWT(raw, secret string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", errors.New("token expired")
		}
		return "", errors.New("invalid token")
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", errors.New("token has no subject")
	}
	return subject, nil
}

// operatorFor resolves the acting operator. A JWT subject wins over the
// request body and the two must agree when both are given.
func operatorFor(c *fiber.Ctx, fromBody string) (string, error) {
	fromBody = strings.TrimSpace(fromBody)
	subject, _ := c.Locals(localOperator).(string)
	if subject == "" {
		return fromBody, nil
	}
	if fromBody != "" && fromBody != subject {
		return "", errForbidden("operator does not match token subject")
	}
	return subject, nil
}
