package middleware

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/datarand/datarand-backend/pkg/env"
	"github.com/datarand/datarand-backend/pkg/errors"
	"github.com/datarand/datarand-backend/pkg/logging"
	"github.com/datarand/datarand-backend/pkg/types"
)

const maxBodyBytes = 1 << 20

type Validator struct {
	validate *validator.Validate
	logger   logging.Logger
}

func NewValidator(logger logging.Logger) *Validator {
	v := validator.New()

	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.String()
		}
		return nil
	}, decimal.Decimal{})

	custom := map[string]validator.Func{
		"eth_address":      validateEthAddress,
		"tx_hash":          validateTxHash,
		"task_category":    validateTaskCategory,
		"positive_decimal": validatePositiveDecimal,
	}
	for tag, fn := range custom {
		if err := v.RegisterValidation(tag, fn); err != nil {
			logger.Errorf("Error registering validation %s: %v", tag, err)
		}
	}

	return &Validator{
		validate: v,
		logger:   logger,
	}
}

// Struct validates a DTO outside of the middleware.
func (v *Validator) Struct(s any) error {
	return v.validate.Struct(s)
}

// GinMiddleware validates the JSON body of the routes that carry one. The
// body is restored so handlers can bind it again.
func (v *Validator) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := GetLogger(c)

		dto, optional := requestBody(c.Request.Method, c.FullPath())
		if dto == nil {
			c.Next()
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
		if err != nil {
			logger.Errorf("Error reading request body: %v", err)
			abortWithError(c, errors.KindValidation, errors.ErrInvalidRequestBody, []string{err.Error()})
			return
		}
		if len(body) > maxBodyBytes {
			abortWithError(c, errors.KindValidation, "Request body too large", nil)
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		if len(bytes.TrimSpace(body)) == 0 && optional {
			c.Next()
			return
		}

		if err := c.ShouldBindJSON(dto); err != nil {
			logger.Debugf("Invalid request body: %v", err)
			abortWithError(c, errors.KindValidation, errors.ErrInvalidRequestBody, []string{err.Error()})
			return
		}
		if err := v.validate.Struct(dto); err != nil {
			logger.Debugf("Validation error: %v", err)
			abortWithError(c, errors.KindValidation, "Validation failed", describe(err))
			return
		}

		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		c.Next()
	}
}

// requestBody returns the DTO a route expects and whether its body may be empty.
func requestBody(method, route string) (any, bool) {
	if method != "POST" {
		return nil, false
	}
	switch route {
	case "/api/auth/login":
		return &types.LoginRequest{}, false
	case "/api/tasks":
		return &types.CreateTaskRequest{}, false
	case "/api/tasks/:id/confirm-funding":
		return &types.ConfirmFundingRequest{}, false
	case "/api/tasks/request":
		return &types.RequestTaskRequest{}, true
	case "/api/submissions":
		return &types.SubmitWorkRequest{}, false
	case "/api/submissions/:id/review":
		return &types.ReviewSubmissionRequest{}, false
	}
	return nil, false
}

func describe(err error) []string {
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			out = append(out, fmt.Sprintf("%s failed on %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		out = append(out, fmt.Sprintf("%s failed on %s", fe.Field(), fe.Tag()))
	}
	return out
}

func validateEthAddress(fl validator.FieldLevel) bool {
	return env.IsValidEthAddress(fl.Field().String())
}

func validateTxHash(fl validator.FieldLevel) bool {
	return env.IsValidTxHash(fl.Field().String())
}

func validateTaskCategory(fl validator.FieldLevel) bool {
	return types.TaskCategory(fl.Field().String()).IsValid()
}

func validatePositiveDecimal(fl validator.FieldLevel) bool {
	d, err := decimal.NewFromString(fl.Field().String())
	return err == nil && d.IsPositive()
}
