package handlers

import (
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/backapp/backapp/internal/backup"
)

// RegisterValidators adds the custom binding rules used by request models
func RegisterValidators() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return nil
	}
	return v.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		return backup.ValidateCron(fl.Field().String()) == nil
	})
}
