package handler

import (
	"fmt"

	"taskmanager/internal/model"
	"taskmanager/internal/status"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// RegisterValidators adds the task tags used in request bindings
// (taskstatus, taskpriority) to gin's validator.
func RegisterValidators() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return fmt.Errorf("unexpected validator engine %T", binding.Validator.Engine())
	}
	if err := v.RegisterValidation("taskstatus", func(fl validator.FieldLevel) bool {
		return status.Status(fl.Field().String()).Valid()
	}); err != nil {
		return err
	}
	return v.RegisterValidation("taskpriority", func(fl validator.FieldLevel) bool {
		return model.Priority(fl.Field().String()).Valid()
	})
}
