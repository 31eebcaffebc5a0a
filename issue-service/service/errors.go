package service

import (
	"fmt"

	"fadedreams/roadassist/issue-service/domain"
)

func validation(msg string) error {
	return fmt.Errorf("%w: %s", domain.ErrValidation, msg)
}

func forbidden(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrForbidden, fmt.Sprintf(format, args...))
}
