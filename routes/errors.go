package routes

import (
	"errors"
	"net/http"
	"rentals-server/logging"
	"rentals-server/services"
	"rentals-server/utils"

	"github.com/kataras/iris/v12"
	"gorm.io/gorm"
)

var (
	conflictErrors = []error{
		services.ErrDatesUnavailable,
		services.ErrPlanExists,
		services.ErrInstallmentNotPayable,
		services.ErrNotPending,
		services.ErrNotCancellable,
		services.ErrPlanHasPayments,
		services.ErrPlanNotActive,
		services.ErrReservationNotPayable,
		services.ErrNothingDue,
		services.ErrPropertyClosed,
		services.ErrEmailRegistered,
	}
	unprocessableErrors = []error{
		services.ErrAmountMismatch,
		services.ErrInvalidSchedule,
		services.ErrInvalidStay,
		services.ErrMinNights,
		services.ErrTooManyGuests,
		services.ErrStayTooLong,
	}
)

func matches(err error, targets []error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

// respondServiceError maps domain errors onto HTTP statuses. Anything
// unrecognised is logged and answered with 500.
func respondServiceError(ctx iris.Context, err error) {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		utils.JSONError(ctx, http.StatusNotFound, "not_found", "resource not found")
	case matches(err, conflictErrors):
		utils.JSONError(ctx, http.StatusConflict, "conflict", err.Error())
	case matches(err, unprocessableErrors):
		utils.JSONError(ctx, http.StatusUnprocessableEntity, "invalid", err.Error())
	case errors.Is(err, services.ErrNotReservationGuest):
		utils.JSONError(ctx, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, services.ErrPaymentsDisabled), errors.Is(err, services.ErrGoogleDisabled):
		utils.JSONError(ctx, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		logging.Log.WithField("path", ctx.Path()).WithError(err).Error("request failed")
		utils.CreateInternalServerError(ctx)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

func paramID(ctx iris.Context, name string) (uint, bool) {
	id, err := ctx.Params().GetUint(name)
	if err != nil || id == 0 {
		utils.JSONError(ctx, http.StatusBadRequest, "invalid_id", "invalid "+name)
		return 0, false
	}
	return id, true
}
