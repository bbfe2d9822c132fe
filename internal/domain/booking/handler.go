package booking

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicops/clinic/internal/platform/auth"
	"github.com/clinicops/clinic/pkg/caltime"
	"github.com/clinicops/clinic/pkg/pagination"
)

type Handler struct {
	svc       *Service
	schedules *ScheduleManager
}

func NewHandler(svc *Service, schedules *ScheduleManager) *Handler {
	return &Handler{svc: svc, schedules: schedules}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Token redemption is reached from an emailed link; the auth skipper
	// lets it through unauthenticated.
	api.POST("/appointments/confirm", h.ConfirmByToken)

	// Patients and staff
	bookers := append([]string{auth.RolePatient}, auth.StaffRoles...)
	bookGroup := api.Group("", auth.RequireRole(bookers...))
	bookGroup.GET("/schedules", h.ListSchedules)
	bookGroup.GET("/timeslots", h.ListTimeslots)
	bookGroup.POST("/appointments", h.CreateAppointment)
	bookGroup.GET("/appointments", h.ListAppointments)
	bookGroup.GET("/appointments/:id", h.GetAppointment)
	bookGroup.POST("/appointments/:id/reschedule", h.RescheduleAppointment)
	bookGroup.POST("/appointments/:id/cancel", h.CancelAppointment)
	bookGroup.POST("/appointments/:id/confirm", h.ConfirmAppointment)

	// Staff only
	staffGroup := api.Group("", auth.RequireStaff())
	staffGroup.POST("/schedules", h.CreateSchedule)
	staffGroup.DELETE("/schedules/:id", h.DeleteSchedule)
	staffGroup.POST("/appointments/:id/check-in", h.CheckIn)
	staffGroup.POST("/appointments/:id/start", h.StartAppointment)
	staffGroup.POST("/appointments/:id/complete", h.CompleteAppointment)
	staffGroup.POST("/appointments/:id/no-show", h.MarkNoShow)
	staffGroup.DELETE("/appointments/:id", h.DeleteAppointment)
}

// httpStatus maps an error code to its response status.
func httpStatus(code string) int {
	switch code {
	case "NOT_FOUND":
		return http.StatusNotFound
	case "FULLY_BOOKED", "DUPLICATE", "INVALID_STATE", "OVERLAP", "HAS_ACTIVE_DEPENDENTS":
		return http.StatusConflict
	case "NOT_AVAILABLE", "TOO_LATE_TO_CANCEL":
		return http.StatusUnprocessableEntity
	case "UNAUTHORIZED":
		return http.StatusForbidden
	case "INVALID_INPUT":
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// httpError renders err as {"error": CODE, "message": text}. Internal
// errors keep their detail out of the body.
func httpError(err error) error {
	code := ErrorCode(err)
	status := httpStatus(code)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	return echo.NewHTTPError(status, map[string]string{"error": code, "message": msg}).SetInternal(err)
}

func badRequest(format string, args ...interface{}) error {
	return httpError(fmt.Errorf(format+": %w", append(args, ErrInvalidInput)...))
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, badRequest("invalid id %q", c.Param("id"))
	}
	return id, nil
}

func optionalUUID(c echo.Context, name string) (uuid.UUID, error) {
	v := c.QueryParam(name)
	if v == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, badRequest("invalid %s", name)
	}
	return id, nil
}

// doctorDay reads the doctor_id and date query parameters.
func doctorDay(c echo.Context) (uuid.UUID, caltime.Date, error) {
	doctorID, err := optionalUUID(c, "doctor_id")
	if err != nil {
		return uuid.Nil, caltime.Date{}, err
	}
	date, err := caltime.ParseDate(c.QueryParam("date"))
	if err != nil {
		return uuid.Nil, caltime.Date{}, badRequest("invalid date %q", c.QueryParam("date"))
	}
	return doctorID, date, nil
}

func actorOf(c echo.Context) auth.Actor {
	return auth.ActorFromContext(c.Request().Context())
}

// -- Schedule Handlers --

type scheduleResponse struct {
	*Schedule
	Timeslots []*Timeslot `json:"timeslots"`
}

func (h *Handler) CreateSchedule(c echo.Context) error {
	var req CreateScheduleRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid body")
	}
	s, slots, err := h.schedules.CreateSchedule(c.Request().Context(), actorOf(c), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, scheduleResponse{Schedule: s, Timeslots: slots})
}

func (h *Handler) ListSchedules(c echo.Context) error {
	doctorID, date, err := doctorDay(c)
	if err != nil {
		return err
	}
	items, err := h.schedules.ListSchedules(c.Request().Context(), doctorID, date)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items})
}

func (h *Handler) DeleteSchedule(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	doctorID, err := optionalUUID(c, "doctor_id")
	if err != nil {
		return err
	}
	if err := h.schedules.DeleteSchedule(c.Request().Context(), actorOf(c), doctorID, id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListTimeslots(c echo.Context) error {
	doctorID, date, err := doctorDay(c)
	if err != nil {
		return err
	}
	var availableOnly bool
	if v := c.QueryParam("available"); v != "" {
		if availableOnly, err = strconv.ParseBool(v); err != nil {
			return badRequest("invalid available %q", v)
		}
	}
	items, err := h.schedules.ListTimeslots(c.Request().Context(), doctorID, date, availableOnly)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items})
}

// -- Appointment Handlers --

func (h *Handler) CreateAppointment(c echo.Context) error {
	var req CreateBookingRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid body")
	}
	a, err := h.svc.CreateBooking(c.Request().Context(), actorOf(c), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	a, err := h.svc.GetAppointment(c.Request().Context(), actorOf(c), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ListAppointments(c echo.Context) error {
	patientID, err := optionalUUID(c, "patient_id")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListAppointments(c.Request().Context(), actorOf(c), patientID, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	resp := pagination.NewResponse(items, total, pg.Limit, pg.Offset)
	resp.Links = pg.Links(c.Request().URL, total)
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) RescheduleAppointment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var body struct {
		TimeslotID uuid.UUID `json:"timeslot_id"`
	}
	if err := c.Bind(&body); err != nil {
		return badRequest("invalid body")
	}
	a, err := h.svc.RescheduleBooking(c.Request().Context(), actorOf(c), id, body.TimeslotID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) CancelAppointment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := c.Bind(&body); err != nil {
		return badRequest("invalid body")
	}
	a, err := h.svc.CancelBooking(c.Request().Context(), actorOf(c), id, body.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ConfirmAppointment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	a, err := h.svc.ConfirmBooking(c.Request().Context(), actorOf(c), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ConfirmByToken(c echo.Context) error {
	var body struct {
		Token string `json:"token"`
	}
	if err := c.Bind(&body); err != nil {
		return badRequest("invalid body")
	}
	if body.Token == "" {
		body.Token = c.QueryParam("token")
	}
	a, err := h.svc.ConfirmByToken(c.Request().Context(), body.Token)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) CheckIn(c echo.Context) error {
	return h.lifecycle(c, h.svc.CheckIn)
}

func (h *Handler) StartAppointment(c echo.Context) error {
	return h.lifecycle(c, h.svc.Start)
}

func (h *Handler) CompleteAppointment(c echo.Context) error {
	return h.lifecycle(c, h.svc.Complete)
}

func (h *Handler) MarkNoShow(c echo.Context) error {
	return h.lifecycle(c, h.svc.MarkNoShow)
}

type lifecycleFunc func(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Appointment, error)

func (h *Handler) lifecycle(c echo.Context, fn lifecycleFunc) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	a, err := fn(c.Request().Context(), actorOf(c), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) DeleteAppointment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteBooking(c.Request().Context(), actorOf(c), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
