package reminder

import (
	"fmt"
	"time"

	"github.com/franzego/barber-reminders/internal/models"
)

const reminderTitle = "¡Tu cita se acerca!"

// BuildPayload renders the notification for one appointment. The time of
// day is shown in loc; an unparsable appointment_date is shown verbatim.
func BuildPayload(a models.Appointment, loc *time.Location) models.NotificationPayload {
	when := a.AppointmentDate
	if t, err := models.ParseTimestamp(a.AppointmentDate); err == nil {
		if loc == nil {
			loc = time.UTC
		}
		when = t.In(loc).Format("15:04")
	}
	return models.NotificationPayload{
		Title: reminderTitle,
		Body:  fmt.Sprintf("Tu servicio de %s con %s es a las %s.", a.ServiceName, a.BarberName, when),
	}
}
