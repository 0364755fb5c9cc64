package normalizer

import "github.com/ThanhHiep25/Detal-CRM-sub002/pkg/types"

// idAliases is tried in order; the first present alias decides the id.
var idAliases = []string{"id", "appointmentId", "appointment_id"}

// envelopeKeys name the wrapper objects some publishers put around the
// appointment payload.
var envelopeKeys = []string{"appointment", "payload", "data"}

type stringField struct {
	aliases []string
	dst     func(*types.NormalizedEvent) **string
}

type idField struct {
	aliases []string
	dst     func(*types.NormalizedEvent) **int64
}

type minutesField struct {
	aliases []string
	dst     func(*types.NormalizedEvent) **int
}

// Dotted aliases walk into nested objects, e.g. "customer.name".
var stringFields = []stringField{
	{[]string{"label", "title"},
		func(e *types.NormalizedEvent) **string { return &e.Label }},
	{[]string{"customerName", "customer_name", "customer.name", "customer.fullName", "customer.full_name"},
		func(e *types.NormalizedEvent) **string { return &e.CustomerName }},
	{[]string{"customerEmail", "customer_email", "customer.email"},
		func(e *types.NormalizedEvent) **string { return &e.CustomerEmail }},
	{[]string{"customerUsername", "customer_username", "customer.username"},
		func(e *types.NormalizedEvent) **string { return &e.CustomerUsername }},
	{[]string{"serviceName", "service_name", "service.name"},
		func(e *types.NormalizedEvent) **string { return &e.ServiceName }},
	{[]string{"dentistName", "dentist_name", "dentist.name", "dentist.fullName", "dentist.full_name"},
		func(e *types.NormalizedEvent) **string { return &e.DentistName }},
	{[]string{"assistantName", "assistant_name", "assistant.name", "assistant.fullName", "assistant.full_name"},
		func(e *types.NormalizedEvent) **string { return &e.AssistantName }},
	{[]string{"branchName", "branch_name", "branch.name"},
		func(e *types.NormalizedEvent) **string { return &e.BranchName }},
	{[]string{"scheduledTime", "scheduled_time", "scheduledAt", "scheduled_at", "startTime", "start_time"},
		func(e *types.NormalizedEvent) **string { return &e.ScheduledTime }},
	{[]string{"notes", "note"},
		func(e *types.NormalizedEvent) **string { return &e.Notes }},
	{[]string{"status", "appointmentStatus", "appointment_status", "status.name"},
		func(e *types.NormalizedEvent) **string { return &e.Status }},
	{[]string{"createdAt", "created_at"},
		func(e *types.NormalizedEvent) **string { return &e.CreatedAt }},
	{[]string{"updatedAt", "updated_at"},
		func(e *types.NormalizedEvent) **string { return &e.UpdatedAt }},
}

var idFields = []idField{
	{[]string{"customerId", "customer_id", "customer.id"},
		func(e *types.NormalizedEvent) **int64 { return &e.CustomerID }},
	{[]string{"serviceId", "service_id", "service.id"},
		func(e *types.NormalizedEvent) **int64 { return &e.ServiceID }},
	{[]string{"dentistId", "dentist_id", "dentist.id"},
		func(e *types.NormalizedEvent) **int64 { return &e.DentistID }},
	{[]string{"assistantId", "assistant_id", "assistant.id"},
		func(e *types.NormalizedEvent) **int64 { return &e.AssistantID }},
	{[]string{"branchId", "branch_id", "branch.id"},
		func(e *types.NormalizedEvent) **int64 { return &e.BranchID }},
	{[]string{"receptionistId", "receptionist_id", "receptionist.id"},
		func(e *types.NormalizedEvent) **int64 { return &e.ReceptionistID }},
}

var minutesFields = []minutesField{
	{[]string{"serviceDurationMinutes", "serviceDuration", "service_duration_minutes", "service_duration", "service.durationMinutes", "service.duration"},
		func(e *types.NormalizedEvent) **int { return &e.ServiceDurationMinutes }},
	{[]string{"estimatedMinutes", "estimated_minutes", "estimatedDuration", "estimated_duration"},
		func(e *types.NormalizedEvent) **int { return &e.EstimatedMinutes }},
}
