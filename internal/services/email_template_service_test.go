package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tourmarket/settlement/internal/models"
)

func TestEmailTemplateService_Defaults(t *testing.T) {
	svc := NewEmailTemplateService(nil, zap.NewNop())

	tmpl, err := svc.GetTemplate(context.Background(), TemplateInvoiceOverdue, "de-DE")
	require.NoError(t, err)
	assert.Equal(t, TemplateInvoiceOverdue, tmpl.TemplateID)

	_, err = svc.GetTemplate(context.Background(), "welcome", DefaultLocale)
	assert.ErrorIs(t, err, ErrTemplateNotFound)
}

func TestRenderTemplate(t *testing.T) {
	tmpl := defaultEmailTemplates[TemplateInvoiceOverdue]
	data := map[string]interface{}{
		"app_name":       "TourMarket",
		"invoice_number": "CI-ABC",
		"booking_id":     "bk-1",
		"amount":         "200.00",
		"due_date":       "2024-03-24",
	}

	subject, body, err := RenderTemplate(&tmpl, data)
	require.NoError(t, err)
	assert.Equal(t, "TourMarket: commission invoice CI-ABC is overdue", subject)
	assert.Contains(t, body, "was due on 2024-03-24")
	assert.NotContains(t, body, "Pay online")

	data["payment_url"] = "https://pay.example/x"
	_, body, err = RenderTemplate(&tmpl, data)
	require.NoError(t, err)
	assert.Contains(t, body, "Pay online: https://pay.example/x")
}

func TestRenderTemplate_InvalidSource(t *testing.T) {
	_, _, err := RenderTemplate(&models.EmailTemplate{TemplateID: "broken", Subject: "{{.x", Body: ""}, nil)
	assert.Error(t, err)
}
