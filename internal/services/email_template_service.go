package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"text/template"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"tourmarket/settlement/internal/models"
)

const (
	TemplateInvoicePaid    = "invoice_paid"
	TemplateInvoiceOverdue = "invoice_overdue"

	DefaultLocale = "en-US"
)

// Used when the database has no template for the id.
var defaultEmailTemplates = map[string]models.EmailTemplate{
	TemplateInvoicePaid: {
		TemplateID: TemplateInvoicePaid,
		Locale:     DefaultLocale,
		Subject:    "{{.app_name}}: commission invoice {{.invoice_number}} paid",
		Body: "Thank you. We received {{.amount}} for commission invoice {{.invoice_number}} " +
			"(booking {{.booking_id}}). No further action is needed.",
	},
	TemplateInvoiceOverdue: {
		TemplateID: TemplateInvoiceOverdue,
		Locale:     DefaultLocale,
		Subject:    "{{.app_name}}: commission invoice {{.invoice_number}} is overdue",
		Body: "Commission invoice {{.invoice_number}} for booking {{.booking_id}} was due on {{.due_date}}. " +
			"Amount due: {{.amount}}.{{if .payment_url}} Pay online: {{.payment_url}}{{end}}",
	},
}

var ErrTemplateNotFound = errors.New("email template not found")

type IEmailTemplateService interface {
	GetTemplate(ctx context.Context, templateID, locale string) (*models.EmailTemplate, error)
	SaveTemplate(ctx context.Context, tmpl *models.EmailTemplate) error
	DeleteTemplate(ctx context.Context, templateID, locale string) error
}

const emailTemplatesCollection = "email_templates"

// EmailTemplateService reads notification templates from Mongo with
// built-in fallbacks. A nil database serves the fallbacks only.
type EmailTemplateService struct {
	db     *mongo.Database
	logger *zap.Logger
}

func NewEmailTemplateService(db *mongo.Database, logger *zap.Logger) *EmailTemplateService {
	return &EmailTemplateService{db: db, logger: logger}
}

// GetTemplate looks up templateID for locale, then the built-in default.
func (s *EmailTemplateService) GetTemplate(ctx context.Context, templateID, locale string) (*models.EmailTemplate, error) {
	if s.db != nil {
		var tmpl models.EmailTemplate
		err := s.db.Collection(emailTemplatesCollection).
			FindOne(ctx, bson.M{"template_id": templateID, "locale": locale}).
			Decode(&tmpl)
		if err == nil {
			return &tmpl, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("error retrieving template: %w", err)
		}
	}
	if def, ok := defaultEmailTemplates[templateID]; ok {
		return &def, nil
	}
	return nil, fmt.Errorf("%w: %s (locale: %s)", ErrTemplateNotFound, templateID, locale)
}

func (s *EmailTemplateService) SaveTemplate(ctx context.Context, tmpl *models.EmailTemplate) error {
	if _, _, err := RenderTemplate(tmpl, map[string]interface{}{}); err != nil {
		return err
	}
	tmpl.GenIDIfEmpty()
	filter := bson.M{"template_id": tmpl.TemplateID, "locale": tmpl.Locale}
	update := bson.M{
		"$set":         bson.M{"subject": tmpl.Subject, "body": tmpl.Body},
		"$setOnInsert": bson.M{"_id": tmpl.ID, "template_id": tmpl.TemplateID, "locale": tmpl.Locale},
	}
	if _, err := s.db.Collection(emailTemplatesCollection).UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("error saving template: %w", err)
	}
	s.logger.Info("email template saved", zap.String("template_id", tmpl.TemplateID), zap.String("locale", tmpl.Locale))
	return nil
}

func (s *EmailTemplateService) DeleteTemplate(ctx context.Context, templateID, locale string) error {
	_, err := s.db.Collection(emailTemplatesCollection).DeleteOne(ctx, bson.M{"template_id": templateID, "locale": locale})
	if err != nil {
		return fmt.Errorf("error deleting template: %w", err)
	}
	return nil
}

// RenderTemplate executes the subject and body against data.
func RenderTemplate(tmpl *models.EmailTemplate, data map[string]interface{}) (string, string, error) {
	subject, err := execute(tmpl.TemplateID+".subject", tmpl.Subject, data)
	if err != nil {
		return "", "", err
	}
	body, err := execute(tmpl.TemplateID+".body", tmpl.Body, data)
	if err != nil {
		return "", "", err
	}
	return subject, body, nil
}

func execute(name, text string, data map[string]interface{}) (string, error) {
	t, err := template.New(name).Parse(text)
	if err != nil {
		return "", fmt.Errorf("invalid template %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}
