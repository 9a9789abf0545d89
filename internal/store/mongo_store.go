package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"tourmarket/settlement/internal/db"
	"tourmarket/settlement/internal/models"
	"tourmarket/settlement/internal/utils"
)

const (
	invoicesCollection       = "commission_invoices"
	paymentsCollection       = "commission_payments"
	partnerCreditsCollection = "partner_credits"
	visitsCollection         = "referral_visits"
	webhookEventsCollection  = "webhook_events"

	idxInvoiceBooking = "uniq_invoice_booking"
	idxInvoiceNumber  = "uniq_invoice_number"
	idxPaymentAttempt = "uniq_payment_attempt"
	idxPartnerCredit  = "uniq_partner_credit_invoice"
)

type MongoOptions struct {
	// Timeout bounds each store call. Zero leaves it to the client.
	Timeout time.Duration
	// Transactions enables multi-document transactions. Requires a replica
	// set or a sharded cluster; without it each write stands alone and
	// callers fall back to deleting their own rows.
	Transactions bool
}

// MongoStore implements Store on MongoDB.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	opts   MongoOptions
	logger *zap.Logger
	now    func() time.Time
}

func NewMongoStore(client *mongo.Client, database *mongo.Database, opts MongoOptions, logger *zap.Logger) *MongoStore {
	return &MongoStore{
		client: client,
		db:     database,
		opts:   opts,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// EnsureIndexes creates the unique constraints the idempotency guarantees
// rest on, plus the indexes used by listings, the sweep and reports.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	specs := map[string][]mongo.IndexModel{
		invoicesCollection: {
			{Keys: bson.D{{Key: "booking_id", Value: 1}}, Options: options.Index().SetUnique(true).SetName(idxInvoiceBooking)},
			{Keys: bson.D{{Key: "invoice_number", Value: 1}}, Options: options.Index().SetUnique(true).SetName(idxInvoiceNumber)},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "due_date", Value: 1}}},
			{Keys: bson.D{{Key: "provider_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "is_referral_booking", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "created_at", Value: -1}}},
		},
		paymentsCollection: {
			{
				Keys: bson.D{
					{Key: "invoice_id", Value: 1},
					{Key: "external_payment_intent_id", Value: 1},
					{Key: "status", Value: 1},
				},
				Options: options.Index().SetUnique(true).SetName(idxPaymentAttempt),
			},
		},
		partnerCreditsCollection: {
			{Keys: bson.D{{Key: "invoice_id", Value: 1}}, Options: options.Index().SetUnique(true).SetName(idxPartnerCredit)},
			{Keys: bson.D{{Key: "establishment_id", Value: 1}, {Key: "credited_at", Value: -1}}},
		},
		visitsCollection: {
			{Keys: bson.D{{Key: "establishment_id", Value: 1}, {Key: "created_at", Value: -1}}},
		},
		webhookEventsCollection: {
			{Keys: bson.D{{Key: "processed", Value: 1}, {Key: "dead_lettered", Value: 1}}},
		},
	}
	for coll, idx := range specs {
		if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, idx); err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", coll, err)
		}
	}
	s.logger.Info("store indexes ensured", zap.Int("collections", len(specs)))
	return nil
}

// ErrTransactionsUnsupported is returned by CheckTransactions when the
// deployment is a standalone server.
var ErrTransactionsUnsupported = errors.New("mongo deployment does not support transactions")

// CheckTransactions fails when transactions are enabled but the server is
// neither a replica set member nor a mongos router.
func (s *MongoStore) CheckTransactions(ctx context.Context) error {
	if !s.opts.Transactions {
		return nil
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var hello struct {
		SetName string `bson:"setName"`
		Msg     string `bson:"msg"`
	}
	if err := s.db.RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&hello); err != nil {
		return s.wrap("hello", err)
	}
	if hello.SetName == "" && hello.Msg != "isdbgrid" {
		return ErrTransactionsUnsupported
	}
	return nil
}

func (s *MongoStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opts.Timeout)
}

// wrap tags transient driver failures with ErrStoreUnavailable.
func (s *MongoStore) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if db.IsTransient(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *MongoStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if !s.opts.Transactions || mongo.SessionFromContext(ctx) != nil {
		return fn(ctx)
	}
	session, err := s.client.StartSession()
	if err != nil {
		return s.wrap("start session", err)
	}
	defer session.EndSession(context.WithoutCancel(ctx))

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	if err != nil && db.IsTransient(err) && !errors.Is(err, ErrStoreUnavailable) {
		return s.wrap("transaction", err)
	}
	return err
}

func (s *MongoStore) InsertInvoice(ctx context.Context, inv *models.CommissionInvoice) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	inv.GenIDIfEmpty()
	inv.Touch(s.now())
	_, err := s.db.Collection(invoicesCollection).InsertOne(ctx, inv)
	if idx, dup := db.DuplicateKeyIndex(err); dup {
		switch idx {
		case idxInvoiceBooking:
			return fmt.Errorf("%w: booking %s", ErrDuplicateInvoice, inv.BookingID)
		default:
			// invoice number or _id: both generated, the caller draws again
			return fmt.Errorf("%w: %s", ErrDuplicateInvoiceNumber, inv.InvoiceNumber)
		}
	}
	return s.wrap("insert invoice", err)
}

func (s *MongoStore) findInvoice(ctx context.Context, filter bson.M) (*models.CommissionInvoice, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var inv models.CommissionInvoice
	err := s.db.Collection(invoicesCollection).FindOne(ctx, filter).Decode(&inv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrInvoiceNotFound
	}
	if err != nil {
		return nil, s.wrap("find invoice", err)
	}
	return &inv, nil
}

func (s *MongoStore) FindInvoice(ctx context.Context, id utils.SixID) (*models.CommissionInvoice, error) {
	return s.findInvoice(ctx, bson.M{"_id": id})
}

func (s *MongoStore) FindInvoiceByBooking(ctx context.Context, bookingID string) (*models.CommissionInvoice, error) {
	return s.findInvoice(ctx, bson.M{"booking_id": bookingID})
}

func (s *MongoStore) TransitionInvoice(ctx context.Context, id utils.SixID, from []models.InvoiceStatus, to models.InvoiceStatus, upd models.InvoiceUpdate) (*models.CommissionInvoice, error) {
	at := upd.At
	if at.IsZero() {
		at = s.now()
	}
	set := bson.M{"status": to, "updated_at": at}
	if upd.PaidAt != nil {
		set["paid_at"] = upd.PaidAt
	}
	if upd.ExternalPaymentReference != nil {
		set["external_payment_reference"] = upd.ExternalPaymentReference
	}
	if upd.CancelledBy != "" {
		set["cancelled_by"] = upd.CancelledBy
	}

	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	var out models.CommissionInvoice
	err := s.db.Collection(invoicesCollection).FindOneAndUpdate(
		opCtx,
		bson.M{"_id": id, "status": bson.M{"$in": from}},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		cur, ferr := s.FindInvoice(ctx, id)
		if ferr != nil {
			return nil, ferr
		}
		return cur, fmt.Errorf("%w: %s is %s, wanted %s", ErrStatusConflict, id, cur.Status, to)
	}
	if err != nil {
		return nil, s.wrap("transition invoice", err)
	}
	return &out, nil
}

func (s *MongoStore) MarkOverdueBefore(ctx context.Context, asOf time.Time) (int64, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.db.Collection(invoicesCollection).UpdateMany(ctx,
		bson.M{"status": models.InvoicePending, "due_date": bson.M{"$lt": asOf}},
		bson.M{"$set": bson.M{"status": models.InvoiceOverdue, "updated_at": asOf}},
	)
	if err != nil {
		return 0, s.wrap("sweep overdue", err)
	}
	return res.ModifiedCount, nil
}

func invoiceQuery(f models.InvoiceFilter) bson.M {
	q := bson.M{}
	if f.Status != "" {
		q["status"] = f.Status
	}
	if f.ProviderID != "" {
		q["provider_id"] = f.ProviderID
	}
	if f.EstablishmentID != "" {
		q["attributed_establishment_id"] = f.EstablishmentID
	}
	created := bson.M{}
	if f.CreatedFrom != nil {
		created["$gte"] = *f.CreatedFrom
	}
	if f.CreatedTo != nil {
		created["$lt"] = *f.CreatedTo
	}
	if len(created) > 0 {
		q["created_at"] = created
	}
	return q
}

func (s *MongoStore) ListInvoices(ctx context.Context, filter models.InvoiceFilter, page models.Page) ([]models.CommissionInvoice, int64, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	coll := s.db.Collection(invoicesCollection)
	q := invoiceQuery(filter)
	total, err := coll.CountDocuments(ctx, q)
	if err != nil {
		return nil, 0, s.wrap("count invoices", err)
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}}).
		SetSkip(page.Skip())
	if page.Size > 0 {
		opts.SetLimit(int64(page.Size))
	}
	cursor, err := coll.Find(ctx, q, opts)
	if err != nil {
		return nil, 0, s.wrap("list invoices", err)
	}
	items := []models.CommissionInvoice{}
	if err := cursor.All(ctx, &items); err != nil {
		return nil, 0, s.wrap("decode invoices", err)
	}
	return items, total, nil
}

func (s *MongoStore) AttributedInvoicesCreatedBetween(ctx context.Context, from, to time.Time) ([]models.CommissionInvoice, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	cursor, err := s.db.Collection(invoicesCollection).Find(ctx, bson.M{
		"is_referral_booking": true,
		"status":              bson.M{"$ne": models.InvoiceCancelled},
		"created_at":          bson.M{"$gte": from, "$lt": to},
	}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, s.wrap("report invoices", err)
	}
	var items []models.CommissionInvoice
	if err := cursor.All(ctx, &items); err != nil {
		return nil, s.wrap("decode report invoices", err)
	}
	return items, nil
}

func (s *MongoStore) SetPaymentLink(ctx context.Context, id utils.SixID, linkID, url string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.db.Collection(invoicesCollection).UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"payment_link_id":  linkID,
		"payment_link_url": url,
		"updated_at":       s.now(),
	}})
	if err != nil {
		return s.wrap("set payment link", err)
	}
	if res.MatchedCount == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

func (s *MongoStore) OverdueUnnotified(ctx context.Context, limit int64) ([]models.CommissionInvoice, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	cursor, err := s.db.Collection(invoicesCollection).Find(ctx,
		bson.M{"status": models.InvoiceOverdue, "overdue_notified": false},
		options.Find().SetLimit(limit).SetSort(bson.D{{Key: "due_date", Value: 1}}),
	)
	if err != nil {
		return nil, s.wrap("find overdue invoices", err)
	}
	var items []models.CommissionInvoice
	if err := cursor.All(ctx, &items); err != nil {
		return nil, s.wrap("decode overdue invoices", err)
	}
	return items, nil
}

func (s *MongoStore) MarkOverdueNotified(ctx context.Context, id utils.SixID) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.db.Collection(invoicesCollection).UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"overdue_notified": true}})
	if err != nil {
		return s.wrap("mark overdue notified", err)
	}
	if res.MatchedCount == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

func (s *MongoStore) InsertPayment(ctx context.Context, p *models.CommissionPayment) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	p.GenIDIfEmpty()
	_, err := s.db.Collection(paymentsCollection).InsertOne(ctx, p)
	if idx, dup := db.DuplicateKeyIndex(err); dup && idx == idxPaymentAttempt {
		return fmt.Errorf("%w: intent %s", ErrDuplicatePayment, p.ExternalPaymentIntentID)
	}
	return s.wrap("insert payment", err)
}

func (s *MongoStore) ListPayments(ctx context.Context, invoiceID utils.SixID) ([]models.CommissionPayment, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	cursor, err := s.db.Collection(paymentsCollection).Find(ctx, bson.M{"invoice_id": invoiceID},
		options.Find().SetSort(bson.D{{Key: "paid_at", Value: 1}}))
	if err != nil {
		return nil, s.wrap("list payments", err)
	}
	payments := []models.CommissionPayment{}
	if err := cursor.All(ctx, &payments); err != nil {
		return nil, s.wrap("decode payments", err)
	}
	return payments, nil
}

func (s *MongoStore) InsertPartnerCredit(ctx context.Context, c *models.PartnerCredit) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	c.GenIDIfEmpty()
	_, err := s.db.Collection(partnerCreditsCollection).InsertOne(ctx, c)
	if idx, dup := db.DuplicateKeyIndex(err); dup && idx == idxPartnerCredit {
		return fmt.Errorf("%w: invoice %s", ErrDuplicatePartnerCredit, c.InvoiceID)
	}
	return s.wrap("insert partner credit", err)
}

func (s *MongoStore) DeletePayment(ctx context.Context, id utils.SixID) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	_, err := s.db.Collection(paymentsCollection).DeleteOne(ctx, bson.M{"_id": id})
	return s.wrap("delete payment", err)
}

func (s *MongoStore) DeletePartnerCredit(ctx context.Context, id utils.SixID) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	_, err := s.db.Collection(partnerCreditsCollection).DeleteOne(ctx, bson.M{"_id": id})
	return s.wrap("delete partner credit", err)
}

func (s *MongoStore) InsertVisit(ctx context.Context, v *models.ReferralVisit) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	return db.Try(ctx, func() error {
		v.ID = utils.NewSixID()
		_, err := s.db.Collection(visitsCollection).InsertOne(ctx, v)
		return s.wrap("insert visit", err)
	})
}

func (s *MongoStore) FindVisit(ctx context.Context, id utils.SixID) (*models.ReferralVisit, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var v models.ReferralVisit
	err := s.db.Collection(visitsCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&v)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrVisitNotFound
	}
	if err != nil {
		return nil, s.wrap("find visit", err)
	}
	return &v, nil
}

func (s *MongoStore) ClaimEvent(ctx context.Context, ev *models.WebhookEvent) (*models.WebhookEvent, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	firstSeen := ev.FirstSeenAt
	if firstSeen.IsZero() {
		firstSeen = s.now()
	}
	update := bson.M{
		"$setOnInsert": bson.M{
			"event_type":    ev.EventType,
			"payload":       ev.Payload,
			"first_seen_at": firstSeen,
			"processed":     false,
			"dead_lettered": false,
		},
		"$inc": bson.M{"attempts": 1},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.Before)

	var prev models.WebhookEvent
	err := db.Try(ctx, func() error {
		return s.db.Collection(webhookEventsCollection).
			FindOneAndUpdate(ctx, bson.M{"_id": ev.EventID}, update, opts).
			Decode(&prev)
	})
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, s.wrap("claim webhook event", err)
	}
	return &prev, nil
}

func (s *MongoStore) FindEvent(ctx context.Context, eventID string) (*models.WebhookEvent, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var ev models.WebhookEvent
	err := s.db.Collection(webhookEventsCollection).FindOne(ctx, bson.M{"_id": eventID}).Decode(&ev)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, s.wrap("find webhook event", err)
	}
	return &ev, nil
}

func (s *MongoStore) updateEvent(ctx context.Context, op, eventID string, update bson.M) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.db.Collection(webhookEventsCollection).UpdateOne(ctx, bson.M{"_id": eventID}, update)
	if err != nil {
		return s.wrap(op, err)
	}
	if res.MatchedCount == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (s *MongoStore) MarkEventProcessed(ctx context.Context, eventID string, at time.Time) error {
	return s.updateEvent(ctx, "mark event processed", eventID, bson.M{
		"$set":   bson.M{"processed": true, "processed_at": at},
		"$unset": bson.M{"last_error": ""},
	})
}

func (s *MongoStore) RecordEventError(ctx context.Context, eventID, reason string) error {
	return s.updateEvent(ctx, "record event error", eventID, bson.M{
		"$set": bson.M{"last_error": reason},
	})
}

func (s *MongoStore) DeadLetterEvent(ctx context.Context, eventID, reason string, at time.Time) error {
	return s.updateEvent(ctx, "dead-letter event", eventID, bson.M{
		"$set": bson.M{"dead_lettered": true, "dead_lettered_at": at, "last_error": reason},
	})
}

var _ Store = (*MongoStore)(nil)
