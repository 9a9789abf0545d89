package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tourmarket/settlement/internal/models"
	"tourmarket/settlement/internal/utils"
)

type txKey struct{}

// MemoryStore is a Store kept in process memory. It enforces the same
// unique constraints as the Mongo indexes and rolls back a failed
// transaction's own writes. Transactions are serialized; calls made
// outside one are not.
type MemoryStore struct {
	txMu sync.Mutex
	mu   sync.RWMutex

	invoices map[utils.SixID]models.CommissionInvoice
	payments []models.CommissionPayment
	credits  map[utils.SixID]models.PartnerCredit
	visits   map[utils.SixID]models.ReferralVisit
	events   map[string]models.WebhookEvent

	faults map[string]error
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		invoices: map[utils.SixID]models.CommissionInvoice{},
		credits:  map[utils.SixID]models.PartnerCredit{},
		visits:   map[utils.SixID]models.ReferralVisit{},
		events:   map[string]models.WebhookEvent{},
		faults:   map[string]error{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// FailNext makes the next call of the named method return err. Tests only.
func (s *MemoryStore) FailNext(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[method] = err
}

// fault must be called with mu held.
func (s *MemoryStore) fault(method string) error {
	if err, ok := s.faults[method]; ok {
		delete(s.faults, method)
		return err
	}
	return nil
}

// txJournal collects the undo steps of one transaction's writes. Rolling
// back replays them newest first, so writes made outside the transaction
// survive.
type txJournal struct {
	undo []func()
}

func journalFrom(ctx context.Context) *txJournal {
	j, _ := ctx.Value(txKey{}).(*txJournal)
	return j
}

// keep records how to restore m[k] to its current state. Called with mu held.
func keep[K comparable, V any](ctx context.Context, m map[K]V, k K) {
	j := journalFrom(ctx)
	if j == nil {
		return
	}
	prev, existed := m[k]
	j.undo = append(j.undo, func() {
		if existed {
			m[k] = prev
		} else {
			delete(m, k)
		}
	})
}

func onRollback(ctx context.Context, fn func()) {
	if j := journalFrom(ctx); j != nil {
		j.undo = append(j.undo, fn)
	}
}

func (s *MemoryStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if journalFrom(ctx) != nil {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	j := &txJournal{}
	if err := fn(context.WithValue(ctx, txKey{}, j)); err != nil {
		s.mu.Lock()
		for i := len(j.undo) - 1; i >= 0; i-- {
			j.undo[i]()
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *MemoryStore) InsertInvoice(ctx context.Context, inv *models.CommissionInvoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("InsertInvoice"); err != nil {
		return err
	}

	inv.GenIDIfEmpty()
	for _, existing := range s.invoices {
		if existing.BookingID == inv.BookingID {
			return fmt.Errorf("%w: booking %s", ErrDuplicateInvoice, inv.BookingID)
		}
		if existing.InvoiceNumber == inv.InvoiceNumber || existing.ID == inv.ID {
			return fmt.Errorf("%w: %s", ErrDuplicateInvoiceNumber, inv.InvoiceNumber)
		}
	}
	inv.Touch(s.now())
	keep(ctx, s.invoices, inv.ID)
	s.invoices[inv.ID] = *inv
	return nil
}

func (s *MemoryStore) FindInvoice(_ context.Context, id utils.SixID) (*models.CommissionInvoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("FindInvoice"); err != nil {
		return nil, err
	}
	inv, ok := s.invoices[id]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	return &inv, nil
}

func (s *MemoryStore) FindInvoiceByBooking(_ context.Context, bookingID string) (*models.CommissionInvoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, inv := range s.invoices {
		if inv.BookingID == bookingID {
			return &inv, nil
		}
	}
	return nil, ErrInvoiceNotFound
}

func (s *MemoryStore) TransitionInvoice(ctx context.Context, id utils.SixID, from []models.InvoiceStatus, to models.InvoiceStatus, upd models.InvoiceUpdate) (*models.CommissionInvoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("TransitionInvoice"); err != nil {
		return nil, err
	}

	inv, ok := s.invoices[id]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	allowed := false
	for _, st := range from {
		if inv.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return &inv, fmt.Errorf("%w: %s is %s, wanted %s", ErrStatusConflict, id, inv.Status, to)
	}

	at := upd.At
	if at.IsZero() {
		at = s.now()
	}
	inv.Status = to
	inv.UpdatedAt = at
	if upd.PaidAt != nil {
		inv.PaidAt = upd.PaidAt
	}
	if upd.ExternalPaymentReference != nil {
		inv.ExternalPaymentReference = upd.ExternalPaymentReference
	}
	if upd.CancelledBy != "" {
		inv.CancelledBy = upd.CancelledBy
	}
	keep(ctx, s.invoices, id)
	s.invoices[id] = inv
	return &inv, nil
}

func (s *MemoryStore) MarkOverdueBefore(ctx context.Context, asOf time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("MarkOverdueBefore"); err != nil {
		return 0, err
	}

	var n int64
	for id, inv := range s.invoices {
		if inv.Status == models.InvoicePending && inv.DueDate.Before(asOf) {
			inv.Status = models.InvoiceOverdue
			inv.UpdatedAt = asOf
			keep(ctx, s.invoices, id)
			s.invoices[id] = inv
			n++
		}
	}
	return n, nil
}

func matchInvoice(inv models.CommissionInvoice, f models.InvoiceFilter) bool {
	switch {
	case f.Status != "" && inv.Status != f.Status:
		return false
	case f.ProviderID != "" && inv.ProviderID != f.ProviderID:
		return false
	case f.EstablishmentID != "" && inv.AttributedEstablishmentID != f.EstablishmentID:
		return false
	case f.CreatedFrom != nil && inv.CreatedAt.Before(*f.CreatedFrom):
		return false
	case f.CreatedTo != nil && !inv.CreatedAt.Before(*f.CreatedTo):
		return false
	}
	return true
}

func (s *MemoryStore) ListInvoices(_ context.Context, filter models.InvoiceFilter, page models.Page) ([]models.CommissionInvoice, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("ListInvoices"); err != nil {
		return nil, 0, err
	}

	var matched []models.CommissionInvoice
	for _, inv := range s.invoices {
		if matchInvoice(inv, filter) {
			matched = append(matched, inv)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID.String() < matched[j].ID.String()
	})

	total := int64(len(matched))
	start := page.Skip()
	if start > total {
		start = total
	}
	end := total
	if page.Size > 0 && start+int64(page.Size) < end {
		end = start + int64(page.Size)
	}
	return append([]models.CommissionInvoice{}, matched[start:end]...), total, nil
}

func (s *MemoryStore) AttributedInvoicesCreatedBetween(_ context.Context, from, to time.Time) ([]models.CommissionInvoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.CommissionInvoice
	for _, inv := range s.invoices {
		if !inv.IsReferralBooking || inv.Status == models.InvoiceCancelled {
			continue
		}
		if inv.CreatedAt.Before(from) || !inv.CreatedAt.Before(to) {
			continue
		}
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) SetPaymentLink(ctx context.Context, id utils.SixID, linkID, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return ErrInvoiceNotFound
	}
	inv.PaymentLinkID = linkID
	inv.PaymentLinkURL = url
	inv.UpdatedAt = s.now()
	keep(ctx, s.invoices, id)
	s.invoices[id] = inv
	return nil
}

func (s *MemoryStore) OverdueUnnotified(_ context.Context, limit int64) ([]models.CommissionInvoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.CommissionInvoice
	for _, inv := range s.invoices {
		if inv.Status == models.InvoiceOverdue && !inv.OverdueNotified {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueDate.Before(out[j].DueDate) })
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkOverdueNotified(ctx context.Context, id utils.SixID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return ErrInvoiceNotFound
	}
	inv.OverdueNotified = true
	keep(ctx, s.invoices, id)
	s.invoices[id] = inv
	return nil
}

func (s *MemoryStore) InsertPayment(ctx context.Context, p *models.CommissionPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("InsertPayment"); err != nil {
		return err
	}
	for _, existing := range s.payments {
		if existing.InvoiceID == p.InvoiceID &&
			existing.ExternalPaymentIntentID == p.ExternalPaymentIntentID &&
			existing.Status == p.Status {
			return fmt.Errorf("%w: intent %s", ErrDuplicatePayment, p.ExternalPaymentIntentID)
		}
	}
	p.GenIDIfEmpty()
	s.payments = append(s.payments, *p)
	id := p.ID
	onRollback(ctx, func() { s.removePayment(id) })
	return nil
}

// removePayment drops the payment with id. Called with mu held.
func (s *MemoryStore) removePayment(id utils.SixID) (models.CommissionPayment, bool) {
	for i, p := range s.payments {
		if p.ID == id {
			s.payments = append(s.payments[:i:i], s.payments[i+1:]...)
			return p, true
		}
	}
	return models.CommissionPayment{}, false
}

func (s *MemoryStore) DeletePayment(ctx context.Context, id utils.SixID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("DeletePayment"); err != nil {
		return err
	}
	if p, ok := s.removePayment(id); ok {
		onRollback(ctx, func() { s.payments = append(s.payments, p) })
	}
	return nil
}

func (s *MemoryStore) ListPayments(_ context.Context, invoiceID utils.SixID) ([]models.CommissionPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.CommissionPayment{}
	for _, p := range s.payments {
		if p.InvoiceID == invoiceID {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PaidAt.Before(out[j].PaidAt) })
	return out, nil
}

func (s *MemoryStore) InsertPartnerCredit(ctx context.Context, c *models.PartnerCredit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("InsertPartnerCredit"); err != nil {
		return err
	}
	for _, existing := range s.credits {
		if existing.InvoiceID == c.InvoiceID {
			return fmt.Errorf("%w: invoice %s", ErrDuplicatePartnerCredit, c.InvoiceID)
		}
	}
	c.GenIDIfEmpty()
	keep(ctx, s.credits, c.ID)
	s.credits[c.ID] = *c
	return nil
}

func (s *MemoryStore) DeletePartnerCredit(ctx context.Context, id utils.SixID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("DeletePartnerCredit"); err != nil {
		return err
	}
	keep(ctx, s.credits, id)
	delete(s.credits, id)
	return nil
}

// PartnerCredits lists every credit, oldest first.
func (s *MemoryStore) PartnerCredits() []models.PartnerCredit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.PartnerCredit, 0, len(s.credits))
	for _, c := range s.credits {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreditedAt.Before(out[j].CreditedAt) })
	return out
}

func (s *MemoryStore) InsertVisit(ctx context.Context, v *models.ReferralVisit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("InsertVisit"); err != nil {
		return err
	}
	for {
		v.ID = utils.NewSixID()
		if _, taken := s.visits[v.ID]; !taken {
			break
		}
	}
	keep(ctx, s.visits, v.ID)
	s.visits[v.ID] = *v
	return nil
}

func (s *MemoryStore) FindVisit(_ context.Context, id utils.SixID) (*models.ReferralVisit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.visits[id]
	if !ok {
		return nil, ErrVisitNotFound
	}
	return &v, nil
}

func (s *MemoryStore) ClaimEvent(ctx context.Context, ev *models.WebhookEvent) (*models.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("ClaimEvent"); err != nil {
		return nil, err
	}

	prev, seen := s.events[ev.EventID]
	keep(ctx, s.events, ev.EventID)
	if !seen {
		row := models.WebhookEvent{
			EventID:     ev.EventID,
			EventType:   ev.EventType,
			Payload:     ev.Payload,
			FirstSeenAt: ev.FirstSeenAt,
			Attempts:    1,
		}
		if row.FirstSeenAt.IsZero() {
			row.FirstSeenAt = s.now()
		}
		s.events[ev.EventID] = row
		return nil, nil
	}
	next := prev
	next.Attempts++
	s.events[ev.EventID] = next
	return &prev, nil
}

func (s *MemoryStore) FindEvent(_ context.Context, eventID string) (*models.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[eventID]
	if !ok {
		return nil, ErrEventNotFound
	}
	return &ev, nil
}

func (s *MemoryStore) updateEvent(ctx context.Context, method, eventID string, apply func(ev *models.WebhookEvent)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(method); err != nil {
		return err
	}
	ev, ok := s.events[eventID]
	if !ok {
		return ErrEventNotFound
	}
	apply(&ev)
	keep(ctx, s.events, eventID)
	s.events[eventID] = ev
	return nil
}

func (s *MemoryStore) MarkEventProcessed(ctx context.Context, eventID string, at time.Time) error {
	return s.updateEvent(ctx, "MarkEventProcessed", eventID, func(ev *models.WebhookEvent) {
		ev.Processed = true
		ev.ProcessedAt = &at
		ev.LastError = ""
	})
}

func (s *MemoryStore) RecordEventError(ctx context.Context, eventID, reason string) error {
	return s.updateEvent(ctx, "RecordEventError", eventID, func(ev *models.WebhookEvent) {
		ev.LastError = reason
	})
}

func (s *MemoryStore) DeadLetterEvent(ctx context.Context, eventID, reason string, at time.Time) error {
	return s.updateEvent(ctx, "DeadLetterEvent", eventID, func(ev *models.WebhookEvent) {
		ev.DeadLettered = true
		ev.DeadLetteredAt = &at
		ev.LastError = reason
	})
}

var _ Store = (*MemoryStore)(nil)
