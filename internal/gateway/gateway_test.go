package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tourmarket/settlement/internal/models"
)

const testSecret = "whsec_test"

func fixedVerifier(now time.Time) *Verifier {
	v := NewVerifier(testSecret, 5*time.Minute)
	v.now = func() time.Time { return now }
	return v
}

func TestVerifier(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded"}`)
	v := fixedVerifier(now)

	assert.NoError(t, v.Verify(payload, SignatureFor(testSecret, now, payload)))
	assert.NoError(t, v.Verify(payload, SignatureFor(testSecret, now.Add(-4*time.Minute), payload)))

	cases := map[string]string{
		"empty":     "",
		"no sig":    "t=1700000000",
		"bad ts":    "t=abc,v1=00",
		"wrong key": SignatureFor("other", now, payload),
		"stale":     SignatureFor(testSecret, now.Add(-10*time.Minute), payload),
		"future":    SignatureFor(testSecret, now.Add(10*time.Minute), payload),
		"tampered":  SignatureFor(testSecret, now, []byte(`{"id":"evt_2"}`)),
		"garbage":   "not a header",
	}
	for name, header := range cases {
		err := v.Verify(payload, header)
		assert.ErrorIs(t, err, ErrSignatureVerificationFailed, name)
	}
}

func TestVerifier_RotatedSecrets(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	payload := []byte(`{}`)
	good := SignatureFor(testSecret, now, payload)
	old := SignatureFor("old_secret", now, payload)
	// keep the t= from one and both v1 values
	header := old + "," + good[len("t=1700000000,"):]

	assert.NoError(t, fixedVerifier(now).Verify(payload, header))
}

func TestVerifier_NoSecret(t *testing.T) {
	v := NewVerifier("", time.Minute)
	assert.ErrorIs(t, v.Verify([]byte("{}"), "t=1,v1=00"), ErrSignatureVerificationFailed)
}

func TestParseEvent(t *testing.T) {
	payload := []byte(`{
		"id": "evt_9",
		"type": "payment_intent.succeeded",
		"data": {"object": {
			"id": "pi_42",
			"amount": 20000,
			"metadata": {"invoice_id": "0000000001"},
			"payment_method_types": ["card"]
		}}
	}`)
	ev, err := ParseEvent(payload)
	require.NoError(t, err)
	assert.True(t, ev.Succeeded())
	assert.False(t, ev.Failed())
	assert.Equal(t, "0000000001", ev.InvoiceID())

	rec := ev.PaymentRecord()
	assert.Equal(t, models.Money(20000), rec.Amount)
	assert.Equal(t, "pi_42", rec.PaymentIntentID)
	assert.Equal(t, "card", rec.Method)

	_, err = ParseEvent([]byte(`{"type":"x"}`))
	assert.ErrorIs(t, err, ErrMalformedEvent)
	_, err = ParseEvent([]byte(`{`))
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestParseEvent_Failed(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"id":"evt_f","type":"payment_intent.payment_failed",
		"data":{"object":{"id":"pi_7","amount":500,"last_payment_error":{"message":"card declined"}}}}`))
	require.NoError(t, err)
	assert.True(t, ev.Failed())
	assert.Equal(t, "card declined", ev.PaymentRecord().FailureReason)
	assert.Equal(t, models.PaymentMethodCard, ev.PaymentRecord().Method)
}

func TestClient_CreatePaymentLink(t *testing.T) {
	var got paymentLinkBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payment_links", r.URL.Path)
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id":"plink_1","url":"https://pay.example/plink_1"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "sk_test", time.Second, zap.NewNop())
	link, err := c.CreatePaymentLink(context.Background(), PaymentLinkRequest{
		InvoiceID: "ABC", InvoiceNumber: "CI-ABC", Amount: 20000, Currency: "eur",
	})
	require.NoError(t, err)
	assert.Equal(t, "plink_1", link.ID)
	assert.Equal(t, int64(20000), got.Amount)
	assert.Equal(t, "ABC", got.Metadata["invoice_id"])
}

func TestClient_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"amount too small"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "sk_test", time.Second, zap.NewNop())
	_, err := c.CreatePaymentLink(context.Background(), PaymentLinkRequest{Amount: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "amount too small")

	disabled := NewClient(srv.URL, "", time.Second, zap.NewNop())
	_, err = disabled.CreatePaymentLink(context.Background(), PaymentLinkRequest{Amount: 1})
	assert.ErrorIs(t, err, ErrPaymentLinksDisabled)
}
