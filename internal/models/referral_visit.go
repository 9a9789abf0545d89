package models

import (
	"time"

	"tourmarket/settlement/internal/utils"
)

const ReferralSourceQRCode = "qr_code"

// ReferralVisit is written once per QR scan and never updated.
type ReferralVisit struct {
	Base            `bson:",inline"`
	EstablishmentID string            `bson:"establishment_id" json:"establishment_id"`
	SessionID       string            `bson:"session_id" json:"session_id"`
	Source          string            `bson:"source" json:"source"`
	UserAgent       string            `bson:"user_agent,omitempty" json:"user_agent,omitempty"`
	Metadata        map[string]string `bson:"metadata,omitempty" json:"metadata,omitempty"`
	CreatedAt       time.Time         `bson:"created_at" json:"created_at"`
}

// Referral is the attribution frozen into an invoice at creation.
type Referral struct {
	EstablishmentID string
	VisitID         utils.SixID // zero when no visit backs the referral
}
