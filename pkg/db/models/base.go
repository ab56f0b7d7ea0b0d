package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ensureID assigns a v4 id when the caller left it empty. Postgres also has a
// column default; the sqlite fixture store relies on this hook.
func ensureID(id *uuid.UUID) {
	if *id == uuid.Nil {
		*id = uuid.New()
	}
}

// All lists every persisted model in dependency order.
func All() []any {
	return []any{
		&User{},
		&Claim{},
		&ClaimEvidence{},
		&Credit{},
		&CreditHolding{},
		&MarketplaceListing{},
		&Transaction{},
		&VerifierLog{},
		&OutboxEvent{},
		&OutboxDLQ{},
	}
}

func (u *User) BeforeCreate(*gorm.DB) error               { ensureID(&u.ID); return nil }
func (c *Claim) BeforeCreate(*gorm.DB) error              { ensureID(&c.ID); return nil }
func (e *ClaimEvidence) BeforeCreate(*gorm.DB) error      { ensureID(&e.ID); return nil }
func (c *Credit) BeforeCreate(*gorm.DB) error             { ensureID(&c.ID); return nil }
func (h *CreditHolding) BeforeCreate(*gorm.DB) error      { ensureID(&h.ID); return nil }
func (l *MarketplaceListing) BeforeCreate(*gorm.DB) error { ensureID(&l.ID); return nil }
func (t *Transaction) BeforeCreate(*gorm.DB) error        { ensureID(&t.ID); return nil }
func (v *VerifierLog) BeforeCreate(*gorm.DB) error        { ensureID(&v.ID); return nil }
func (o *OutboxEvent) BeforeCreate(*gorm.DB) error        { ensureID(&o.ID); return nil }
func (d *OutboxDLQ) BeforeCreate(*gorm.DB) error          { ensureID(&d.ID); return nil }
