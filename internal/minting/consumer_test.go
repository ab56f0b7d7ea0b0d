package minting

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/oxygencredits-backend/internal/credits"
	"github.com/angelmondragon/oxygencredits-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/oxygencredits-backend/pkg/errors"
	gateway "github.com/angelmondragon/oxygencredits-backend/pkg/minting"
	"github.com/angelmondragon/oxygencredits-backend/pkg/outbox"
	"github.com/angelmondragon/oxygencredits-backend/pkg/outbox/payloads"
)

const wallet = "0x00000000000000000000000000000000000000aa"

type stubCredits struct {
	credit      *credits.CreditDTO
	getErr      error
	markErr     error
	mintedToken string
	failures    []bool
}

func (s *stubCredits) GetCredit(context.Context, uuid.UUID) (*credits.CreditDTO, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	out := *s.credit
	return &out, nil
}

func (s *stubCredits) MarkMinted(_ context.Context, _ uuid.UUID, tokenID string) (bool, error) {
	if s.markErr != nil {
		return false, s.markErr
	}
	s.mintedToken = tokenID
	s.credit.MintStatus = enums.MintStatusMinted
	return true, nil
}

func (s *stubCredits) RecordMintFailure(_ context.Context, _ uuid.UUID, _ error, terminal bool) (*credits.CreditDTO, error) {
	s.failures = append(s.failures, terminal)
	s.credit.MintAttempts++
	if terminal {
		s.credit.MintStatus = enums.MintStatusFailed
	}
	out := *s.credit
	return &out, nil
}

type stubMinter struct {
	calls   int
	last    gateway.Request
	receipt *gateway.Receipt
	err     error
}

func (s *stubMinter) Mint(_ context.Context, req gateway.Request) (*gateway.Receipt, error) {
	s.calls++
	s.last = req
	if s.err != nil {
		return nil, s.err
	}
	return s.receipt, nil
}

type stubGuard struct {
	seen     map[uuid.UUID]bool
	released int
}

func (g *stubGuard) Acquire(_ context.Context, _ string, id uuid.UUID) (bool, error) {
	if g.seen[id] {
		return false, nil
	}
	g.seen[id] = true
	return true, nil
}

func (g *stubGuard) Release(_ context.Context, _ string, id uuid.UUID) error {
	delete(g.seen, id)
	g.released++
	return nil
}

func pendingCredit() *credits.CreditDTO {
	delta := 12.5
	return &credits.CreditDTO{
		ID:         uuid.New(),
		ClaimID:    uuid.New(),
		OwnerID:    uuid.New(),
		Amount:     100,
		NDVIDelta:  &delta,
		MintStatus: enums.MintStatusPending,
		IssuedAt:   time.Now().UTC(),
	}
}

func mintBody(t *testing.T, eventID uuid.UUID, credit *credits.CreditDTO) []byte {
	t.Helper()
	data, err := json.Marshal(payloads.CreditMintRequestedEvent{
		CreditID:         credit.ID,
		ClaimID:          credit.ClaimID,
		OwnerID:          credit.OwnerID,
		RecipientAddress: wallet,
		Amount:           credit.Amount,
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	body, err := json.Marshal(outbox.PayloadEnvelope{
		Version:    1,
		EventID:    eventID.String(),
		OccurredAt: time.Now().UTC(),
		Data:       data,
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return body
}

func newConsumer(t *testing.T, book *stubCredits, minter *stubMinter, guard *stubGuard) *Consumer {
	t.Helper()
	params := ConsumerParams{Credits: book, Minter: minter, MaxAttempts: 3}
	if guard != nil {
		params.Guard = guard
	}
	consumer, err := NewConsumer(params)
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	return consumer
}

func TestHandleMintsPendingCredit(t *testing.T) {
	book := &stubCredits{credit: pendingCredit()}
	minter := &stubMinter{receipt: &gateway.Receipt{TokenID: "42"}}
	guard := &stubGuard{seen: map[uuid.UUID]bool{}}
	consumer := newConsumer(t, book, minter, guard)

	eventID := uuid.New()
	body := mintBody(t, eventID, book.credit)
	if got := consumer.Handle(context.Background(), enums.EventCreditMintRequested, body); got != Ack {
		t.Fatalf("expected ack, got %v", got)
	}
	if book.mintedToken != "42" {
		t.Fatalf("expected token 42 recorded, got %q", book.mintedToken)
	}
	if minter.last.RecipientAddress != wallet || minter.last.Amount != 100 {
		t.Fatalf("unexpected mint request %+v", minter.last)
	}
	if minter.last.Metadata.NDVIDelta == nil || *minter.last.Metadata.NDVIDelta != 12.5 {
		t.Fatalf("expected ndvi delta in metadata, got %+v", minter.last.Metadata)
	}

	if got := consumer.Handle(context.Background(), enums.EventCreditMintRequested, body); got != Ack {
		t.Fatalf("expected duplicate delivery to ack, got %v", got)
	}
	if minter.calls != 1 {
		t.Fatalf("expected one gateway call, got %d", minter.calls)
	}
}

func TestHandleSkipsMintedCredit(t *testing.T) {
	credit := pendingCredit()
	credit.MintStatus = enums.MintStatusMinted
	book := &stubCredits{credit: credit}
	minter := &stubMinter{receipt: &gateway.Receipt{TokenID: "1"}}
	consumer := newConsumer(t, book, minter, nil)

	if got := consumer.Handle(context.Background(), enums.EventCreditMintRequested, mintBody(t, uuid.New(), credit)); got != Ack {
		t.Fatalf("expected ack, got %v", got)
	}
	if minter.calls != 0 {
		t.Fatalf("expected no gateway call, got %d", minter.calls)
	}
}

func TestHandleRetryableFailureNacks(t *testing.T) {
	book := &stubCredits{credit: pendingCredit()}
	minter := &stubMinter{err: &gateway.Error{Retryable: true, Err: errors.New("gateway 503")}}
	guard := &stubGuard{seen: map[uuid.UUID]bool{}}
	consumer := newConsumer(t, book, minter, guard)

	eventID := uuid.New()
	body := mintBody(t, eventID, book.credit)
	if got := consumer.Handle(context.Background(), enums.EventCreditMintRequested, body); got != Nack {
		t.Fatalf("expected nack, got %v", got)
	}
	if len(book.failures) != 1 || book.failures[0] {
		t.Fatalf("expected one retryable failure, got %v", book.failures)
	}
	if guard.released != 1 || guard.seen[eventID] {
		t.Fatal("expected idempotency key released for redelivery")
	}
	if book.credit.MintStatus != enums.MintStatusPending {
		t.Fatalf("expected credit still pending, got %s", book.credit.MintStatus)
	}
}

func TestHandleMaxAttemptsMarksFailed(t *testing.T) {
	book := &stubCredits{credit: pendingCredit()}
	minter := &stubMinter{err: &gateway.Error{Retryable: true, Err: errors.New("gateway 503")}}
	consumer := newConsumer(t, book, minter, nil)

	results := []Result{}
	for i := 0; i < 3; i++ {
		results = append(results, consumer.Handle(context.Background(), enums.EventCreditMintRequested, mintBody(t, uuid.New(), book.credit)))
	}
	want := []Result{Nack, Nack, Ack}
	for i := range want {
		if results[i] != want[i] {
			t.Fatalf("attempt %d: expected %v, got %v", i+1, want[i], results[i])
		}
	}
	if book.credit.MintStatus != enums.MintStatusFailed {
		t.Fatalf("expected credit failed after max attempts, got %s", book.credit.MintStatus)
	}

	if got := consumer.Handle(context.Background(), enums.EventCreditMintRequested, mintBody(t, uuid.New(), book.credit)); got != Ack {
		t.Fatalf("expected failed credit to be skipped, got %v", got)
	}
	if minter.calls != 3 {
		t.Fatalf("expected 3 gateway calls, got %d", minter.calls)
	}
}

func TestHandleTerminalFailureAcks(t *testing.T) {
	book := &stubCredits{credit: pendingCredit()}
	minter := &stubMinter{err: &gateway.Error{Err: errors.New("gateway 400")}}
	consumer := newConsumer(t, book, minter, nil)

	if got := consumer.Handle(context.Background(), enums.EventCreditMintRequested, mintBody(t, uuid.New(), book.credit)); got != Ack {
		t.Fatalf("expected ack, got %v", got)
	}
	if len(book.failures) != 1 || !book.failures[0] {
		t.Fatalf("expected one terminal failure, got %v", book.failures)
	}
}

func TestHandleStorageErrorsNack(t *testing.T) {
	book := &stubCredits{credit: pendingCredit(), getErr: pkgerrors.New(pkgerrors.CodeStorage, "db down")}
	consumer := newConsumer(t, book, &stubMinter{}, nil)
	if got := consumer.Handle(context.Background(), enums.EventCreditMintRequested, mintBody(t, uuid.New(), book.credit)); got != Nack {
		t.Fatalf("expected nack on storage error, got %v", got)
	}

	book = &stubCredits{credit: pendingCredit(), getErr: pkgerrors.New(pkgerrors.CodeNotFound, "credit not found")}
	consumer = newConsumer(t, book, &stubMinter{}, nil)
	if got := consumer.Handle(context.Background(), enums.EventCreditMintRequested, mintBody(t, uuid.New(), book.credit)); got != Ack {
		t.Fatalf("expected ack for missing credit, got %v", got)
	}
}

func TestHandleIgnoresOtherEventsAndGarbage(t *testing.T) {
	book := &stubCredits{credit: pendingCredit()}
	minter := &stubMinter{}
	consumer := newConsumer(t, book, minter, nil)

	if got := consumer.Handle(context.Background(), enums.EventCreditIssued, []byte(`{}`)); got != Ack {
		t.Fatalf("expected ack for unrelated event, got %v", got)
	}
	if got := consumer.Handle(context.Background(), enums.EventCreditMintRequested, []byte(`not json`)); got != Ack {
		t.Fatalf("expected ack for undecodable body, got %v", got)
	}
	if minter.calls != 0 {
		t.Fatalf("expected no gateway calls, got %d", minter.calls)
	}
}

func TestNewConsumerRequiresDependencies(t *testing.T) {
	if _, err := NewConsumer(ConsumerParams{Minter: &stubMinter{}}); err == nil {
		t.Fatal("expected error without credit service")
	}
	if _, err := NewConsumer(ConsumerParams{Credits: &stubCredits{}}); err == nil {
		t.Fatal("expected error without minter")
	}
}
