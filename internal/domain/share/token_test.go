package share

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthshare/healthshare/internal/platform/apperr"
	"github.com/healthshare/healthshare/internal/platform/ledger"
)

type fixedClock struct{ t time.Time }

func (c *fixedClock) Now() time.Time          { return c.t }
func (c *fixedClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return priv
}

func newTestTokenService(t *testing.T) (*TokenService, *ledger.MemoryLedger, *MemoryRevocationStore, *fixedClock) {
	t.Helper()
	l := ledger.NewMemoryLedger()
	rev := NewMemoryRevocationStore(0)
	t.Cleanup(func() { rev.Close() })
	svc, err := NewTokenService(TokenConfig{PrivateKey: newTestKey(t)}, l, rev, zerolog.Nop())
	if err != nil {
		t.Fatalf("new token service: %v", err)
	}
	clock := &fixedClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc.now = clock.Now
	return svc, l, rev, clock
}

func issue(t *testing.T, svc *TokenService, req IssueRequest) *IssuedToken {
	t.Helper()
	tok, err := svc.Issue(context.Background(), req)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return tok
}

func wantCode(t *testing.T, err error, code apperr.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil", code)
	}
	if got := apperr.CodeOf(err); got != code {
		t.Fatalf("expected %s, got %s (%v)", code, got, err)
	}
}

func TestTokenService_IssueAndValidate(t *testing.T) {
	svc, l, _, _ := newTestTokenService(t)
	patient := uuid.New()
	r1, r2 := uuid.New(), uuid.New()

	tok := issue(t, svc, IssueRequest{
		Subject:   patient,
		RecordIDs: []uuid.UUID{r2, r1, r2},
		ShareType: ShareSpecific,
		TTL:       2 * time.Hour,
	})
	if tok.AnchorRef == nil || l.Len() != 1 {
		t.Fatalf("expected payload hash anchored, ref=%v len=%d", tok.AnchorRef, l.Len())
	}
	if len(tok.Claims.RecordIDs) != 2 {
		t.Errorf("expected deduplicated record ids, got %v", tok.Claims.RecordIDs)
	}

	v, err := svc.Validate(context.Background(), tok.Token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if v.Integrity != IntegrityVerified {
		t.Errorf("integrity = %s, want verified", v.Integrity)
	}
	if v.Claims.Subject != patient.String() || v.Claims.ShareType != ShareSpecific {
		t.Errorf("unexpected claims %+v", v.Claims)
	}
	if !v.Claims.CoversRecord(r1) || v.Claims.CoversRecord(uuid.New()) {
		t.Error("record coverage mismatch")
	}
	if !v.Claims.Allows(ActionRead) || v.Claims.Allows(ActionWrite) {
		t.Errorf("unexpected actions %v", v.Claims.Actions)
	}
}

func TestTokenService_EmptyRecordIDsMeansAll(t *testing.T) {
	svc, _, _, _ := newTestTokenService(t)
	tok := issue(t, svc, IssueRequest{Subject: uuid.New(), ShareType: ShareFull})
	if !tok.Claims.AllRecords() || !tok.Claims.CoversRecord(uuid.New()) {
		t.Errorf("expected wildcard record ids, got %v", tok.Claims.RecordIDs)
	}
	if got := tok.ExpiresAt.Sub(tok.Claims.IssuedAt.Time); got != DefaultTTL {
		t.Errorf("default ttl = %s", got)
	}
}

func TestTokenService_IssueRejects(t *testing.T) {
	svc, _, _, _ := newTestTokenService(t)
	tests := []struct {
		name string
		req  IssueRequest
		code apperr.Code
	}{
		{"no subject", IssueRequest{ShareType: ShareFull}, apperr.CodeValidationFailed},
		{"bad type", IssueRequest{Subject: uuid.New(), ShareType: "everything"}, apperr.CodeValidationFailed},
		{"ttl too short", IssueRequest{Subject: uuid.New(), ShareType: ShareFull, TTL: time.Second}, apperr.CodeValidationFailed},
		{"ttl too long", IssueRequest{Subject: uuid.New(), ShareType: ShareFull, TTL: 8 * 24 * time.Hour}, apperr.CodeValidationFailed},
		{"specific without records", IssueRequest{Subject: uuid.New(), ShareType: ShareSpecific}, apperr.CodeValidationFailed},
		{"emergency write", IssueRequest{Subject: uuid.New(), ShareType: ShareEmergency, Actions: []string{ActionWrite}}, apperr.CodeInsufficientScope},
		{"summary read", IssueRequest{Subject: uuid.New(), ShareType: ShareSummary, Actions: []string{ActionRead}}, apperr.CodeInsufficientScope},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Issue(context.Background(), tt.req)
			wantCode(t, err, tt.code)
		})
	}
}

func TestTokenService_Expiry(t *testing.T) {
	svc, _, _, clock := newTestTokenService(t)
	tok := issue(t, svc, IssueRequest{Subject: uuid.New(), ShareType: ShareFull, TTL: time.Hour})

	clock.Advance(59 * time.Minute)
	if _, err := svc.Validate(context.Background(), tok.Token); err != nil {
		t.Fatalf("expected valid before expiry: %v", err)
	}

	clock.Advance(2 * time.Minute)
	_, err := svc.Validate(context.Background(), tok.Token)
	wantCode(t, err, apperr.CodeTokenExpired)
}

func TestTokenService_RevokeIsFinalAndIdempotent(t *testing.T) {
	svc, _, rev, _ := newTestTokenService(t)
	tok := issue(t, svc, IssueRequest{Subject: uuid.New(), ShareType: ShareFull})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := svc.Revoke(ctx, tok.TokenID, tok.ExpiresAt); err != nil {
			t.Fatalf("revoke #%d: %v", i+1, err)
		}
	}
	if rev.Count() != 1 {
		t.Errorf("expected one revocation entry, got %d", rev.Count())
	}
	_, err := svc.Validate(ctx, tok.Token)
	wantCode(t, err, apperr.CodeTokenRevoked)
}

func TestTokenService_ExpiredTokenCanStillBeRevoked(t *testing.T) {
	svc, _, _, clock := newTestTokenService(t)
	tok := issue(t, svc, IssueRequest{Subject: uuid.New(), ShareType: ShareFull, TTL: time.Hour})
	clock.Advance(2 * time.Hour)

	c, err := svc.ParseForRevocation(tok.Token)
	if err != nil {
		t.Fatalf("parse for revocation: %v", err)
	}
	if c.ID != tok.TokenID {
		t.Errorf("jti = %s, want %s", c.ID, tok.TokenID)
	}
}

func TestTokenService_ForgedBodyFailsSignature(t *testing.T) {
	svc, _, _, _ := newTestTokenService(t)
	tok := issue(t, svc, IssueRequest{Subject: uuid.New(), ShareType: ShareSummary})

	parts := strings.Split(tok.Token, ".")
	body, _ := base64.RawURLEncoding.DecodeString(parts[1])
	forged := strings.Replace(string(body), `"summary"`, `"full"`, 1)
	parts[1] = base64.RawURLEncoding.EncodeToString([]byte(forged))

	_, err := svc.Validate(context.Background(), strings.Join(parts, "."))
	wantCode(t, err, apperr.CodeTokenSignatureInvalid)
}

func TestTokenService_WrongKeyOrAlgorithm(t *testing.T) {
	svc, _, _, clock := newTestTokenService(t)
	other, err := NewTokenService(TokenConfig{PrivateKey: newTestKey(t)}, ledger.NewMemoryLedger(), NewMemoryRevocationStore(0), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	other.now = clock.Now
	foreign := issue(t, other, IssueRequest{Subject: uuid.New(), ShareType: ShareFull})
	_, err = svc.Validate(context.Background(), foreign.Token)
	wantCode(t, err, apperr.CodeTokenSignatureInvalid)

	claims := jwt.MapClaims{"sub": uuid.NewString(), "jti": uuid.NewString(), "iss": "healthshare", "exp": clock.Now().Add(time.Hour).Unix()}
	hs, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("0123456789abcdef0123456789abcdef"))
	_, err = svc.Validate(context.Background(), hs)
	wantCode(t, err, apperr.CodeTokenSignatureInvalid)

	_, err = svc.Validate(context.Background(), "not-a-token")
	wantCode(t, err, apperr.CodeTokenSignatureInvalid)
}

func TestTokenService_PayloadHashMismatchIsTampered(t *testing.T) {
	svc, _, _, clock := newTestTokenService(t)
	now := clock.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uuid.NewString(),
			ID:        uuid.NewString(),
			Issuer:    "healthshare",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		ShareType:   ShareFull,
		RecordIDs:   []string{AllRecords},
		Actions:     []string{ActionRead},
		PayloadHash: strings.Repeat("a", 64),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(svc.priv)
	if err != nil {
		t.Fatal(err)
	}
	_, err = svc.Validate(context.Background(), signed)
	wantCode(t, err, apperr.CodeTokenTampered)
}

type divergentLedger struct{ *ledger.MemoryLedger }

func (divergentLedger) Retrieve(context.Context, string) (string, error) {
	return strings.Repeat("0", 64), nil
}

func TestTokenService_AnchorMismatchIsTampered(t *testing.T) {
	svc, l, _, _ := newTestTokenService(t)
	tok := issue(t, svc, IssueRequest{Subject: uuid.New(), ShareType: ShareFull})
	svc.ledger = divergentLedger{l}

	_, err := svc.Validate(context.Background(), tok.Token)
	wantCode(t, err, apperr.CodeTokenTampered)
}

func TestTokenService_LedgerOutage(t *testing.T) {
	svc, l, _, _ := newTestTokenService(t)
	l.SetAvailable(false)

	tok := issue(t, svc, IssueRequest{Subject: uuid.New(), ShareType: ShareFull})
	if tok.AnchorRef != nil {
		t.Errorf("expected no anchor during outage, got %s", *tok.AnchorRef)
	}
	v, err := svc.Validate(context.Background(), tok.Token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if v.Integrity != IntegrityUnknown {
		t.Errorf("integrity = %s, want unknown", v.Integrity)
	}

	l.SetAvailable(true)
	anchored := issue(t, svc, IssueRequest{Subject: uuid.New(), ShareType: ShareFull})
	l.SetAvailable(false)
	v, err = svc.Validate(context.Background(), anchored.Token)
	if err != nil {
		t.Fatalf("validate during outage: %v", err)
	}
	if v.Integrity != IntegrityUnknown {
		t.Errorf("integrity = %s, want unknown", v.Integrity)
	}
}

type brokenRevocations struct{}

func (brokenRevocations) Revoke(context.Context, string, time.Time) error {
	return errors.New("store down")
}

func (brokenRevocations) IsRevoked(context.Context, string) (bool, error) {
	return false, errors.New("store down")
}

func TestTokenService_RevocationStoreDownFailsClosed(t *testing.T) {
	svc, _, _, _ := newTestTokenService(t)
	tok := issue(t, svc, IssueRequest{Subject: uuid.New(), ShareType: ShareFull})
	svc.revocations = brokenRevocations{}

	_, err := svc.Validate(context.Background(), tok.Token)
	wantCode(t, err, apperr.CodeServiceUnavailable)
	wantCode(t, svc.Revoke(context.Background(), tok.TokenID, tok.ExpiresAt), apperr.CodeServiceUnavailable)
}

func TestNewTokenService_RejectsBadKey(t *testing.T) {
	if _, err := NewTokenService(TokenConfig{PrivateKey: ed25519.PrivateKey("short")}, ledger.NewMemoryLedger(), NewMemoryRevocationStore(0), zerolog.Nop()); err == nil {
		t.Fatal("expected error for malformed key")
	}
}
