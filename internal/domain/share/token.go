package share

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthshare/healthshare/internal/platform/apperr"
	"github.com/healthshare/healthshare/internal/platform/ledger"
)

const (
	MinTTL     = time.Minute
	DefaultTTL = 24 * time.Hour
	MaxTTL     = 7 * 24 * time.Hour
)

type TokenConfig struct {
	PrivateKey ed25519.PrivateKey
	Issuer     string
	DefaultTTL time.Duration
	MaxTTL     time.Duration
}

// TokenService mints and checks capability tokens. Validation needs only
// the public key, the revocation set and, optionally, the ledger.
type TokenService struct {
	priv        ed25519.PrivateKey
	pub         ed25519.PublicKey
	issuer      string
	defaultTTL  time.Duration
	maxTTL      time.Duration
	ledger      ledger.Ledger
	revocations RevocationStore
	logger      zerolog.Logger
	now         func() time.Time
}

func NewTokenService(cfg TokenConfig, l ledger.Ledger, revocations RevocationStore, logger zerolog.Logger) (*TokenService, error) {
	if len(cfg.PrivateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("share signing key must be an Ed25519 private key")
	}
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.MaxTTL == 0 || cfg.MaxTTL > MaxTTL {
		cfg.MaxTTL = MaxTTL
	}
	if cfg.DefaultTTL > cfg.MaxTTL {
		cfg.DefaultTTL = cfg.MaxTTL
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "healthshare"
	}
	return &TokenService{
		priv:        cfg.PrivateKey,
		pub:         cfg.PrivateKey.Public().(ed25519.PublicKey),
		issuer:      cfg.Issuer,
		defaultTTL:  cfg.DefaultTTL,
		maxTTL:      cfg.MaxTTL,
		ledger:      l,
		revocations: revocations,
		logger:      logger.With().Str("component", "share_token").Logger(),
		now:         time.Now,
	}, nil
}

// PublicKey returns the verification key.
func (s *TokenService) PublicKey() ed25519.PublicKey { return s.pub }

func (s *TokenService) checkRequest(req *IssueRequest) error {
	if req.Subject == uuid.Nil {
		return apperr.Validation("subject is required")
	}
	if !req.ShareType.Valid() {
		return apperr.Validation("shareType %q is not supported", req.ShareType)
	}
	if req.TTL == 0 {
		req.TTL = s.defaultTTL
	}
	if req.TTL < MinTTL || req.TTL > s.maxTTL {
		return apperr.Validation("expiry must be between %s and %s", MinTTL, s.maxTTL)
	}
	if req.ShareType == ShareSpecific && len(req.RecordIDs) == 0 {
		return apperr.Validation("a specific share needs at least one record id")
	}
	if len(req.Actions) == 0 {
		req.Actions = DefaultActions(req.ShareType)
	}
	for _, a := range req.Actions {
		if !req.ShareType.Permits(a) {
			return apperr.Newf(apperr.CodeInsufficientScope, "a %s share cannot grant %q", req.ShareType, a)
		}
	}
	return nil
}

// Issue signs a token for req and anchors its payload hash. A ledger outage
// does not block issuance; the token then carries no anchor_ref.
func (s *TokenService) Issue(ctx context.Context, req IssueRequest) (*IssuedToken, error) {
	if err := s.checkRequest(&req); err != nil {
		return nil, err
	}

	now := s.now().UTC().Truncate(time.Second)
	exp := now.Add(req.TTL)

	recordIDs := []string{AllRecords}
	if len(req.RecordIDs) > 0 {
		recordIDs = uniqueSorted(req.RecordIDs)
	}
	actions := append([]string(nil), req.Actions...)
	sort.Strings(actions)

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   req.Subject.String(),
			ID:        uuid.NewString(),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		ShareType:  req.ShareType,
		RecordIDs:  recordIDs,
		Actions:    actions,
		FacilityID: req.FacilityID,
	}

	hash, err := ledger.Hash(claims.payload())
	if err != nil {
		return nil, fmt.Errorf("hash token payload: %w", err)
	}
	claims.PayloadHash = hash

	var anchorRef *string
	if ref, err := s.ledger.Anchor(ctx, hash); err != nil {
		s.logger.Warn().Err(err).Str("jti", claims.ID).Msg("token payload not anchored")
	} else {
		claims.AnchorRef = ref
		anchorRef = &ref
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(s.priv)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}

	s.logger.Info().
		Str("jti", claims.ID).
		Str("subject", claims.Subject).
		Str("share_type", string(claims.ShareType)).
		Time("expires_at", exp).
		Msg("capability token issued")

	return &IssuedToken{
		Token:     signed,
		TokenID:   claims.ID,
		ExpiresAt: exp,
		AnchorRef: anchorRef,
		Claims:    claims,
	}, nil
}

func (s *TokenService) parse(token string, opts ...jwt.ParserOption) (*Claims, error) {
	claims := &Claims{}
	opts = append([]jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.now),
	}, opts...)
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return s.pub, nil
	}, opts...)
	return claims, err
}

// Validate checks signature, expiry, revocation and payload integrity, in
// that order, failing closed. The returned error carries one of
// TOKEN_SIGNATURE_INVALID, TOKEN_EXPIRED, TOKEN_REVOKED, TOKEN_TAMPERED or,
// if the revocation set cannot be read, SERVICE_UNAVAILABLE.
func (s *TokenService) Validate(ctx context.Context, token string) (*Validated, error) {
	claims, err := s.parse(token, jwt.WithExpirationRequired(), jwt.WithIssuedAt())
	if err != nil {
		return nil, classifyParseError(err)
	}
	if claims.ID == "" || claims.Subject == "" || !claims.ShareType.Valid() || len(claims.RecordIDs) == 0 {
		return nil, apperr.New(apperr.CodeTokenSignatureInvalid, "token is missing required claims")
	}

	revoked, err := s.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("jti", claims.ID).Msg("revocation check failed")
		return nil, apperr.Wrap(apperr.CodeServiceUnavailable, err, "revocation status unavailable")
	}
	if revoked {
		return nil, apperr.ErrTokenRevoked
	}

	recomputed, err := ledger.Hash(claims.payload())
	if err != nil || recomputed != claims.PayloadHash {
		return nil, apperr.ErrTokenTampered
	}

	out := &Validated{Claims: claims, Integrity: IntegrityUnknown}
	if claims.AnchorRef == "" {
		return out, nil
	}
	anchored, err := s.ledger.Retrieve(ctx, claims.AnchorRef)
	switch {
	case err == nil && anchored == claims.PayloadHash:
		out.Integrity = IntegrityVerified
	case err == nil:
		s.logger.Warn().Str("jti", claims.ID).Msg("token payload hash differs from anchor")
		return nil, apperr.ErrTokenTampered
	default:
		s.logger.Warn().Err(err).Str("jti", claims.ID).Msg("token anchor not checked")
	}
	return out, nil
}

// ParseForRevocation verifies the signature and issuer but accepts expired
// tokens, so an owner can always revoke what they hold.
func (s *TokenService) ParseForRevocation(token string) (*Claims, error) {
	claims, err := s.parse(token, jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, classifyParseError(err)
	}
	if claims.ID == "" || claims.ExpiresAt == nil {
		return nil, apperr.New(apperr.CodeTokenSignatureInvalid, "token is missing required claims")
	}
	return claims, nil
}

// Revoke adds jti to the revocation set. Revoking twice is harmless.
func (s *TokenService) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	if err := s.revocations.Revoke(ctx, jti, expiresAt); err != nil {
		return apperr.Wrap(apperr.CodeServiceUnavailable, err, "revocation could not be stored")
	}
	s.logger.Info().Str("jti", jti).Msg("capability token revoked")
	return nil
}

func classifyParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenMalformed),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		return apperr.Wrap(apperr.CodeTokenSignatureInvalid, err, apperr.ErrTokenSignatureInvalid.Message)
	case errors.Is(err, jwt.ErrTokenExpired):
		return apperr.Wrap(apperr.CodeTokenExpired, err, apperr.ErrTokenExpired.Message)
	case errors.Is(err, jwt.ErrTokenUsedBeforeIssued), errors.Is(err, jwt.ErrTokenNotValidYet):
		return apperr.Wrap(apperr.CodeTokenSignatureInvalid, err, "token is not valid yet")
	default:
		return apperr.Wrap(apperr.CodeTokenSignatureInvalid, err, apperr.ErrTokenSignatureInvalid.Message)
	}
}

func uniqueSorted(ids []uuid.UUID) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		s := id.String()
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
