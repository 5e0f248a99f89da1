// Package token implements the capability token service for downloads and
// previews.
//
// Tokens are opaque: 256 bits of randomness, URL-safe, with no
// bearer-readable claims. The binding (file, subject, permissions, expiry,
// use counter, optional IP pin) lives in the fast store under
// download_token:<token> and disappears with its TTL. Every issued token is
// also indexed in user_tokens:<user> so a user's tokens can be enumerated
// and revoked.
package token

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pulsechat/filecore/internal/logger"
	"github.com/pulsechat/filecore/internal/telemetry"
	"github.com/pulsechat/filecore/pkg/fastkv"
)

// Permission is a capability a token grants on its file.
type Permission string

const (
	// PermissionRead allows preview/streaming access; it is not counted.
	PermissionRead Permission = "read"

	// PermissionDownload allows full download and consumes a use.
	PermissionDownload Permission = "download"
)

// TTL policy for issued tokens.
const (
	MinTTL     = 5 * time.Minute
	MaxTTL     = 24 * time.Hour
	DefaultTTL = time.Hour

	// userIndexTTL equals MaxTTL so the per-user index can never outlive
	// fewer tokens than it lists.
	userIndexTTL = MaxTTL
)

// Capped download-event streams.
const (
	fileEventsCap = 100
	fileEventsTTL = 30 * 24 * time.Hour
	userEventsCap = 50
	userEventsTTL = 7 * 24 * time.Hour
)

// Errors returned by the token service.
var (
	ErrTokenNotFound     = errors.New("token not found or expired")
	ErrTokenNotOwned     = errors.New("token belongs to another user")
	ErrPermissionMissing = errors.New("token does not grant the required permission")
	ErrIPMismatch        = errors.New("token is pinned to a different client address")
	ErrUsesExhausted     = errors.New("token has no remaining uses")
	ErrFileMismatch      = errors.New("token was issued for a different file")
)

// Binding is the server-side record behind an opaque token.
type Binding struct {
	Token       string       `json:"-"`
	FileID      string       `json:"file_id"`
	UserID      string       `json:"user_id"`
	Permissions []Permission `json:"permissions"`
	ExpiresAt   time.Time    `json:"expires_at"`
	MaxUses     int          `json:"max_uses,omitempty"`
	UseCount    int          `json:"use_count"`
	IPPin       string       `json:"ip_pin,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Grants reports whether the binding carries the permission.
func (b *Binding) Grants(p Permission) bool {
	for _, have := range b.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

// DownloadEvent is one entry in the capped per-file and per-user streams.
type DownloadEvent struct {
	FileID   string    `json:"file_id"`
	UserID   string    `json:"user_id"`
	ClientIP string    `json:"client_ip,omitempty"`
	At       time.Time `json:"at"`
}

// Options controls token issuance.
type Options struct {
	// ExpiresIn is clamped to [MinTTL, MaxTTL]; zero means DefaultTTL.
	ExpiresIn time.Duration

	// Permissions defaults to {read, download} when empty.
	Permissions []Permission

	// MaxUses caps successful download validations; zero means unlimited.
	MaxUses int

	// IPPin restricts the token to one client address.
	IPPin string
}

func (o Options) ttl() time.Duration {
	switch {
	case o.ExpiresIn == 0:
		return DefaultTTL
	case o.ExpiresIn < MinTTL:
		return MinTTL
	case o.ExpiresIn > MaxTTL:
		return MaxTTL
	}
	return o.ExpiresIn
}

func tokenKey(token string) string { return "download_token:" + token }
func userKey(userID string) string { return "user_tokens:" + userID }
func fileEventsKey(id string) string {
	return "download_events:" + id
}
func userEventsKey(id string) string {
	return "user_downloads:" + id
}

// Service issues and validates capability tokens.
type Service struct {
	kv  fastkv.FastKV
	now func() time.Time
}

// New creates a token service on the fast store.
func New(kv fastkv.FastKV) *Service {
	return &Service{kv: kv, now: time.Now}
}

// SetClock replaces the time source. Test use only.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// newToken returns 256 bits of randomness, base64url without padding.
func newToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("token randomness: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Issue creates a token binding for the file and stores it with TTL.
func (s *Service) Issue(ctx context.Context, fileID, userID string, opts Options) (*Binding, error) {
	ctx, span := telemetry.StartFileSpan(ctx, telemetry.SpanTokenIssue, fileID, telemetry.UserID(userID))
	defer span.End()

	tok, err := newToken()
	if err != nil {
		return nil, err
	}

	perms := opts.Permissions
	if len(perms) == 0 {
		perms = []Permission{PermissionRead, PermissionDownload}
	}

	now := s.now().UTC()
	ttl := opts.ttl()
	b := &Binding{
		Token:       tok,
		FileID:      fileID,
		UserID:      userID,
		Permissions: perms,
		ExpiresAt:   now.Add(ttl),
		MaxUses:     opts.MaxUses,
		IPPin:       opts.IPPin,
		CreatedAt:   now,
	}

	raw, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode binding: %w", err)
	}
	if err := s.kv.Set(ctx, tokenKey(tok), string(raw), ttl); err != nil {
		return nil, fmt.Errorf("store binding: %w", err)
	}

	if err := s.kv.SAdd(ctx, userKey(userID), tok); err != nil {
		logger.WarnCtx(ctx, "user token index update failed", "user_id", userID, "err", err)
	} else if err := s.kv.Expire(ctx, userKey(userID), userIndexTTL); err != nil {
		logger.WarnCtx(ctx, "user token index expire failed", "user_id", userID, "err", err)
	}

	logger.DebugCtx(ctx, "token issued",
		"file_id", fileID, "user_id", userID, "ttl", ttl, "max_uses", opts.MaxUses)
	return b, nil
}

// PreviewToken issues a read-only token with a short TTL.
func (s *Service) PreviewToken(ctx context.Context, fileID, userID string) (*Binding, error) {
	return s.Issue(ctx, fileID, userID, Options{
		ExpiresIn:   15 * time.Minute,
		Permissions: []Permission{PermissionRead},
	})
}

// OneTimeToken issues a single-use download token valid for at most five
// minutes.
func (s *Service) OneTimeToken(ctx context.Context, fileID, userID string) (*Binding, error) {
	return s.Issue(ctx, fileID, userID, Options{
		ExpiresIn:   MinTTL,
		Permissions: []Permission{PermissionRead, PermissionDownload},
		MaxUses:     1,
	})
}

// Validate checks a token for the required permission and client address.
//
// A successful download validation consumes a use through a scripted
// atomic update, so two racing downloads cannot both slip past max_uses,
// and appends an event to the capped per-file and per-user streams. Read
// validations are not counted.
func (s *Service) Validate(ctx context.Context, token string, required Permission, clientIP string) (*Binding, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanTokenValidate)
	defer span.End()

	b, err := s.load(ctx, token)
	if err != nil {
		return nil, err
	}

	if !b.Grants(required) {
		return nil, fmt.Errorf("%w: %s", ErrPermissionMissing, required)
	}
	if b.IPPin != "" && b.IPPin != clientIP {
		return nil, ErrIPMismatch
	}
	if b.MaxUses > 0 && b.UseCount >= b.MaxUses {
		return nil, ErrUsesExhausted
	}

	if required == PermissionDownload {
		consumed, err := s.consume(ctx, token)
		if err != nil {
			return nil, err
		}
		b = consumed
		s.appendDownloadEvents(ctx, b, clientIP)
	}

	span.SetAttributes(telemetry.FileID(b.FileID), telemetry.Permission(string(required)))
	return b, nil
}

// ValidateForFile is Validate plus a binding/path identity check. The file
// check runs before any use is consumed, so presenting a valid token
// against the wrong file id does not burn a download.
func (s *Service) ValidateForFile(ctx context.Context, token, fileID string, required Permission, clientIP string) (*Binding, error) {
	b, err := s.load(ctx, token)
	if err != nil {
		return nil, err
	}
	if b.FileID != fileID {
		return nil, ErrFileMismatch
	}
	return s.Validate(ctx, token, required, clientIP)
}

// Revoke deletes a token. When userID is given it must match the binding's
// subject. Revoking an already-absent token is not an error.
func (s *Service) Revoke(ctx context.Context, token, userID string) error {
	b, err := s.load(ctx, token)
	if errors.Is(err, ErrTokenNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if userID != "" && b.UserID != userID {
		return ErrTokenNotOwned
	}

	if err := s.kv.Del(ctx, tokenKey(token)); err != nil {
		return fmt.Errorf("delete binding: %w", err)
	}
	if err := s.kv.SRem(ctx, userKey(b.UserID), token); err != nil {
		logger.WarnCtx(ctx, "user token index removal failed", "user_id", b.UserID, "err", err)
	}
	return nil
}

// RevokeAll deletes every live token issued to the user.
func (s *Service) RevokeAll(ctx context.Context, userID string) (int, error) {
	tokens, err := s.kv.SMembers(ctx, userKey(userID))
	if err != nil {
		return 0, fmt.Errorf("list user tokens: %w", err)
	}

	revoked := 0
	for _, tok := range tokens {
		if err := s.kv.Del(ctx, tokenKey(tok)); err == nil {
			revoked++
		}
	}
	if err := s.kv.Del(ctx, userKey(userID)); err != nil {
		logger.WarnCtx(ctx, "user token index delete failed", "user_id", userID, "err", err)
	}
	return revoked, nil
}

// ListUserTokens returns the user's live bindings. Index entries whose
// binding has already expired are pruned as they are discovered.
func (s *Service) ListUserTokens(ctx context.Context, userID string) ([]*Binding, error) {
	tokens, err := s.kv.SMembers(ctx, userKey(userID))
	if err != nil {
		return nil, fmt.Errorf("list user tokens: %w", err)
	}

	out := make([]*Binding, 0, len(tokens))
	for _, tok := range tokens {
		b, err := s.load(ctx, tok)
		if errors.Is(err, ErrTokenNotFound) {
			_ = s.kv.SRem(ctx, userKey(userID), tok)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// FileDownloadEvents returns the newest-first capped event stream for a file.
func (s *Service) FileDownloadEvents(ctx context.Context, fileID string) ([]DownloadEvent, error) {
	return s.readEvents(ctx, fileEventsKey(fileID))
}

// UserDownloadEvents returns the newest-first capped event stream for a user.
func (s *Service) UserDownloadEvents(ctx context.Context, userID string) ([]DownloadEvent, error) {
	return s.readEvents(ctx, userEventsKey(userID))
}

// ============================================================================
// Internals
// ============================================================================

func (s *Service) load(ctx context.Context, token string) (*Binding, error) {
	raw, err := s.kv.Get(ctx, tokenKey(token))
	if errors.Is(err, fastkv.ErrNotFound) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load binding: %w", err)
	}

	var b Binding
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return nil, fmt.Errorf("corrupt binding: %w", err)
	}
	b.Token = token

	// The store TTL normally enforces this; the explicit check covers
	// clock skew between instances.
	if s.now().After(b.ExpiresAt) {
		return nil, ErrTokenNotFound
	}
	return &b, nil
}

// consume runs the scripted increment and decodes the updated binding.
func (s *Service) consume(ctx context.Context, token string) (*Binding, error) {
	res, err := s.kv.Eval(ctx, consumeScript, []string{tokenKey(token)})
	if err != nil {
		return nil, fmt.Errorf("consume token: %w", err)
	}

	switch v := res.(type) {
	case string:
		switch v {
		case consumeMissing:
			return nil, ErrTokenNotFound
		case consumeExhausted:
			return nil, ErrUsesExhausted
		}
		var b Binding
		if err := json.Unmarshal([]byte(v), &b); err != nil {
			return nil, fmt.Errorf("corrupt binding after consume: %w", err)
		}
		b.Token = token
		return &b, nil
	default:
		return nil, fmt.Errorf("unexpected consume result %T", res)
	}
}

func (s *Service) appendDownloadEvents(ctx context.Context, b *Binding, clientIP string) {
	raw, err := json.Marshal(DownloadEvent{
		FileID:   b.FileID,
		UserID:   b.UserID,
		ClientIP: clientIP,
		At:       s.now().UTC(),
	})
	if err != nil {
		return
	}

	s.appendCapped(ctx, fileEventsKey(b.FileID), string(raw), fileEventsCap, fileEventsTTL)
	s.appendCapped(ctx, userEventsKey(b.UserID), string(raw), userEventsCap, userEventsTTL)
}

func (s *Service) appendCapped(ctx context.Context, key, value string, cap int, ttl time.Duration) {
	if err := s.kv.LPush(ctx, key, value); err != nil {
		logger.WarnCtx(ctx, "event stream push failed", "key", key, "err", err)
		return
	}
	if err := s.kv.LTrim(ctx, key, 0, int64(cap-1)); err != nil {
		logger.WarnCtx(ctx, "event stream trim failed", "key", key, "err", err)
	}
	if err := s.kv.Expire(ctx, key, ttl); err != nil {
		logger.WarnCtx(ctx, "event stream expire failed", "key", key, "err", err)
	}
}

func (s *Service) readEvents(ctx context.Context, key string) ([]DownloadEvent, error) {
	raws, err := s.kv.LRange(ctx, key, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	out := make([]DownloadEvent, 0, len(raws))
	for _, raw := range raws {
		var ev DownloadEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}
