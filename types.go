package acctguard

import (
	"context"
	"time"
)

// IdentifierKind selects which unique account field a lookup runs against.
type IdentifierKind uint8

const (
	// IdentifierEmail addresses an account by email.
	IdentifierEmail IdentifierKind = iota
	// IdentifierUsername addresses an account by username.
	IdentifierUsername
	// IdentifierPhone addresses an account by phone number.
	IdentifierPhone
)

// Field returns the caller-visible field name for the identifier kind.
func (k IdentifierKind) Field() string {
	switch k {
	case IdentifierUsername:
		return "username"
	case IdentifierPhone:
		return "phoneNumber"
	default:
		return "email"
	}
}

// ChangeKind names the account field a pending change request mutates.
type ChangeKind uint8

const (
	// ChangeEmail gates a primary email mutation.
	ChangeEmail ChangeKind = iota
	// ChangeUsername gates a username mutation.
	ChangeUsername
	// ChangePhone gates a phone number mutation.
	ChangePhone
	// ChangePassword gates a credential rotation.
	ChangePassword
)

// String returns the stable wire name of the change kind.
func (k ChangeKind) String() string {
	switch k {
	case ChangeUsername:
		return "username"
	case ChangePhone:
		return "phone"
	case ChangePassword:
		return "password"
	default:
		return "email"
	}
}

// Account is the root entity. Identifier fields are unique; normalization
// (case folding, trimming) is the caller's policy and is not applied here.
// Credential holds the derived hash; the matching salt lives in [Vault].
type Account struct {
	ID          string
	Email       string
	Username    string
	PhoneNumber string

	Credential string

	Active            bool
	Blocked           bool
	BlockExpiresAt    time.Time
	LoginAttemptCount int

	VerificationToken     string
	VerificationExpiresAt time.Time

	FirstName string
	LastName  string
	Birthday  time.Time
	PhotoURL  string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PublicAccount is the caller-visible projection of an [Account]. Credential
// and token material never appear on it.
type PublicAccount struct {
	ID          string
	Email       string
	Username    string
	PhoneNumber string
	Active      bool
	Blocked     bool
	FirstName   string
	LastName    string
	Birthday    time.Time
	PhotoURL    string
	CreatedAt   time.Time
}

// Public strips credential and verification material from the account.
func (a *Account) Public() *PublicAccount {
	return &PublicAccount{
		ID:          a.ID,
		Email:       a.Email,
		Username:    a.Username,
		PhoneNumber: a.PhoneNumber,
		Active:      a.Active,
		Blocked:     a.Blocked,
		FirstName:   a.FirstName,
		LastName:    a.LastName,
		Birthday:    a.Birthday,
		PhotoURL:    a.PhotoURL,
		CreatedAt:   a.CreatedAt,
	}
}

// Vault holds the per-account salt, one-to-one with an account. The salt is
// kept apart from the rest of the account data so the authentication secret
// surface stays small; the derived hash itself lives on Account.Credential.
type Vault struct {
	AccountID string
	Salt      string
}

// RequestMeta carries caller metadata captured on security-sensitive
// requests.
type RequestMeta struct {
	IP          string
	UserAgent   string
	Fingerprint string
}

// PendingChange is one in-flight verification-gated mutation. At most one
// unverified record exists per account at any time.
type PendingChange struct {
	AccountID string
	Kind      ChangeKind
	Token     string
	ExpiresAt time.Time
	Meta      RequestMeta
	Verified  bool
}

// ForgotPasswordRequest is a password-reset challenge, independent of the
// account's blocked state.
type ForgotPasswordRequest struct {
	Email     string
	AccountID string
	Token     string
	ExpiresAt time.Time
	Meta      RequestMeta
}

// AccountUpdate names the mutable account fields for a partial update. Nil
// fields are left untouched by the store.
type AccountUpdate struct {
	Email       *string
	Username    *string
	PhoneNumber *string
	Credential  *string

	Active            *bool
	Blocked           *bool
	BlockExpiresAt    *time.Time
	LoginAttemptCount *int

	VerificationToken     *string
	VerificationExpiresAt *time.Time

	FirstName *string
	LastName  *string
	Birthday  *time.Time
	PhotoURL  *string
}

// AccountStore is the persistence contract for accounts. Implementations
// must treat identifier fields as unique; Create returns an error matching
// [ErrIdentifierTaken] on a uniqueness violation.
type AccountStore interface {
	FindByID(ctx context.Context, id string) (*Account, error)
	FindByIdentifier(ctx context.Context, kind IdentifierKind, value string) (*Account, error)
	Create(ctx context.Context, account *Account) error
	Update(ctx context.Context, id string, update AccountUpdate) (*Account, error)
	ExistsByIdentifier(ctx context.Context, kind IdentifierKind, value string) (bool, error)
	// CountByCredential reports how many accounts store exactly this derived
	// hash. Used by the uniqueness guard's probe loop.
	CountByCredential(ctx context.Context, credential string) (int64, error)
}

// VaultStore persists per-account salts.
type VaultStore interface {
	FindByAccount(ctx context.Context, accountID string) (*Vault, error)
	Create(ctx context.Context, vault *Vault) error
	UpdateSalt(ctx context.Context, accountID, salt string) error
}

// PendingChangeStore persists pending change requests. Create must be
// conditional: when an unverified record already exists for the account it
// returns an error matching [ErrPendingChangeExists] instead of writing, so
// two concurrent requests cannot both pass the single-in-flight check.
type PendingChangeStore interface {
	Create(ctx context.Context, change *PendingChange) error
	// FindUnverified returns the account's unverified request when its token
	// and kind match, [ErrRequestNotFound] otherwise.
	FindUnverified(ctx context.Context, accountID, token string, kind ChangeKind) (*PendingChange, error)
	MarkVerified(ctx context.Context, accountID string) error
	CountUnverified(ctx context.Context, accountID string) (int64, error)
}

// ForgotPasswordStore persists reset requests keyed by token.
type ForgotPasswordStore interface {
	Create(ctx context.Context, request *ForgotPasswordRequest) error
	// Consume returns and retires the request for the token, or an error
	// matching [ErrRequestNotFound]. Implementations do not compare ExpiresAt
	// against the clock; see the package documentation on reset expiry.
	Consume(ctx context.Context, token string) (*ForgotPasswordRequest, error)
}

// SessionContext describes one authenticated session handed to the token
// issuer.
type SessionContext struct {
	AccountID   string
	IP          string
	UserAgent   string
	Fingerprint string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// TokenPair is the issuer's product: both tokens must be present for a
// login to be considered successful.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// TokenIssuer is the external component that mints, refreshes, and revokes
// session tokens. The engine only consumes this contract.
type TokenIssuer interface {
	Mint(ctx context.Context, session SessionContext) (TokenPair, error)
	Refresh(ctx context.Context, refreshToken string, session SessionContext) (TokenPair, error)
	Revoke(ctx context.Context, refreshToken string, session SessionContext) error
}

// TemplateKind selects the outbound notification template.
type TemplateKind uint8

const (
	// TemplateRegistration carries the registration verification token.
	TemplateRegistration TemplateKind = iota
	// TemplateChangeEmail carries a pending email-change token.
	TemplateChangeEmail
	// TemplateChangeUsername carries a pending username-change token.
	TemplateChangeUsername
	// TemplateChangePhone carries a pending phone-change token.
	TemplateChangePhone
	// TemplateChangePassword carries a pending password-change token.
	TemplateChangePassword
	// TemplatePasswordReset carries a forgot-password token.
	TemplatePasswordReset
)

// NotificationDispatcher delivers verification tokens out of band.
// Fire-and-forget semantics are acceptable; the engine never fails a
// workflow on dispatch errors.
type NotificationDispatcher interface {
	Send(ctx context.Context, token, destination string, template TemplateKind) error
}

// Clock abstracts time for deterministic expiry and lockout tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall-clock [Clock] used by default.
func SystemClock() Clock { return systemClock{} }

// LoginResult is returned by [Engine.Login] on success.
type LoginResult struct {
	AccessToken  string
	RefreshToken string
	Account      *PublicAccount
	ExpiresAt    time.Time
}

// RegisterInput is the input for [Engine.Register].
type RegisterInput struct {
	Email       string
	Username    string
	PhoneNumber string
	Secret      string
	FirstName   string
	LastName    string
}

// ProfileUpdate mutates profile fields that require no verification.
type ProfileUpdate struct {
	FirstName *string
	LastName  *string
	Birthday  *time.Time
	PhotoURL  *string
}
