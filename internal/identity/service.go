// Package identity turns a recovery phrase into the device signing key,
// keeps it in the secret store and signs challenges and documents with it.
package identity

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"docnotary/go-core/internal/apperr"
	"docnotary/go-core/internal/hdkey"
	"docnotary/go-core/internal/mnemonic"
	"docnotary/go-core/internal/payload"
	"docnotary/go-core/internal/securestore"
	"docnotary/go-core/internal/signing"
	"docnotary/go-core/pkg/models"
)

var ErrNoIdentity = errors.New("no signing key on this device")

// Identity is the public view of the device key.
type Identity struct {
	PublicKey   []byte
	Fingerprint string
	Suite       signing.Suite
}

func (i Identity) PublicKeyB64() string {
	return base64.StdEncoding.EncodeToString(i.PublicKey)
}

type Service struct {
	store  securestore.Store
	suite  signing.Suite
	path   hdkey.Path
	logger *slog.Logger
	now    func() time.Time

	mu  sync.RWMutex
	key signing.KeyPair
}

type Option func(*Service)

func WithSuite(s signing.Suite) Option { return func(svc *Service) { svc.suite = s } }

func WithPath(p hdkey.Path) Option {
	return func(svc *Service) {
		if len(p) > 0 {
			svc.path = p
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(svc *Service) {
		if l != nil {
			svc.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(svc *Service) {
		if now != nil {
			svc.now = now
		}
	}
}

func NewService(store securestore.Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		suite:  signing.SHA512,
		path:   hdkey.DefaultPath,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Suite() signing.Suite { return s.suite }

// Derive validates phrase and derives the signing key without storing it.
func (s *Service) Derive(phrase string) (signing.KeyPair, mnemonic.Mnemonic, error) {
	m, err := mnemonic.Parse(phrase)
	if err != nil {
		return signing.KeyPair{}, mnemonic.Mnemonic{}, err
	}
	seed := mnemonic.ToSeed(m, "")
	defer clear(seed)
	kp, err := hdkey.DeriveKeyPair(seed, s.path, s.suite)
	if err != nil {
		return signing.KeyPair{}, mnemonic.Mnemonic{}, err
	}
	return kp, m, nil
}

// Import derives the key for phrase, persists key and phrase as key
// material and makes the key current.
func (s *Service) Import(ctx context.Context, phrase string) (Identity, error) {
	kp, m, err := s.Derive(phrase)
	if err != nil {
		return Identity{}, err
	}
	priv := kp.Seed()
	defer clear(priv)
	if err := s.store.Store(ctx, securestore.NameSigningKey, priv, securestore.ClassKeyMaterial); err != nil {
		return Identity{}, fmt.Errorf("persist signing key: %w", err)
	}
	if err := s.store.Store(ctx, securestore.NamePhrase, []byte(m.Phrase()), securestore.ClassKeyMaterial); err != nil {
		return Identity{}, fmt.Errorf("persist recovery phrase: %w", err)
	}
	id := s.setKey(kp)
	s.logger.Info("signing key imported", "public_key_fp", id.Fingerprint, "suite", s.suite.String())
	return id, nil
}

// Load restores the persisted key.
func (s *Service) Load(ctx context.Context) (Identity, error) {
	priv, err := s.store.Retrieve(ctx, securestore.NameSigningKey)
	if errors.Is(err, securestore.ErrNotFound) {
		return Identity{}, ErrNoIdentity
	}
	if err != nil {
		return Identity{}, fmt.Errorf("load signing key: %w", err)
	}
	defer clear(priv)
	kp, err := signing.NewKeyPair(priv, s.suite)
	if err != nil {
		return Identity{}, err
	}
	return s.setKey(kp), nil
}

// HasStoredKey reports whether a signing key is persisted.
func (s *Service) HasStoredKey(ctx context.Context) bool {
	priv, err := s.store.Retrieve(ctx, securestore.NameSigningKey)
	clear(priv)
	return err == nil
}

// Current returns the loaded identity or ErrNoIdentity.
func (s *Service) Current() (Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key.IsZero() {
		return Identity{}, ErrNoIdentity
	}
	return identityOf(s.key), nil
}

// RecoveryPhrase returns the stored phrase.
func (s *Service) RecoveryPhrase(ctx context.Context) (mnemonic.Mnemonic, error) {
	raw, err := s.store.Retrieve(ctx, securestore.NamePhrase)
	if errors.Is(err, securestore.ErrNotFound) {
		return mnemonic.Mnemonic{}, ErrNoIdentity
	}
	if err != nil {
		return mnemonic.Mnemonic{}, err
	}
	defer clear(raw)
	return mnemonic.Parse(string(raw))
}

// SignChallenge signs the UTF-8 bytes of challenge and returns the base64
// signature.
func (s *Service) SignChallenge(challenge string) (string, error) {
	sig, err := s.sign([]byte(challenge))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// SignDocument signs the canonical payload for a document.
func (s *Service) SignDocument(sha256Hex, title string, participants []string) (models.SignedDocument, error) {
	if err := payload.ValidateDigestHex(sha256Hex); err != nil {
		return models.SignedDocument{}, fmt.Errorf("%w: %w", apperr.ErrSigningFailure, err)
	}
	body := payload.Build(sha256Hex, title, participants)
	sig, err := s.sign(body)
	if err != nil {
		return models.SignedDocument{}, err
	}
	id, err := s.Current()
	if err != nil {
		return models.SignedDocument{}, err
	}
	return models.SignedDocument{
		Payload:      string(body),
		SignatureB64: base64.StdEncoding.EncodeToString(sig),
		PublicKeyB64: id.PublicKeyB64(),
		Suite:        s.suite.String(),
		SignedAt:     s.now().UTC(),
	}, nil
}

// Forget deletes the key material from memory and the store.
func (s *Service) Forget(ctx context.Context) error {
	s.mu.Lock()
	s.key.Zero()
	s.mu.Unlock()
	return errors.Join(
		s.store.Delete(ctx, securestore.NameSigningKey),
		s.store.Delete(ctx, securestore.NamePhrase),
	)
}

func (s *Service) sign(msg []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key.IsZero() {
		return nil, fmt.Errorf("%w: %w", apperr.ErrSigningFailure, ErrNoIdentity)
	}
	return s.key.Sign(msg)
}

func (s *Service) setKey(kp signing.KeyPair) Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key.Zero()
	s.key = kp
	return identityOf(kp)
}

func identityOf(kp signing.KeyPair) Identity {
	pub := kp.PublicKey()
	return Identity{PublicKey: pub, Fingerprint: signing.Fingerprint(pub), Suite: kp.Suite()}
}
